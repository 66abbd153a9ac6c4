package queue

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	enqueued      *prometheus.CounterVec
	finished      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	pending       prometheus.Gauge
	running       prometheus.Gauge
	persistWrites prometheus.Counter
	persistErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noteflow",
			Subsystem: "queue",
			Name:      "tasks_enqueued_total",
			Help:      "Tasks admitted to the queue.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noteflow",
			Subsystem: "queue",
			Name:      "task_attempts_total",
			Help:      "Finished attempts by result (completed, retried, failed, cancelled).",
		}, []string{"kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noteflow",
			Subsystem: "queue",
			Name:      "task_attempt_duration_seconds",
			Help:      "Duration of task attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noteflow",
			Subsystem: "queue",
			Name:      "tasks_pending",
			Help:      "Tasks waiting to run.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noteflow",
			Subsystem: "queue",
			Name:      "tasks_running",
			Help:      "Tasks currently running.",
		}),
		persistWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noteflow",
			Subsystem: "queue",
			Name:      "state_writes_total",
			Help:      "Successful queue state writes.",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noteflow",
			Subsystem: "queue",
			Name:      "state_write_errors_total",
			Help:      "Failed queue state writes.",
		}),
	}
	for _, c := range []prometheus.Collector{m.enqueued, m.finished, m.duration, m.pending, m.running, m.persistWrites, m.persistErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
