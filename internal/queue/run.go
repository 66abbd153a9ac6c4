package queue

import (
	"context"
	"errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/retry"
)

// execution tracks one in-flight attempt. runID tells a current attempt apart
// from a stale one that finishes after being cancelled or timed out.
type execution struct {
	runID     uint64
	cancel    context.CancelFunc
	timer     clock.Timer
	timedOut  atomic.Bool
	startedAt time.Time
}

func (ex *execution) stop() {
	if ex.timer != nil {
		ex.timer.Stop()
	}
	ex.cancel()
}

type outcome struct {
	taskID   string
	runID    uint64
	data     map[string]any
	err      error
	timedOut bool
}

type dispatch struct {
	ctx  context.Context
	task *v1.TaskRecord
	ex   *execution
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.loopDone)
	for {
		select {
		case <-ctx.Done():
			log.Info("queue loop stopped", "reason", ctx.Err())
			return
		case <-q.done:
			return
		case <-q.wakeup:
			q.schedule()
		case o := <-q.results:
			q.handleOutcome(o)
		}
	}
}

// schedule starts every eligible Pending task in insertion order until the
// concurrency limit is reached.
func (q *Queue) schedule() {
	q.mu.Lock()
	if q.paused || q.stopped {
		q.mu.Unlock()
		return
	}
	now := q.clock.Now()
	var started []dispatch
	for _, id := range q.order {
		if len(q.inflight) >= q.cfg.Concurrency {
			break
		}
		t := q.tasks[id]
		if t.State != v1.StatePending {
			continue
		}
		if t.NotBefore != nil && now.Before(*t.NotBefore) {
			continue
		}
		if !q.acquireLocked(t) {
			continue
		}

		startedAt := now
		t.State = v1.StateRunning
		t.StartedAt = &startedAt
		t.NotBefore = nil
		t.UpdatedAt = now

		q.nextRun++
		ctx, cancel := context.WithCancel(q.execCtx)
		ex := &execution{runID: q.nextRun, cancel: cancel, startedAt: now}
		if q.cfg.TaskTimeout > 0 {
			taskID := t.ID
			ex.timer = q.clock.AfterFunc(q.cfg.TaskTimeout, func() {
				go q.onTimeout(taskID, ex)
			})
		}
		q.inflight[t.ID] = ex
		started = append(started, dispatch{ctx: ctx, task: t.Clone(), ex: ex})
	}
	if len(started) > 0 {
		q.observeLocked()
	}
	q.mu.Unlock()

	if len(started) == 0 {
		return
	}
	q.persister.Schedule()
	for _, d := range started {
		log.V(1).Info("task started", "task", d.task.ID, "node", d.task.NodeID, "kind", d.task.Kind, "attempt", d.task.Attempts+1)
		q.events.Publish(Event{Type: EventTaskStarted, TaskID: d.task.ID, Task: d.task, Timestamp: now})
		go q.execute(d.ctx, d.task, d.ex.runID)
	}
}

func (q *Queue) execute(ctx context.Context, task *v1.TaskRecord, runID uint64) {
	data, err := q.invoke(ctx, task)
	q.deliver(outcome{taskID: task.ID, runID: runID, data: data, err: err})
}

// invoke turns a runner panic into an INTERNAL_ERROR failure.
func (q *Queue) invoke(ctx context.Context, task *v1.TaskRecord) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(nil, "task runner panicked", "task", task.ID, "panic", r, "stack", string(debug.Stack()))
			data = nil
			err = v1.NewTaskError(v1.CodeInternal, "runner panicked: %v", r)
		}
	}()
	return q.runner.Run(ctx, *task)
}

func (q *Queue) deliver(o outcome) {
	select {
	case q.results <- o:
	case <-q.done:
	}
}

// onTimeout aborts the attempt ex. A timer that fires after its attempt
// already finished must not touch a later attempt of the same task, so the
// abort happens under q.mu and only while ex is still in flight.
func (q *Queue) onTimeout(taskID string, ex *execution) {
	q.mu.Lock()
	if q.inflight[taskID] != ex {
		q.mu.Unlock()
		log.V(1).Info("ignoring timeout of finished attempt", "task", taskID)
		return
	}
	ex.timedOut.Store(true)
	log.Info("task timed out, aborting", "task", taskID, "timeout", q.cfg.TaskTimeout)
	ex.cancel()
	q.runner.Abort(taskID)
	q.mu.Unlock()
	q.deliver(outcome{taskID: taskID, runID: ex.runID, timedOut: true})
}

// handleOutcome applies the result of an attempt. Outcomes for attempts that
// are no longer in flight were cancelled or timed out and are dropped.
func (q *Queue) handleOutcome(o outcome) {
	q.mu.Lock()
	ex, ok := q.inflight[o.taskID]
	if !ok || ex.runID != o.runID {
		q.mu.Unlock()
		log.V(1).Info("discarding stale task outcome", "task", o.taskID)
		return
	}
	delete(q.inflight, o.taskID)
	ex.stop()

	t := q.tasks[o.taskID]
	now := q.clock.Now()
	err := o.err
	if o.timedOut || ex.timedOut.Load() {
		if !o.timedOut && o.err == nil {
			log.Info("discarding result delivered after timeout", "task", t.ID)
		}
		err = v1.NewTaskError(v1.CodeTimeout, "task exceeded %s", q.cfg.TaskTimeout)
	}

	var ev Event
	var result string
	if err == nil {
		t.State = v1.StateCompleted
		t.Result = o.data
		t.Attempts++
		t.UpdatedAt = now
		t.CompletedAt = &now
		ev = Event{Type: EventTaskCompleted}
		result = "completed"
	} else {
		ev = q.failLocked(t, err, now)
		result = "failed"
		if ev.WillRetry {
			result = "retried"
		}
	}
	q.releaseLocked(t)
	ev.TaskID = t.ID
	ev.Task = t.Clone()
	ev.Timestamp = now
	if t.State.Terminal() {
		q.trimHistoryLocked()
	}
	q.observeLocked()
	q.mu.Unlock()

	q.metrics.finished.WithLabelValues(string(ev.Task.Kind), result).Inc()
	q.metrics.duration.WithLabelValues(string(ev.Task.Kind)).Observe(now.Sub(ex.startedAt).Seconds())
	if err != nil {
		log.Info("task attempt failed", "task", t.ID, "node", ev.Task.NodeID, "attempt", ev.Task.Attempts,
			"maxAttempts", ev.Task.MaxAttempts, "willRetry", ev.WillRetry, "error", err.Error())
	} else {
		log.V(1).Info("task completed", "task", t.ID, "node", ev.Task.NodeID)
	}
	q.persister.Schedule()
	q.events.Publish(ev)
	q.schedule()
}

// failLocked records a failed attempt and decides between retry and
// terminal failure.
func (q *Queue) failLocked(t *v1.TaskRecord, err error, now time.Time) Event {
	code, msg := errorCode(err)
	t.Attempts++
	t.Errors = append(t.Errors, v1.TaskError{Code: code, Message: msg, Timestamp: now, Attempt: t.Attempts})
	t.UpdatedAt = now

	c := retry.Classify(code)
	if c.MaxAttempts > t.MaxAttempts {
		t.MaxAttempts = c.MaxAttempts
	}
	if !q.cfg.DisableRetries && c.Retryable && t.Attempts < t.MaxAttempts {
		t.State = v1.StatePending
		if d := c.Delay(t.Attempts, q.cfg.RetryBaseDelay); d > 0 {
			notBefore := now.Add(d)
			t.NotBefore = &notBefore
			q.clock.AfterFunc(d, func() { go q.trigger() })
		}
		return Event{Type: EventTaskFailed, WillRetry: true}
	}
	t.State = v1.StateFailed
	t.CompletedAt = &now
	return Event{Type: EventTaskFailed}
}

// errorCode extracts the classification code from a runner error.
func errorCode(err error) (code, message string) {
	var te *v1.TaskError
	switch {
	case errors.As(err, &te):
		return te.Code, te.Message
	case errors.Is(err, context.DeadlineExceeded):
		return v1.CodeTimeout, err.Error()
	case errors.Is(err, context.Canceled):
		return v1.CodeCancelled, err.Error()
	default:
		return v1.CodeExecution, err.Error()
	}
}
