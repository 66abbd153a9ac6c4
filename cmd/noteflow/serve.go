package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kination/noteflow/internal/app"
	"github.com/kination/noteflow/internal/queue"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run queued tasks and serve metrics until interrupted",
	Long: `Serve restores the saved queue, runs every pending task and exposes
Prometheus metrics on /metrics. Pipelines reaching the review gate stay
pending for 'noteflow pending confirm'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
			addr := a.Config.MetricsAddr
			if metricsAddr != "" {
				addr = metricsAddr
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			unsubscribe := a.Queue.Subscribe(func(ev queue.Event) {
				if ev.Type == queue.EventTaskCompleted || ev.Type == queue.EventTaskFailed {
					s := a.Queue.Stats()
					fmt.Printf("   - %s %s (pending %d, running %d)\n", ev.Type, ev.TaskID, s.Pending, s.Running)
				}
			})
			defer unsubscribe()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			fmt.Printf("🚀 Serving metrics on %s\n", addr)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the metrics endpoint (overrides the config file)")
	rootCmd.AddCommand(serveCmd)
}
