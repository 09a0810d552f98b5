package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/syncwire/syncwire/internal/alert"
	"github.com/syncwire/syncwire/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(true)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		monitor := startMonitorServer(app)

		if app.cfg.Retention.Enabled {
			retention := worker.NewRetentionWorker(app.outbox, app.store, app.cfg.Retention.ToWorkerConfig(), app.log)
			go retention.Start(ctx)
		}

		if app.cfg.Alerts.Enabled {
			mailer := alert.NewMailer(app.cfg.Alerts.ToSMTPConfig())
			failures := alert.NewMonitor(app.broker, mailer, app.cfg.Alerts.ToMonitorConfig(), app.log)
			go func() {
				if err := failures.Start(ctx); err != nil {
					app.log.Error(err, "alert monitor stopped")
				}
			}()
		}

		app.log.WithFields(map[string]interface{}{
			"interval": app.cfg.Sync.Interval,
			"scopes":   app.cfg.Sync.Scopes,
			"server":   app.cfg.Transport.BaseURL,
		}).Info("sync daemon starting")

		err = app.orch.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if monitor != nil {
			if shutdownErr := monitor.Shutdown(shutdownCtx); shutdownErr != nil {
				app.log.Error(shutdownErr, "monitor server shutdown failed")
			}
		}

		app.log.Info("sync daemon stopped")
		return err
	},
}

// startMonitorServer serves liveness and Prometheus metrics for the
// daemon itself.
func startMonitorServer(app *app) *http.Server {
	if app.cfg.Monitor.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if _, err := app.outbox.PendingCount(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: app.cfg.Monitor.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error(err, "monitor server failed")
		}
	}()
	return srv
}

func init() {
	rootCmd.AddCommand(runCmd)
}
