package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/relief-engine/api"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the SLA scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			handler := api.NewHandler(a.service, a.desk, a.scheduler, a.log)
			router := api.NewRouter(handler, api.RouterOptions{
				CORSOrigins: cfg.CORSOrigins,
				MetricsPath: cfg.MetricsPath,
				Gatherer:    a.registry,
			})

			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Port),
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			a.scheduler.Start()
			defer a.scheduler.Stop()

			errCh := make(chan error, 1)
			go func() {
				a.log.WithFields(logrus.Fields{
					"port":   cfg.Port,
					"driver": cfg.Database.Driver,
					"audit":  cfg.Audit.Sink,
				}).Info("server starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.log.Info("server stopped")
			return nil
		},
	}
}
