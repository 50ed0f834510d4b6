package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/floodwatch/floodwatch-cli/internal/api"
	"github.com/floodwatch/floodwatch-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read API for the dashboard",
	Long:  "Serves city, watershed and run data over HTTP. With server.update_interval set, also runs the update pipeline on that interval.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, nil)
		alerter := monitoring.NewAlerter(cfg.Monitoring)

		if cfg.Server.UpdateInterval > 0 {
			go env.Pipeline.RunEvery(ctx, cfg.Server.UpdateInterval)
		}
		if cfg.Monitoring.CheckIntervalSecs > 0 {
			checker := monitoring.NewChecker(collector, alerter, env.Metrics, cfg.Monitoring, nil)
			go checker.Run(ctx)
		}

		srv := api.NewServer(env.Store,
			api.WithMetrics(env.Metrics),
			api.WithMonitoring(collector, alerter, cfg.Monitoring.LookbackWindowHours),
		)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		return listenAndServe(ctx, &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.Router(cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		})
	},
}

// listenAndServe runs srv until ctx is done, then shuts it down gracefully.
func listenAndServe(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
