package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var withSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			addr := fmt.Sprintf(":%d", a.Config().Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			return serve(cmd.Context(), a, ln, withSchedule)
		},
	}
	cmd.Flags().BoolVar(&withSchedule, "schedule", false, "also run crawl cycles on crawler.schedule")
	return cmd
}

// serve runs the API on ln until ctx is canceled, then shuts down gracefully.
func serve(ctx context.Context, a App, ln net.Listener, withSchedule bool) error {
	logger := a.Logger()
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Handler:           a.APIServer(ctx).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
			return
		}
		serveErr <- nil
	}()

	scheduleDone := make(chan struct{})
	if withSchedule {
		go func() {
			defer close(scheduleDone)
			if err := a.Runner().RunWithSchedule(ctx, ""); err != nil {
				logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
	} else {
		close(scheduleDone)
	}

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-scheduleDone
	logger.Info("shutdown complete")

	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
