package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"answercore/internal/app"
	"answercore/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := server.New(a)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(cfg.Server.Addr) }()
		logger.Info("serving", zap.String("addr", cfg.Server.Addr))

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
