// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/server"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the recording and playback API over HTTP",
		Long: `Starts the JSON control API under /api and streams recorder and player
events to websocket observers on /ws until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.SetServerAddr(addr)
			}
			return runServe(ctx, cfg, factory, observability.GetLogger())
		},
	}
	serveCmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (default from config)")
	return serveCmd
}

func runServe(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, logger *zap.Logger) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown(context.WithoutCancel(ctx))

	srv := server.New(cfg.Server(), components.Controller, components.Hub, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("Server stopped.")
	return nil
}
