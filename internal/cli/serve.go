package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/node"
)

// NewServeCommand runs a node until it receives SIGINT or SIGTERM.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var openExisting bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage node and its admin server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := opts.logger(cfg, false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.New(ctx, cfg, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create node", err)
			}
			if openExisting {
				if err := n.OpenExisting(); err != nil {
					logger.Warn("Failed to open some existing databases", zap.Error(err))
				}
			}

			logger.Info("Starting replstore",
				zap.String("node_id", cfg.NodeID),
				zap.String("addr", cfg.Server.Addr),
				zap.Strings("databases", n.Databases.Labels()))

			errCh := n.Start(ctx)
			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("Shutting down")
			case serveErr = <-errCh:
				if serveErr != nil {
					logger.Error("Server failed", zap.Error(serveErr))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := n.Stop(shutdownCtx); err != nil {
				logger.Error("Shutdown failed", zap.Error(err))
				if serveErr == nil {
					serveErr = err
				}
			}
			if serveErr != nil {
				return WrapExitError(ExitFailure, "node stopped with error", serveErr)
			}
			logger.Info("Stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&openExisting, "open-existing", true, "Register every persistent database found in the data directory")
	return cmd
}
