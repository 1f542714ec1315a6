package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/crdtsync/internal/metrics"
	"github.com/roach88/crdtsync/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen, dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server that replicas sync through. Messages and Merkle
tries are stored per file in a badger database under server.data_dir.
The server stops gracefully on SIGINT or SIGTERM.

Examples:
  crdtsync serve --config relay.cue
  crdtsync serve --listen :9000 --data-dir /var/lib/crdtsync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if dataDir != "" {
				cfg.Server.DataDir = dataDir
			}
			if rootOpts.Verbose {
				cfg.Logging.Level = "debug"
			}

			logger, err := server.NewLogger(cfg.Logging)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create logger", err)
			}
			defer logger.Sync()

			store, err := server.OpenGroupStore(cfg.Server.DataDir)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open relay store", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Error("error closing relay store", zap.Error(err))
				}
			}()

			srv := server.NewServer(*cfg, store, logger, metrics.NewMetrics())
			srv.SetupRoutes()

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutdown requested")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				return WrapExitError(ExitFailure, "relay server error", err)
			}
			logger.Info("relay server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "relay data directory (overrides server.data_dir)")
	return cmd
}
