package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server and the analysis workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wireApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			if listen == "" {
				listen = app.cfg.Server.Listen
			}
			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, app, listener)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")

	return cmd
}

// serve runs the socket server and the job workers until ctx is done or
// either of them fails.
func serve(ctx context.Context, app *app, listener net.Listener) error {
	if app.remote != nil {
		if err := app.remote.Health(ctx); err != nil {
			app.logger.Warn("analysis service not healthy, jobs will retry", zap.String("endpoint", app.remote.BaseURL), zap.Error(err))
		} else {
			app.logger.Info("analysis service healthy", zap.String("endpoint", app.remote.BaseURL))
		}
	} else {
		app.logger.Info("no analysis endpoint configured, using baseline models")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := app.dispatcher.Run(egCtx); err != nil {
			return fmt.Errorf("run analysis workers: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return app.server.Serve(egCtx, listener)
	})

	return eg.Wait()
}
