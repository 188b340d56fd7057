// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-bridge/internal/api"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge"
	"github.com/xkilldash9x/scalpel-bridge/internal/config"
	"github.com/xkilldash9x/scalpel-bridge/internal/observability"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the debugging target and serve the HTTP facade",
		Long: `Dials the Chrome DevTools control socket, keeps it alive across drops and
exposes command submission, event buffers and telemetry over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, observability.GetLogger())
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "address for the HTTP facade (server.listen_addr)")
	flags.String("host", "", "debugging target host (target.host)")
	flags.Int("port", 0, "debugging target port (target.port)")
	flags.String("ws-url", "", "control socket URL, skips discovery (target.websocket_url)")
	flags.String("target-type", "", "page or browser (target.type)")

	_ = v.BindPFlag("server.listen_addr", flags.Lookup("listen"))
	_ = v.BindPFlag("target.host", flags.Lookup("host"))
	_ = v.BindPFlag("target.port", flags.Lookup("port"))
	_ = v.BindPFlag("target.websocket_url", flags.Lookup("ws-url"))
	_ = v.BindPFlag("target.type", flags.Lookup("target-type"))
	return cmd
}

// runServe runs the bridge reader and the HTTP facade until ctx ends or
// either of them fails.
func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	b := bridge.New(logger, cfg)
	srv := api.NewServer(logger, cfg.Server, b)

	logger.Info("Starting scalpel-bridge.",
		zap.String("version", Version),
		zap.String("target", cfg.Target.Address()),
		zap.String("listen", cfg.Server.ListenAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.Run(gctx); err != nil {
			return fmt.Errorf("bridge stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("scalpel-bridge stopped.")
	return nil
}
