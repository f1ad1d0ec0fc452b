package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/engine"
	"github.com/ajitpratap0/meridian/pkg/flight"
	"github.com/ajitpratap0/meridian/pkg/logger"
	"github.com/ajitpratap0/meridian/pkg/observability"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured datasets over Arrow Flight",
		Long: `Serve registers every dataset of the configuration file and serves them
over Arrow Flight until interrupted.

Example:
  meridian serve --config meridian.yaml --metrics-address :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), v)
		},
	}
	f := cmd.Flags()
	f.String("listen", "", "Flight listen address, host:port")
	f.String("auth-token", "", "Require this bearer token from clients")
	f.String("metrics-address", "", "Serve Prometheus metrics on this address")
	f.Bool("trace", false, "Export spans to stderr")
	bind(v, f, "server.address", "listen")
	bind(v, f, "server.auth_token", "auth-token")
	bind(v, f, "observability.metrics_address", "metrics-address")
	bind(v, f, "observability.tracing", "trace")
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	log := logger.Get()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Setup(ctx, cfg.Observability, observability.Options{
		ServiceName:    "meridian",
		ServiceVersion: version,
		Output:         os.Stderr,
	})
	if err != nil {
		return err
	}

	eng, err := engine.FromConfig(ctx, cfg)
	if err != nil {
		return multierr.Append(err, obs.Shutdown(context.Background()))
	}
	srv := flight.FromConfig(cfg.Server, eng)
	if err := srv.Start(); err != nil {
		return multierr.Combine(err, eng.Close(context.Background()), obs.Shutdown(context.Background()))
	}
	log.Info("meridian serving",
		zap.String("address", srv.Addr()),
		zap.Strings("datasets", eng.Tables()),
		zap.String("version", version))

	<-ctx.Done()
	log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return multierr.Combine(
		srv.Shutdown(sctx),
		eng.Close(sctx),
		obs.Shutdown(sctx),
	)
}
