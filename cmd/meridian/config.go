package main

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/flight"
	"github.com/ajitpratap0/meridian/pkg/logger"
)

// loadConfig reads the configuration file, if any, and applies the
// overrides set by flags or environment.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.NewDefault()
	if path := v.GetString("config"); path != "" {
		if err := config.Load(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	if v.IsSet("server.address") {
		cfg.Server.Address = v.GetString("server.address")
	}
	if v.IsSet("server.auth_token") {
		cfg.Server.AuthToken = v.GetString("server.auth_token")
	}
	if v.IsSet("server.ticket_key") {
		cfg.Server.TicketKey = v.GetString("server.ticket_key")
	}
	if v.IsSet("observability.metrics_address") {
		cfg.Observability.MetricsAddress = v.GetString("observability.metrics_address")
	}
	if v.IsSet("observability.tracing") {
		cfg.Observability.Tracing = v.GetBool("observability.tracing")
	}
	if v.IsSet("logging.level") && v.GetString("logging.level") != "" {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dialServer connects to the server named by --addr.
func dialServer(ctx context.Context, v *viper.Viper) (*flight.Client, error) {
	var opts []flight.ClientOption
	if tok := v.GetString("client.token"); tok != "" {
		opts = append(opts, flight.WithToken(tok))
	}
	return flight.Dial(ctx, v.GetString("client.address"), opts...)
}
