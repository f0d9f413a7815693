// Package cmd implements the CLI commands for the crucible binaries.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/emberworks-io/crucible/cli/config"
	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/store"
)

// configFlag is shared by every command that boots the service.
func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to a YAML config overlay (env vars remain the base)",
		EnvVars: []string{"CRUCIBLE_CONFIG"},
	}
}

// loadConfig builds the effective configuration: environment first, then
// the optional YAML overlay.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.FromEnv()
	if path := c.String("config"); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// openStore connects to Postgres and optionally applies migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger, migrate bool) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}
	if migrate {
		logger.Info("applying migrations", nil)
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}

// hostnameOr returns the host name, or the fallback when unavailable.
func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
