package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/emberworks-io/crucible/log"
)

// MigrateCommand returns the standalone migration command.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Apply database migrations and exit",
		Flags:  []cli.Flag{configFlag()},
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger := log.New("crucible", cfg.LogLevel)

	st, err := openStore(c.Context, cfg, logger, true)
	if err != nil {
		return cli.Exit(fmt.Sprintf("store: %v", err), 1)
	}
	defer st.Close()

	logger.Info("migrations applied", nil)
	return nil
}
