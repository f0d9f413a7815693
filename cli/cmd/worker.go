package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/emberworks-io/crucible/cache"
	"github.com/emberworks-io/crucible/catalog"
	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/metrics"
	"github.com/emberworks-io/crucible/queue"
	"github.com/emberworks-io/crucible/runner"
	"github.com/emberworks-io/crucible/worker"
)

// WorkerCommand returns the execution worker command: the pool plus the
// repair sweep.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the execution worker pool",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "worker-id",
				Usage: "Worker identity for reservations and logs",
				Value: hostnameOr("worker"),
			},
		},
		Action: runWorker,
	}
}

func runWorker(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger := log.New("crucible-worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger, false)
	if err != nil {
		return cli.Exit(fmt.Sprintf("store: %v", err), 1)
	}
	defer st.Close()

	events, err := cache.New(cfg.Redis.URL())
	if err != nil {
		return cli.Exit(fmt.Sprintf("cache: %v", err), 1)
	}
	defer events.Close()
	if err := events.Ping(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("redis: %v", err), 1)
	}

	cat, err := catalog.Default()
	if err != nil {
		return cli.Exit(fmt.Sprintf("catalog: %v", err), 1)
	}

	q := queue.New(events.Redis(), queue.Config{})
	m := metrics.New()
	run := runner.New(cat, logger.Named("runner"))

	pool := worker.New(st, q, run, events, worker.Config{
		WorkerID:    c.String("worker-id"),
		Concurrency: cfg.MaxConcurrentExecutions,
	}, logger.Named("worker"), m)

	sweeper := worker.NewSweeper(st, worker.SweeperConfig{}, logger.Named("sweeper"), m)
	go sweeper.Run(ctx)

	pool.Run(ctx)
	return nil
}
