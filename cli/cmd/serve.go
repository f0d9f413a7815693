package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/emberworks-io/crucible/admission"
	"github.com/emberworks-io/crucible/api"
	"github.com/emberworks-io/crucible/cache"
	"github.com/emberworks-io/crucible/gate"
	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/metrics"
	"github.com/emberworks-io/crucible/queue"
)

// ServeCommand returns the API server command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API server",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "Apply database migrations before serving",
				Value: true,
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger := log.New("crucible", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger, c.Bool("migrate"))
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

	q := queue.New(events.Redis(), queue.Config{})
	m := metrics.New()
	g := gate.New(st, logger.Named("gate"))
	admit := admission.New(st, q, events, g, logger.Named("admission"), m)
	srv := api.New(st, admit, api.Config{
		DefaultTimeLimitMS: cfg.DefaultTimeLimitMS,
		DefaultMemoryMB:    cfg.DefaultMemoryMB,
	}, logger.Named("api"), m.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", map[string]any{"port": cfg.HTTPPort})
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return cli.Exit(fmt.Sprintf("http server: %v", err), 1)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", map[string]any{"error": err.Error()})
		}
	}

	logger.Info("api server stopped", nil)
	return nil
}
