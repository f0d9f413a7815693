package worker

import (
	"context"
	"time"

	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/metrics"
)

// SweepStore is the store surface the repair sweep depends on.
type SweepStore interface {
	SweepStuckRunning(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweeperConfig configures the repair sweep.
type SweeperConfig struct {
	// Interval between sweeps. Default 1m.
	Interval time.Duration
	// MaxRunAge is how long a RUNNING row may legitimately stay RUNNING:
	// the largest admissible time limit plus slack for compile, queue
	// handoff, and terminal writes. Default 90s.
	MaxRunAge time.Duration
}

// Sweeper relabels RUNNING executions orphaned by worker crashes. The
// queue's visibility timeout brings the job back; this brings the row's
// status back in line when no retry attempt remains to do it.
type Sweeper struct {
	store   SweepStore
	cfg     SweeperConfig
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSweeper creates a sweeper. metrics may be nil.
func NewSweeper(st SweepStore, cfg SweeperConfig, logger *log.Logger, m *metrics.Metrics) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxRunAge <= 0 {
		cfg.MaxRunAge = 90 * time.Second
	}
	return &Sweeper{store: st, cfg: cfg, logger: logger, metrics: m, now: time.Now}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.MaxRunAge)
	n, err := s.store.SweepStuckRunning(ctx, cutoff)
	if err != nil {
		s.logger.Error("repair sweep failed", map[string]any{"error": err.Error()})
		return
	}
	if n > 0 {
		s.metrics.AddSwept(n)
		s.logger.Warn("repair sweep relabeled stuck executions", map[string]any{
			"count":  n,
			"cutoff": cutoff.UTC().Format(time.RFC3339),
		})
	}
}
