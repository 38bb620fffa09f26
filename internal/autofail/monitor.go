// Package autofail fails draws that never received an observation before
// their experiment's deadline.
package autofail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/ports"
)

const (
	DefaultInterval  = 10 * time.Minute
	DefaultBatchSize = 100
)

type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Monitor periodically marks stale pending draws as failed. Failed draws bump
// the experiment's trial counter and never touch arm posteriors.
type Monitor struct {
	experiments ports.ExperimentRepository
	draws       ports.DrawRepository
	metrics     ports.MetricsRecorder
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
}

func NewMonitor(experiments ports.ExperimentRepository, draws ports.DrawRepository, metrics ports.MetricsRecorder, logger *slog.Logger, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		experiments: experiments,
		draws:       draws,
		metrics:     metrics,
		logger:      logger.With("component", "autofail"),
		cfg:         cfg,
		now:         time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Sweep runs one pass over every auto-fail experiment and returns how many
// draws it failed. Running it twice in a row fails nothing the second time.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	experiments, err := m.experiments.ListAutoFail(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list auto-fail experiments: %w", err)
	}

	now := m.now()
	total := 0
	for _, exp := range experiments {
		failed, err := m.sweepExperiment(ctx, exp.ID, now.Add(-exp.AutoFailAfter), now)
		total += failed
		if m.metrics != nil {
			m.metrics.RecordAutoFail(ctx, exp.ID, failed)
		}
		if err != nil {
			return total, err
		}
		if failed > 0 {
			m.logger.Info("failed stale draws",
				slog.String("experiment_id", exp.ID),
				slog.Int("count", failed),
				slog.Duration("deadline", exp.AutoFailAfter))
		}
	}
	return total, nil
}

func (m *Monitor) sweepExperiment(ctx context.Context, experimentID string, cutoff, now time.Time) (int, error) {
	failed := 0
	for {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		batch, err := m.draws.ListStalePending(ctx, experimentID, cutoff, m.cfg.BatchSize)
		if err != nil {
			return failed, fmt.Errorf("failed to list stale draws for %s: %w", experimentID, err)
		}
		for _, d := range batch {
			ok, err := m.draws.Fail(ctx, d.ID, now)
			if err != nil {
				return failed, fmt.Errorf("failed to fail draw %s: %w", d.ID, err)
			}
			// A false result means an update settled the draw first.
			if ok {
				failed++
			}
		}
		if len(batch) < m.cfg.BatchSize {
			return failed, nil
		}
	}
}

// Run sweeps on every tick until ctx is cancelled. Sweep errors are logged
// and do not stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("auto-fail monitor started", slog.Duration("interval", m.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("auto-fail sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
