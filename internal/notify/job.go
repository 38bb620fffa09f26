package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/ports"
)

const DefaultInterval = 5 * time.Minute

// Job evaluates all active rules on a schedule. A satisfied rule is
// deactivated before its event is published, so each rule fires once.
type Job struct {
	experiments   ports.ExperimentRepository
	notifications ports.NotificationRepository
	publisher     ports.Publisher
	metrics       ports.MetricsRecorder
	logger        *slog.Logger
	interval      time.Duration
	now           func() time.Time
}

func NewJob(
	experiments ports.ExperimentRepository,
	notifications ports.NotificationRepository,
	publisher ports.Publisher,
	metrics ports.MetricsRecorder,
	logger *slog.Logger,
	interval time.Duration,
) *Job {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Job{
		experiments:   experiments,
		notifications: notifications,
		publisher:     publisher,
		metrics:       metrics,
		logger:        logger.With("component", "notify"),
		interval:      interval,
		now:           time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (j *Job) SetClock(now func() time.Time) {
	j.now = now
}

// RunOnce evaluates every active rule and returns how many fired.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	rules, err := j.notifications.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list notification rules: %w", err)
	}

	byExperiment := make(map[string][]domain.NotificationRule)
	var order []string
	for _, r := range rules {
		if _, ok := byExperiment[r.ExperimentID]; !ok {
			order = append(order, r.ExperimentID)
		}
		byExperiment[r.ExperimentID] = append(byExperiment[r.ExperimentID], r)
	}

	now := j.now()
	fired := 0
	for _, expID := range order {
		exp, err := j.experiments.GetByID(ctx, expID)
		if err != nil {
			return fired, fmt.Errorf("failed to get experiment %s: %w", expID, err)
		}
		if exp == nil {
			continue
		}

		counters := Counters{TrialsCompleted: exp.NTrials, DaysElapsed: exp.DaysElapsed(now)}
		for _, res := range Evaluate(counters, byExperiment[expID]) {
			if !res.Satisfied {
				continue
			}
			// Deactivate claims the rule so concurrent jobs fire it once.
			ok, err := j.notifications.Deactivate(ctx, res.Rule.ID)
			if err != nil {
				return fired, fmt.Errorf("failed to deactivate rule %s: %w", res.Rule.ID, err)
			}
			if !ok {
				continue
			}

			event := ports.NotificationEvent{
				RuleID:         res.Rule.ID,
				ExperimentID:   exp.ID,
				ExperimentName: exp.Name,
				Type:           res.Rule.Type,
				Threshold:      res.Rule.Threshold,
				Observed:       res.Observed,
				At:             now,
				Message:        message(exp.Name, res),
			}
			if err := j.publisher.Publish(ctx, event); err != nil {
				j.logger.Error("failed to publish notification, rule stays active",
					slog.String("rule_id", res.Rule.ID),
					slog.String("error", err.Error()))
				if err := j.notifications.Reactivate(ctx, res.Rule.ID); err != nil {
					return fired, fmt.Errorf("failed to reactivate rule %s: %w", res.Rule.ID, err)
				}
				continue
			}
			fired++
			if j.metrics != nil {
				j.metrics.RecordNotification(ctx, exp.ID, res.Rule.Type)
			}
		}
	}
	return fired, nil
}

func message(name string, res Result) string {
	switch res.Rule.Type {
	case domain.NotifyDaysElapsed:
		return fmt.Sprintf("Experiment %q has been running for %d days", name, res.Observed)
	default:
		return fmt.Sprintf("Experiment %q reached %d trials", name, res.Observed)
	}
}

// Run evaluates rules on every tick until ctx is cancelled.
func (j *Job) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("notification job started", slog.Duration("interval", j.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("notification run failed", slog.String("error", err.Error()))
			}
		}
	}
}
