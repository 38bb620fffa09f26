package notify

import (
	"context"
	"log/slog"

	"github.com/emiliopalmerini/mbandit/internal/ports"
)

// LogPublisher writes notification events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event ports.NotificationEvent) error {
	p.logger.InfoContext(ctx, event.Message,
		slog.String("rule_id", event.RuleID),
		slog.String("experiment_id", event.ExperimentID),
		slog.String("type", string(event.Type)),
		slog.Int64("threshold", event.Threshold),
		slog.Int64("observed", event.Observed),
		slog.Time("at", event.At))
	return nil
}
