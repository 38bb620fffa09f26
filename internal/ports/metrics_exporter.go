package ports

import (
	"context"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// MetricsRecorder records engine activity to an observability backend.
type MetricsRecorder interface {
	RecordDraw(ctx context.Context, experimentID string, model domain.Model, sticky bool)
	RecordUpdate(ctx context.Context, experimentID string, model domain.Model, converged bool, elapsed time.Duration)
	RecordConflict(ctx context.Context, experimentID string)
	RecordAutoFail(ctx context.Context, experimentID string, failed int)
	RecordNotification(ctx context.Context, experimentID string, ruleType domain.NotificationType)
	// Close shuts down the recorder and flushes any pending metrics.
	Close(ctx context.Context) error
}

// NotificationEvent is emitted when a notification rule is satisfied.
type NotificationEvent struct {
	RuleID         string
	ExperimentID   string
	ExperimentName string
	Type           domain.NotificationType
	Threshold      int64
	Observed       int64
	At             time.Time
	Message        string
}

// Publisher hands notification events to whatever delivers them.
type Publisher interface {
	Publish(ctx context.Context, event NotificationEvent) error
}
