package otel

import (
	"context"
	"net/http"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// NoOpRecorder drops every metric. Used when metrics are disabled.
type NoOpRecorder struct{}

func NewNoOpRecorder() *NoOpRecorder {
	return &NoOpRecorder{}
}

func (NoOpRecorder) RecordDraw(ctx context.Context, experimentID string, model domain.Model, sticky bool) {}

func (NoOpRecorder) RecordUpdate(ctx context.Context, experimentID string, model domain.Model, converged bool, elapsed time.Duration) {
}

func (NoOpRecorder) RecordConflict(ctx context.Context, experimentID string) {}

func (NoOpRecorder) RecordAutoFail(ctx context.Context, experimentID string, failed int) {}

func (NoOpRecorder) RecordNotification(ctx context.Context, experimentID string, ruleType domain.NotificationType) {}

func (NoOpRecorder) Handler() http.Handler { return http.NotFoundHandler() }

func (NoOpRecorder) Close(ctx context.Context) error { return nil }
