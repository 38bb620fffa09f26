package turso

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

type NotificationRepository struct {
	queries *queries
}

func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{queries: newQueries(db)}
}

func (r *NotificationRepository) ListActive(ctx context.Context) ([]domain.NotificationRule, error) {
	return r.queries.listNotifications(ctx, selectActiveNotifications)
}

func (r *NotificationRepository) Deactivate(ctx context.Context, ruleID string) (bool, error) {
	res, err := r.queries.db.ExecContext(ctx, deactivateNotification, ruleID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to deactivate notification: %w", err)
	}
	return n > 0, nil
}

func (r *NotificationRepository) Reactivate(ctx context.Context, ruleID string) error {
	if _, err := r.queries.db.ExecContext(ctx, reactivateNotification, ruleID); err != nil {
		return fmt.Errorf("failed to reactivate notification: %w", err)
	}
	return nil
}

func (q *queries) listNotifications(ctx context.Context, query string, args ...any) ([]domain.NotificationRule, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []domain.NotificationRule
	for rows.Next() {
		var (
			n      domain.NotificationRule
			typ    string
			active int64
		)
		if err := rows.Scan(&n.ID, &n.ExperimentID, &typ, &n.Threshold, &active); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Type = domain.NotificationType(typ)
		n.IsActive = active == 1
		rules = append(rules, n)
	}
	return rules, rows.Err()
}
