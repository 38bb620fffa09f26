package turso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/util"
)

// StickyRepository stores sticky assignments in the sticky_assignments table.
type StickyRepository struct {
	queries *queries
}

func NewStickyRepository(db *sql.DB) *StickyRepository {
	return &StickyRepository{queries: newQueries(db)}
}

func (r *StickyRepository) Get(ctx context.Context, experimentID, clientID string) (string, bool, error) {
	var armID string
	err := r.queries.db.QueryRowContext(ctx, selectSticky, experimentID, clientID).Scan(&armID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get sticky assignment: %w", err)
	}
	return armID, true, nil
}

func (r *StickyRepository) PutIfAbsent(ctx context.Context, experimentID, clientID, armID string) (string, error) {
	if _, err := r.queries.db.ExecContext(ctx, insertSticky, experimentID, clientID, armID, util.FormatTime(time.Now())); err != nil {
		return "", fmt.Errorf("failed to store sticky assignment: %w", err)
	}
	stored, ok, err := r.Get(ctx, experimentID, clientID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("sticky assignment for %s/%s vanished", experimentID, clientID)
	}
	return stored, nil
}

func (r *StickyRepository) DeleteExperiment(ctx context.Context, experimentID string) error {
	if _, err := r.queries.db.ExecContext(ctx, deleteSticky, experimentID); err != nil {
		return fmt.Errorf("failed to delete sticky assignments: %w", err)
	}
	return nil
}
