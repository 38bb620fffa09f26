package turso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/ports"
	"github.com/emiliopalmerini/mbandit/internal/util"
	"github.com/emiliopalmerini/mbandit/internal/vector"
)

type DrawRepository struct {
	db      *sql.DB
	queries *queries
}

func NewDrawRepository(db *sql.DB) *DrawRepository {
	return &DrawRepository{
		db:      db,
		queries: newQueries(db),
	}
}

func (r *DrawRepository) Create(ctx context.Context, draw *domain.Draw) error {
	_, err := WithRetry(ctx, writeRetries, func() (struct{}, error) {
		return struct{}{}, r.create(ctx, draw)
	})
	return err
}

func (r *DrawRepository) create(ctx context.Context, draw *domain.Draw) error {
	var exists int
	if err := r.queries.db.QueryRowContext(ctx, drawExists, draw.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check draw id: %w", err)
	}
	if exists > 0 {
		return ports.ErrDuplicateDraw
	}

	contextJSON, err := encodeContext(draw.Context)
	if err != nil {
		return err
	}
	_, err = r.queries.db.ExecContext(ctx, insertDraw,
		draw.ID, draw.ExperimentID, draw.ArmID, util.NullStringPtr(draw.ClientID),
		contextJSON, util.FormatTime(draw.CreatedAt), string(domain.DrawPending))
	if err != nil {
		if isUniqueViolation(err) {
			return ports.ErrDuplicateDraw
		}
		return fmt.Errorf("failed to create draw: %w", err)
	}
	return nil
}

func (r *DrawRepository) GetByID(ctx context.Context, id string) (*domain.Draw, error) {
	return WithRetry(ctx, readRetries, func() (*domain.Draw, error) {
		draw, err := scanDraw(r.queries.db.QueryRowContext(ctx, selectDraw, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to get draw: %w", err)
		}
		return draw, nil
	})
}

func (r *DrawRepository) ListStalePending(ctx context.Context, experimentID string, cutoff time.Time, limit int) ([]*domain.Draw, error) {
	rows, err := r.queries.db.QueryContext(ctx, selectStale, experimentID, util.FormatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending draws: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var draws []*domain.Draw
	for rows.Next() {
		d, err := scanDraw(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draw: %w", err)
		}
		draws = append(draws, d)
	}
	return draws, rows.Err()
}

// Complete reports lock contention as ports.ErrVersionConflict so the caller
// re-reads the arm and retries within its budget.
func (r *DrawRepository) Complete(ctx context.Context, s ports.Settlement) error {
	err := r.complete(ctx, s)
	if IsBusy(err) {
		return fmt.Errorf("%w: %v", ports.ErrVersionConflict, err)
	}
	return err
}

func (r *DrawRepository) complete(ctx context.Context, s ports.Settlement) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	qtx := r.queries.WithTx(tx)
	observedAt := util.FormatTime(s.ObservedAt)

	res, err := qtx.db.ExecContext(ctx, completeDraw, s.Outcome, observedAt, s.DrawID)
	if err != nil {
		return fmt.Errorf("failed to complete draw: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrDrawSettled
	}

	if s.State != nil {
		state, encErr := domain.EncodeArmState(s.State)
		if encErr != nil {
			return encErr
		}
		res, err = qtx.db.ExecContext(ctx, swapArmState, string(state), s.ArmID, s.ExpectedVersion)
	} else {
		res, err = qtx.db.ExecContext(ctx, bumpArmOutcomes, s.ArmID, s.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to update arm: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrVersionConflict
	}

	if _, err := qtx.db.ExecContext(ctx, bumpTrials, observedAt, observedAt, s.ExperimentID); err != nil {
		return fmt.Errorf("failed to update experiment counters: %w", err)
	}
	return tx.Commit()
}

func (r *DrawRepository) Fail(ctx context.Context, drawID string, at time.Time) (bool, error) {
	return WithRetry(ctx, writeRetries, func() (bool, error) {
		return r.fail(ctx, drawID, at)
	})
}

func (r *DrawRepository) fail(ctx context.Context, drawID string, at time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	qtx := r.queries.WithTx(tx)
	ts := util.FormatTime(at)

	res, err := qtx.db.ExecContext(ctx, failDraw, ts, drawID)
	if err != nil {
		return false, fmt.Errorf("failed to fail draw: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	var experimentID string
	if err := qtx.db.QueryRowContext(ctx, selectDrawExperiment, drawID).Scan(&experimentID); err != nil {
		return false, fmt.Errorf("failed to look up draw experiment: %w", err)
	}
	if _, err := qtx.db.ExecContext(ctx, bumpTrials, ts, ts, experimentID); err != nil {
		return false, fmt.Errorf("failed to update experiment counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

func (r *DrawRepository) ListObservations(ctx context.Context, experimentID string) ([]domain.Observation, error) {
	return r.observations(ctx, selectObservations, experimentID)
}

func (r *DrawRepository) ArmHistory(ctx context.Context, armID string) ([]domain.Observation, error) {
	return r.observations(ctx, selectArmHistory, armID)
}

func (r *DrawRepository) observations(ctx context.Context, query, id string) ([]domain.Observation, error) {
	rows, err := r.queries.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Observation
	for rows.Next() {
		var (
			o          domain.Observation
			clientID   sql.NullString
			ctxJSON    sql.NullString
			outcome    sql.NullFloat64
			observedAt sql.NullString
		)
		if err := rows.Scan(&o.DrawID, &o.ArmID, &clientID, &ctxJSON, &outcome, &observedAt); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.ClientID = util.NullStringToPtr(clientID)
		if o.Context, err = decodeContext(ctxJSON); err != nil {
			return nil, err
		}
		o.Outcome = outcome.Float64
		if t := util.NullStringToTime(observedAt); t != nil {
			o.ObservedAt = *t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanDraw(s scanner) (*domain.Draw, error) {
	var (
		d          domain.Draw
		clientID   sql.NullString
		ctxJSON    sql.NullString
		createdAt  string
		observedAt sql.NullString
		status     string
		outcome    sql.NullFloat64
		obsType    sql.NullString
	)
	if err := s.Scan(&d.ID, &d.ExperimentID, &d.ArmID, &clientID, &ctxJSON, &createdAt,
		&observedAt, &status, &outcome, &obsType); err != nil {
		return nil, err
	}
	var err error
	if d.Context, err = decodeContext(ctxJSON); err != nil {
		return nil, err
	}
	d.ClientID = util.NullStringToPtr(clientID)
	d.CreatedAt = util.ParseTime(createdAt)
	d.ObservedAt = util.NullStringToTime(observedAt)
	d.Status = domain.DrawStatus(status)
	d.Outcome = util.NullFloat64ToPtr(outcome)
	if obsType.Valid {
		t := domain.ObservationType(obsType.String)
		d.ObservationType = &t
	}
	return &d, nil
}

func encodeContext(v vector.Vector) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal context: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeContext(ns sql.NullString) (vector.Vector, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var v vector.Vector
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
