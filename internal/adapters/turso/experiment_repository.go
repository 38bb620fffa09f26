package turso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/util"
)

type ExperimentRepository struct {
	db      *sql.DB
	queries *queries
}

func NewExperimentRepository(db *sql.DB) *ExperimentRepository {
	return &ExperimentRepository{
		db:      db,
		queries: newQueries(db),
	}
}

func (r *ExperimentRepository) Create(ctx context.Context, experiment *domain.Experiment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	qtx := r.queries.WithTx(tx)
	if err := qtx.createExperiment(ctx, experiment); err != nil {
		return fmt.Errorf("failed to create experiment: %w", err)
	}
	for i, c := range experiment.Contexts {
		if _, err := qtx.db.ExecContext(ctx, insertContext,
			c.ID, experiment.ID, i, c.Name, c.Description, string(c.ValueType)); err != nil {
			return fmt.Errorf("failed to create context %s: %w", c.Name, err)
		}
	}
	for i := range experiment.Arms {
		if err := qtx.createArm(ctx, experiment.ID, i, &experiment.Arms[i]); err != nil {
			return fmt.Errorf("failed to create arm %s: %w", experiment.Arms[i].Name, err)
		}
	}
	for _, n := range experiment.Notifications {
		if _, err := qtx.db.ExecContext(ctx, insertNotification,
			n.ID, experiment.ID, string(n.Type), n.Threshold, util.BoolToInt64(n.IsActive)); err != nil {
			return fmt.Errorf("failed to create notification %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

func (r *ExperimentRepository) GetByID(ctx context.Context, id string) (*domain.Experiment, error) {
	return WithRetry(ctx, readRetries, func() (*domain.Experiment, error) {
		exp, err := scanExperiment(r.queries.db.QueryRowContext(ctx, selectExperimentByID, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to get experiment: %w", err)
		}
		if err := r.queries.loadChildren(ctx, exp); err != nil {
			return nil, err
		}
		return exp, nil
	})
}

func (r *ExperimentRepository) GetArm(ctx context.Context, armID string) (*domain.Arm, error) {
	return WithRetry(ctx, readRetries, func() (*domain.Arm, error) {
		arm, err := scanArm(r.queries.db.QueryRowContext(ctx, selectArm, armID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to get arm: %w", err)
		}
		return arm, nil
	})
}

func (r *ExperimentRepository) List(ctx context.Context) ([]*domain.Experiment, error) {
	return r.list(ctx, selectExperiments)
}

func (r *ExperimentRepository) ListAutoFail(ctx context.Context) ([]*domain.Experiment, error) {
	return r.list(ctx, selectAutoFail)
}

func (r *ExperimentRepository) list(ctx context.Context, query string) ([]*domain.Experiment, error) {
	rows, err := r.queries.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var experiments []*domain.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		experiments = append(experiments, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	for _, exp := range experiments {
		if err := r.queries.loadChildren(ctx, exp); err != nil {
			return nil, err
		}
	}
	return experiments, nil
}

// Delete removes the experiment and everything it owns. Children are deleted
// explicitly so the result does not depend on the foreign_keys pragma.
func (r *ExperimentRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	qtx := r.queries.WithTx(tx)
	for _, stmt := range []string{deleteDraws, deleteSticky, deleteNotifications, deleteArms, deleteContexts, deleteExperiment} {
		if _, err := qtx.db.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete experiment: %w", err)
		}
	}
	return tx.Commit()
}

func (r *ExperimentRepository) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	if _, err := r.queries.db.ExecContext(ctx, setExperimentActive, util.BoolToInt64(active), util.FormatTime(at), id); err != nil {
		return fmt.Errorf("failed to update experiment: %w", err)
	}
	return nil
}

func (q *queries) createExperiment(ctx context.Context, e *domain.Experiment) error {
	_, err := q.db.ExecContext(ctx, insertExperiment,
		e.ID,
		e.Name,
		e.Description,
		string(e.Method),
		string(e.RewardType),
		string(e.PriorType),
		util.BoolToInt64(e.StickyAssignment),
		int64(e.AutoFailAfter/time.Second),
		util.BoolToInt64(e.IsActive),
		e.NTrials,
		util.NullTime(e.LastTrialAt),
		util.FormatTime(e.CreatedAt),
		util.FormatTime(e.UpdatedAt),
	)
	return err
}

func (q *queries) createArm(ctx context.Context, experimentID string, position int, a *domain.Arm) error {
	initState, err := domain.EncodeArmState(a.Init)
	if err != nil {
		return err
	}
	state, err := domain.EncodeArmState(a.State)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, insertArm,
		a.ID, experimentID, position, a.Name, a.Description,
		util.BoolToInt64(a.IsTreatmentArm), string(initState), string(state), a.NOutcomes, a.Version)
	return err
}

func (q *queries) loadChildren(ctx context.Context, exp *domain.Experiment) error {
	rows, err := q.db.QueryContext(ctx, selectContexts, exp.ID)
	if err != nil {
		return fmt.Errorf("failed to list contexts: %w", err)
	}
	for rows.Next() {
		var c domain.Context
		var valueType string
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &valueType); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan context: %w", err)
		}
		c.ValueType = domain.ContextType(valueType)
		exp.Contexts = append(exp.Contexts, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list contexts: %w", err)
	}

	rows, err = q.db.QueryContext(ctx, selectArms, exp.ID)
	if err != nil {
		return fmt.Errorf("failed to list arms: %w", err)
	}
	for rows.Next() {
		arm, err := scanArm(rows)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan arm: %w", err)
		}
		exp.Arms = append(exp.Arms, *arm)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list arms: %w", err)
	}

	rules, err := q.listNotifications(ctx, selectNotifications, exp.ID)
	if err != nil {
		return err
	}
	exp.Notifications = rules
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(s scanner) (*domain.Experiment, error) {
	var (
		e                            domain.Experiment
		method, reward, prior        string
		sticky, active, autoFailSecs int64
		lastTrial                    sql.NullString
		createdAt, updatedAt         string
	)
	err := s.Scan(&e.ID, &e.Name, &e.Description, &method, &reward, &prior, &sticky,
		&autoFailSecs, &active, &e.NTrials, &lastTrial, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Method = domain.Method(method)
	e.RewardType = domain.RewardType(reward)
	e.PriorType = domain.PriorType(prior)
	e.StickyAssignment = sticky == 1
	e.AutoFailAfter = time.Duration(autoFailSecs) * time.Second
	e.IsActive = active == 1
	e.LastTrialAt = util.NullStringToTime(lastTrial)
	e.CreatedAt = util.ParseTime(createdAt)
	e.UpdatedAt = util.ParseTime(updatedAt)
	return &e, nil
}

func scanArm(s scanner) (*domain.Arm, error) {
	var (
		a                domain.Arm
		treatment        int64
		initRaw, current string
	)
	if err := s.Scan(&a.ID, &a.ExperimentID, &a.Name, &a.Description, &treatment,
		&initRaw, &current, &a.NOutcomes, &a.Version); err != nil {
		return nil, err
	}
	a.IsTreatmentArm = treatment == 1

	var err error
	if a.Init, err = domain.DecodeArmState([]byte(initRaw)); err != nil {
		return nil, fmt.Errorf("arm %s init state: %w", a.ID, err)
	}
	if a.State, err = domain.DecodeArmState([]byte(current)); err != nil {
		return nil, fmt.Errorf("arm %s state: %w", a.ID, err)
	}
	return &a, nil
}
