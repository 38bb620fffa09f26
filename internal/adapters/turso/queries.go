package turso

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db DBTX
}

func newQueries(db DBTX) *queries {
	return &queries{db: db}
}

func (q *queries) WithTx(tx *sql.Tx) *queries {
	return &queries{db: tx}
}

const (
	insertExperiment = `INSERT INTO experiments (
	id, name, description, method, reward_type, prior_type, sticky_assignment,
	auto_fail_after_seconds, is_active, n_trials, last_trial_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	experimentColumns = `id, name, description, method, reward_type, prior_type, sticky_assignment,
	auto_fail_after_seconds, is_active, n_trials, last_trial_at, created_at, updated_at`

	selectExperimentByID = `SELECT ` + experimentColumns + ` FROM experiments WHERE id = ?`
	selectExperiments    = `SELECT ` + experimentColumns + ` FROM experiments ORDER BY created_at DESC, id`
	selectAutoFail       = `SELECT ` + experimentColumns + ` FROM experiments
WHERE auto_fail_after_seconds > 0 ORDER BY created_at, id`

	deleteExperiment    = `DELETE FROM experiments WHERE id = ?`
	deleteDraws         = `DELETE FROM draws WHERE experiment_id = ?`
	deleteSticky        = `DELETE FROM sticky_assignments WHERE experiment_id = ?`
	deleteNotifications = `DELETE FROM notifications WHERE experiment_id = ?`
	deleteArms          = `DELETE FROM arms WHERE experiment_id = ?`
	deleteContexts      = `DELETE FROM contexts WHERE experiment_id = ?`
	setExperimentActive = `UPDATE experiments SET is_active = ?, updated_at = ? WHERE id = ?`
	bumpTrials          = `UPDATE experiments SET n_trials = n_trials + 1, last_trial_at = ?, updated_at = ? WHERE id = ?`

	insertContext = `INSERT INTO contexts (id, experiment_id, position, name, description, value_type)
VALUES (?, ?, ?, ?, ?, ?)`
	selectContexts = `SELECT id, name, description, value_type FROM contexts
WHERE experiment_id = ? ORDER BY position`

	insertArm = `INSERT INTO arms (
	id, experiment_id, position, name, description, is_treatment_arm, init_state, state, n_outcomes, version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	armColumns   = `id, experiment_id, name, description, is_treatment_arm, init_state, state, n_outcomes, version`
	selectArms   = `SELECT ` + armColumns + ` FROM arms WHERE experiment_id = ? ORDER BY position`
	selectArm    = `SELECT ` + armColumns + ` FROM arms WHERE id = ?`
	swapArmState = `UPDATE arms SET state = ?, n_outcomes = n_outcomes + 1, version = version + 1
WHERE id = ? AND version = ?`
	bumpArmOutcomes = `UPDATE arms SET n_outcomes = n_outcomes + 1, version = version + 1
WHERE id = ? AND version = ?`

	insertNotification = `INSERT INTO notifications (id, experiment_id, type, threshold, is_active)
VALUES (?, ?, ?, ?, ?)`
	selectNotifications = `SELECT id, experiment_id, type, threshold, is_active FROM notifications
WHERE experiment_id = ? ORDER BY rowid`
	selectActiveNotifications = `SELECT id, experiment_id, type, threshold, is_active FROM notifications
WHERE is_active = 1 ORDER BY experiment_id, rowid`
	deactivateNotification = `UPDATE notifications SET is_active = 0 WHERE id = ? AND is_active = 1`
	reactivateNotification = `UPDATE notifications SET is_active = 1 WHERE id = ?`

	insertDraw = `INSERT INTO draws (id, experiment_id, arm_id, client_id, context, created_at, status)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	drawColumns    = `id, experiment_id, arm_id, client_id, context, created_at, observed_at, status, outcome, observation_type`
	selectDraw     = `SELECT ` + drawColumns + ` FROM draws WHERE id = ?`
	drawExists     = `SELECT COUNT(*) FROM draws WHERE id = ?`
	selectStale    = `SELECT ` + drawColumns + ` FROM draws
WHERE experiment_id = ? AND status = 'pending' AND created_at < ? ORDER BY created_at, id LIMIT ?`
	completeDraw = `UPDATE draws SET status = 'completed', outcome = ?, observed_at = ?, observation_type = 'user'
WHERE id = ? AND status = 'pending'`
	failDraw = `UPDATE draws SET status = 'failed', observed_at = ?, observation_type = 'auto'
WHERE id = ? AND status = 'pending'`
	selectDrawExperiment = `SELECT experiment_id FROM draws WHERE id = ?`
	selectObservations   = `SELECT id, arm_id, client_id, context, outcome, observed_at FROM draws
WHERE experiment_id = ? AND status = 'completed' ORDER BY observed_at, id`
	selectArmHistory = `SELECT id, arm_id, client_id, context, outcome, observed_at FROM draws
WHERE arm_id = ? AND status = 'completed' ORDER BY observed_at, id`

	selectSticky = `SELECT arm_id FROM sticky_assignments WHERE experiment_id = ? AND client_id = ?`
	insertSticky = `INSERT INTO sticky_assignments (experiment_id, client_id, arm_id, created_at)
VALUES (?, ?, ?, ?) ON CONFLICT (experiment_id, client_id) DO NOTHING`
)
