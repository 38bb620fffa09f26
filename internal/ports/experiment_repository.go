package ports

import (
	"context"
	"errors"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

var (
	// ErrVersionConflict is returned when an arm changed since it was read.
	ErrVersionConflict = errors.New("arm version conflict")
	// ErrDrawSettled is returned when a draw is no longer pending.
	ErrDrawSettled = errors.New("draw already settled")
	// ErrDuplicateDraw is returned when a draw id is already taken.
	ErrDuplicateDraw = errors.New("draw id already exists")
)

// ExperimentRepository persists experiments together with their contexts,
// arms and notification rules. Reads return (nil, nil) when nothing matches.
type ExperimentRepository interface {
	Create(ctx context.Context, experiment *domain.Experiment) error
	GetByID(ctx context.Context, id string) (*domain.Experiment, error)
	GetArm(ctx context.Context, armID string) (*domain.Arm, error)
	List(ctx context.Context) ([]*domain.Experiment, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	// ListAutoFail returns every experiment with an auto-fail deadline,
	// active or not, since deactivation leaves pending draws behind.
	ListAutoFail(ctx context.Context) ([]*domain.Experiment, error)
}

// Settlement completes a pending draw and advances its arm in one transaction.
// A nil State leaves the arm's posterior untouched and only bumps counters.
type Settlement struct {
	DrawID          string
	ExperimentID    string
	ArmID           string
	Outcome         float64
	ObservedAt      time.Time
	State           domain.ArmState
	ExpectedVersion int64
}

type DrawRepository interface {
	Create(ctx context.Context, draw *domain.Draw) error
	GetByID(ctx context.Context, id string) (*domain.Draw, error)
	// ListStalePending returns up to limit pending draws created before cutoff.
	ListStalePending(ctx context.Context, experimentID string, cutoff time.Time, limit int) ([]*domain.Draw, error)
	Complete(ctx context.Context, s Settlement) error
	// Fail marks a pending draw failed and bumps the experiment's trial
	// counter. It reports false when the draw was no longer pending.
	Fail(ctx context.Context, drawID string, at time.Time) (bool, error)
	ListObservations(ctx context.Context, experimentID string) ([]domain.Observation, error)
	ArmHistory(ctx context.Context, armID string) ([]domain.Observation, error)
}

// StickyRepository maps (experiment, client) to an arm.
type StickyRepository interface {
	Get(ctx context.Context, experimentID, clientID string) (string, bool, error)
	// PutIfAbsent stores armID unless an entry exists and returns the arm
	// that ended up stored.
	PutIfAbsent(ctx context.Context, experimentID, clientID, armID string) (string, error)
	// DeleteExperiment drops every assignment of the experiment.
	DeleteExperiment(ctx context.Context, experimentID string) error
}

type NotificationRepository interface {
	ListActive(ctx context.Context) ([]domain.NotificationRule, error)
	// Deactivate reports false when the rule was already inactive.
	Deactivate(ctx context.Context, ruleID string) (bool, error)
	// Reactivate releases a rule claimed by Deactivate whose event could
	// not be delivered.
	Reactivate(ctx context.Context, ruleID string) error
}
