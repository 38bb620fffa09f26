package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/vector"
)

type Method string

const (
	MethodMAB     Method = "mab"
	MethodCMAB    Method = "cmab"
	MethodBayesAB Method = "bayes_ab"
)

type RewardType string

const (
	RewardBinary     RewardType = "binary"
	RewardRealValued RewardType = "real-valued"
)

type PriorType string

const (
	PriorBeta   PriorType = "beta"
	PriorNormal PriorType = "normal"
)

// ContextType is the value type of a single context feature.
type ContextType string

const (
	ContextBinary     ContextType = "binary"
	ContextRealValued ContextType = "real-valued"
)

type Experiment struct {
	ID               string
	Name             string
	Description      string
	Method           Method
	RewardType       RewardType
	PriorType        PriorType
	StickyAssignment bool
	// AutoFailAfter is zero when auto-fail is disabled.
	AutoFailAfter time.Duration
	IsActive      bool
	NTrials       int64
	LastTrialAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Contexts      []Context
	Arms          []Arm
	Notifications []NotificationRule
}

type Context struct {
	ID          string
	Name        string
	Description string
	ValueType   ContextType
}

type Arm struct {
	ID             string
	ExperimentID   string
	Name           string
	Description    string
	IsTreatmentArm bool
	// Init is the prior at creation time and never changes.
	Init      ArmState
	State     ArmState
	NOutcomes int64
	Version   int64
}

// Model returns the update/allocation variant for the experiment.
func (e *Experiment) Model() (Model, error) {
	return ModelFor(e.Method, e.PriorType, e.RewardType)
}

// AutoFailEnabled reports whether stale pending draws should be failed.
func (e *Experiment) AutoFailEnabled() bool {
	return e.AutoFailAfter > 0
}

// ArmByID returns the arm with the given id, or nil.
func (e *Experiment) ArmByID(id string) *Arm {
	for i := range e.Arms {
		if e.Arms[i].ID == id {
			return &e.Arms[i]
		}
	}
	return nil
}

// ArmIndex returns the position of the arm in e.Arms, or -1.
func (e *Experiment) ArmIndex(id string) int {
	for i := range e.Arms {
		if e.Arms[i].ID == id {
			return i
		}
	}
	return -1
}

// ContextVector orders caller-supplied context values by the experiment's
// declared contexts and checks names, value types and dimensionality.
func (e *Experiment) ContextVector(values map[string]float64) (vector.Vector, error) {
	if e.Method != MethodCMAB {
		if len(values) > 0 {
			return nil, fmt.Errorf("%w: context is only accepted by cmab experiments", ErrValidation)
		}
		return nil, nil
	}
	if len(values) != len(e.Contexts) {
		return nil, fmt.Errorf("%w: expected %d context values, got %d", ErrValidation, len(e.Contexts), len(values))
	}

	out := make(vector.Vector, len(e.Contexts))
	for i, c := range e.Contexts {
		v, ok := values[c.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing context value %q", ErrValidation, c.Name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: context value %q is not finite", ErrValidation, c.Name)
		}
		if c.ValueType == ContextBinary && v != 0 && v != 1 {
			return nil, fmt.Errorf("%w: context %q is binary, got %g", ErrValidation, c.Name, v)
		}
		out[i] = v
	}
	return out, nil
}

// ValidateOutcome checks an observed reward against the experiment's reward type.
func (e *Experiment) ValidateOutcome(y float64) error {
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return fmt.Errorf("%w: outcome must be finite", ErrValidation)
	}
	if e.RewardType == RewardBinary && y != 0 && y != 1 {
		return fmt.Errorf("%w: binary outcome must be 0 or 1, got %g", ErrValidation, y)
	}
	return nil
}

// DaysElapsed returns whole days since creation.
func (e *Experiment) DaysElapsed(now time.Time) int64 {
	d := now.Sub(e.CreatedAt)
	if d < 0 {
		return 0
	}
	return int64(d / (24 * time.Hour))
}
