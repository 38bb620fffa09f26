package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var specValidate = validator.New()

type AutoFailUnit string

const (
	AutoFailHours AutoFailUnit = "hours"
	AutoFailDays  AutoFailUnit = "days"
)

// ExperimentSpec is the validated configuration an experiment is created from.
type ExperimentSpec struct {
	Name             string             `json:"name" yaml:"name" validate:"required,max=150"`
	Description      string             `json:"description" yaml:"description" validate:"max=2000"`
	Method           Method             `json:"method" yaml:"method" validate:"required,oneof=mab cmab bayes_ab"`
	RewardType       RewardType         `json:"reward_type" yaml:"reward_type" validate:"required,oneof=binary real-valued"`
	PriorType        PriorType          `json:"prior_type" yaml:"prior_type" validate:"required,oneof=beta normal"`
	StickyAssignment bool               `json:"sticky_assignment" yaml:"sticky_assignment"`
	AutoFail         *AutoFailSpec      `json:"auto_fail,omitempty" yaml:"auto_fail,omitempty"`
	Arms             []ArmSpec          `json:"arms" yaml:"arms" validate:"required,min=2,dive"`
	Contexts         []ContextSpec      `json:"contexts,omitempty" yaml:"contexts,omitempty" validate:"dive"`
	Notifications    []NotificationSpec `json:"notifications,omitempty" yaml:"notifications,omitempty" validate:"dive"`
}

// MaxAutoFailValue caps the deadline so it always fits a time.Duration,
// whatever the unit.
const MaxAutoFailValue = 87600

type AutoFailSpec struct {
	Value int          `json:"value" yaml:"value" validate:"gt=0,max=87600"`
	Unit  AutoFailUnit `json:"unit" yaml:"unit" validate:"required,oneof=hours days"`
}

// Duration converts the deadline to a time.Duration.
func (a AutoFailSpec) Duration() time.Duration {
	if a.Unit == AutoFailDays {
		return time.Duration(a.Value) * 24 * time.Hour
	}
	return time.Duration(a.Value) * time.Hour
}

// ArmSpec carries the prior for one arm. Beta priors use Alpha/Beta, normal
// priors use Mu/Sigma.
type ArmSpec struct {
	Name           string   `json:"name" yaml:"name" validate:"required,max=150"`
	Description    string   `json:"description" yaml:"description" validate:"max=2000"`
	IsTreatmentArm bool     `json:"is_treatment_arm" yaml:"is_treatment_arm"`
	Alpha          *float64 `json:"alpha_init,omitempty" yaml:"alpha_init,omitempty" validate:"omitempty,gt=0"`
	Beta           *float64 `json:"beta_init,omitempty" yaml:"beta_init,omitempty" validate:"omitempty,gt=0"`
	Mu             *float64 `json:"mu_init,omitempty" yaml:"mu_init,omitempty"`
	Sigma          *float64 `json:"sigma_init,omitempty" yaml:"sigma_init,omitempty" validate:"omitempty,gt=0"`
}

type ContextSpec struct {
	Name        string      `json:"name" yaml:"name" validate:"required,max=150"`
	Description string      `json:"description" yaml:"description" validate:"max=2000"`
	ValueType   ContextType `json:"value_type" yaml:"value_type" validate:"required,oneof=binary real-valued"`
}

type NotificationSpec struct {
	Type  NotificationType `json:"type" yaml:"type" validate:"required,oneof=trials_completed days_elapsed"`
	Value int64            `json:"value" yaml:"value" validate:"gt=0"`
}

// Validate runs the struct tags and the method-specific rules.
func (s *ExperimentSpec) Validate() error {
	if err := specValidate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if _, err := ModelFor(s.Method, s.PriorType, s.RewardType); err != nil {
		return err
	}

	if err := uniqueNames("arm", len(s.Arms), func(i int) string { return s.Arms[i].Name }); err != nil {
		return err
	}
	for _, a := range s.Arms {
		if err := a.validatePrior(s.PriorType); err != nil {
			return err
		}
	}

	switch s.Method {
	case MethodBayesAB:
		if len(s.Arms) != 2 {
			return fmt.Errorf("%w: bayes_ab experiments need exactly 2 arms, got %d", ErrValidation, len(s.Arms))
		}
		treatments := 0
		for _, a := range s.Arms {
			if a.IsTreatmentArm {
				treatments++
			}
		}
		if treatments != 1 {
			return fmt.Errorf("%w: bayes_ab experiments need exactly one treatment arm, got %d", ErrValidation, treatments)
		}
	case MethodCMAB:
		if len(s.Contexts) == 0 {
			return fmt.Errorf("%w: cmab experiments need at least one context", ErrValidation)
		}
		if err := uniqueNames("context", len(s.Contexts), func(i int) string { return s.Contexts[i].Name }); err != nil {
			return err
		}
	}
	if s.Method != MethodCMAB && len(s.Contexts) > 0 {
		return fmt.Errorf("%w: contexts are only allowed on cmab experiments", ErrValidation)
	}

	return nil
}

func (a ArmSpec) validatePrior(prior PriorType) error {
	switch prior {
	case PriorBeta:
		if a.Alpha == nil || a.Beta == nil {
			return fmt.Errorf("%w: arm %q needs alpha_init and beta_init", ErrValidation, a.Name)
		}
	case PriorNormal:
		if a.Mu == nil || a.Sigma == nil {
			return fmt.Errorf("%w: arm %q needs mu_init and sigma_init", ErrValidation, a.Name)
		}
	}
	return nil
}

func uniqueNames(kind string, n int, name func(int) string) error {
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		if _, ok := seen[name(i)]; ok {
			return fmt.Errorf("%w: duplicate %s name %q", ErrValidation, kind, name(i))
		}
		seen[name(i)] = struct{}{}
	}
	return nil
}

// NewExperiment validates spec and materializes an active experiment with
// fresh ids and initial arm states.
func NewExperiment(spec ExperimentSpec, now time.Time) (*Experiment, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	model, _ := ModelFor(spec.Method, spec.PriorType, spec.RewardType)

	now = now.UTC()
	exp := &Experiment{
		ID:               uuid.New().String(),
		Name:             spec.Name,
		Description:      spec.Description,
		Method:           spec.Method,
		RewardType:       spec.RewardType,
		PriorType:        spec.PriorType,
		StickyAssignment: spec.StickyAssignment,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if spec.AutoFail != nil {
		exp.AutoFailAfter = spec.AutoFail.Duration()
	}

	for _, c := range spec.Contexts {
		exp.Contexts = append(exp.Contexts, Context{
			ID:          uuid.New().String(),
			Name:        c.Name,
			Description: c.Description,
			ValueType:   c.ValueType,
		})
	}

	for _, a := range spec.Arms {
		var init ArmState
		switch model {
		case ModelBetaBernoulli:
			init = BetaState{Alpha: *a.Alpha, Beta: *a.Beta}
		case ModelContextualGaussian, ModelContextualBernoulli:
			init = InitialContextualState(len(exp.Contexts), *a.Mu, *a.Sigma)
		default:
			init = GaussianState{Mu: *a.Mu, Sigma: *a.Sigma}
		}
		if err := init.Validate(); err != nil {
			return nil, fmt.Errorf("arm %q: %w", a.Name, err)
		}
		exp.Arms = append(exp.Arms, Arm{
			ID:             uuid.New().String(),
			ExperimentID:   exp.ID,
			Name:           a.Name,
			Description:    a.Description,
			IsTreatmentArm: a.IsTreatmentArm,
			Init:           init,
			State:          CloneState(init),
		})
	}

	for _, n := range spec.Notifications {
		exp.Notifications = append(exp.Notifications, NotificationRule{
			ID:           uuid.New().String(),
			ExperimentID: exp.ID,
			Type:         n.Type,
			Threshold:    n.Value,
			IsActive:     true,
		})
	}

	return exp, nil
}
