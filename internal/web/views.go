package web

import (
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/engine"
)

// JSON shapes returned by the API. The CLI prints the same shapes.

type ExperimentView struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	Description          string             `json:"description,omitempty"`
	Method               domain.Method      `json:"method"`
	RewardType           domain.RewardType  `json:"reward_type"`
	PriorType            domain.PriorType   `json:"prior_type"`
	StickyAssignment     bool               `json:"sticky_assignment"`
	AutoFailAfterSeconds int64              `json:"auto_fail_after_seconds,omitempty"`
	IsActive             bool               `json:"is_active"`
	NTrials              int64              `json:"n_trials"`
	LastTrialAt          *time.Time         `json:"last_trial_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	Contexts             []ContextView      `json:"contexts,omitempty"`
	Arms                 []ArmView          `json:"arms"`
	Notifications        []NotificationView `json:"notifications,omitempty"`
}

type ContextView struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	ValueType   domain.ContextType `json:"value_type"`
}

type ArmView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	IsTreatmentArm bool   `json:"is_treatment_arm,omitempty"`
	// Prior and Posterior hold domain.ArmState values when encoding.
	Prior     any   `json:"prior"`
	Posterior any   `json:"posterior"`
	NOutcomes int64 `json:"n_outcomes"`
	Version   int64 `json:"version"`
}

type NotificationView struct {
	ID        string                  `json:"id"`
	Type      domain.NotificationType `json:"type"`
	Threshold int64                   `json:"threshold"`
	IsActive  bool                    `json:"is_active"`
}

type DrawView struct {
	DrawID string  `json:"draw_id"`
	Arm    ArmView `json:"arm"`
	Sticky bool    `json:"sticky"`
}

type UpdateView struct {
	DrawID     string  `json:"draw_id"`
	Arm        ArmView `json:"arm"`
	Converged  bool    `json:"converged"`
	Iterations int     `json:"iterations,omitempty"`
	Warning    string  `json:"warning,omitempty"`
}

type ObservationView struct {
	DrawID     string    `json:"draw_id"`
	ArmID      string    `json:"arm_id"`
	ClientID   *string   `json:"client_id,omitempty"`
	Context    []float64 `json:"context,omitempty"`
	Outcome    float64   `json:"outcome"`
	ObservedAt time.Time `json:"observed_at"`
}

type ComparisonView struct {
	ExperimentID        string  `json:"experiment_id"`
	Treatment           ArmView `json:"treatment"`
	Control             ArmView `json:"control"`
	Effect              float64 `json:"effect"`
	StdDev              float64 `json:"std_dev"`
	ProbTreatmentBetter float64 `json:"prob_treatment_better"`
}

func NewExperimentView(e *domain.Experiment) ExperimentView {
	v := ExperimentView{
		ID:                   e.ID,
		Name:                 e.Name,
		Description:          e.Description,
		Method:               e.Method,
		RewardType:           e.RewardType,
		PriorType:            e.PriorType,
		StickyAssignment:     e.StickyAssignment,
		AutoFailAfterSeconds: int64(e.AutoFailAfter / time.Second),
		IsActive:             e.IsActive,
		NTrials:              e.NTrials,
		LastTrialAt:          e.LastTrialAt,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
		Arms:                 make([]ArmView, 0, len(e.Arms)),
	}
	for _, c := range e.Contexts {
		v.Contexts = append(v.Contexts, ContextView{ID: c.ID, Name: c.Name, Description: c.Description, ValueType: c.ValueType})
	}
	for _, a := range e.Arms {
		v.Arms = append(v.Arms, NewArmView(a))
	}
	for _, n := range e.Notifications {
		v.Notifications = append(v.Notifications, NotificationView{ID: n.ID, Type: n.Type, Threshold: n.Threshold, IsActive: n.IsActive})
	}
	return v
}

func NewArmView(a domain.Arm) ArmView {
	return ArmView{
		ID:             a.ID,
		Name:           a.Name,
		Description:    a.Description,
		IsTreatmentArm: a.IsTreatmentArm,
		Prior:          a.Init,
		Posterior:      a.State,
		NOutcomes:      a.NOutcomes,
		Version:        a.Version,
	}
}

func NewDrawView(d *engine.DrawResult) DrawView {
	return DrawView{DrawID: d.DrawID, Arm: NewArmView(d.Arm), Sticky: d.Sticky}
}

func NewUpdateView(r *engine.UpdateResult) UpdateView {
	return UpdateView{
		DrawID:     r.DrawID,
		Arm:        NewArmView(r.Arm),
		Converged:  r.Converged,
		Iterations: r.Iterations,
		Warning:    r.Warning,
	}
}

func NewObservationViews(obs []domain.Observation) []ObservationView {
	out := make([]ObservationView, 0, len(obs))
	for _, o := range obs {
		out = append(out, ObservationView{
			DrawID:     o.DrawID,
			ArmID:      o.ArmID,
			ClientID:   o.ClientID,
			Context:    o.Context,
			Outcome:    o.Outcome,
			ObservedAt: o.ObservedAt,
		})
	}
	return out
}

func NewComparisonView(c *engine.Comparison) ComparisonView {
	return ComparisonView{
		ExperimentID:        c.ExperimentID,
		Treatment:           NewArmView(c.Treatment),
		Control:             NewArmView(c.Control),
		Effect:              c.Effect,
		StdDev:              c.StdDev,
		ProbTreatmentBetter: c.ProbTreatmentBetter,
	}
}
