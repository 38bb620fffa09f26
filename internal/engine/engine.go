// Package engine orchestrates experiments: it validates and stores
// configurations, draws arms, and applies observed outcomes to arm
// posteriors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/emiliopalmerini/mbandit/internal/allocation"
	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/ports"
	"github.com/emiliopalmerini/mbandit/internal/posterior"
	"github.com/emiliopalmerini/mbandit/internal/sticky"
)

const DefaultUpdateRetries = 5

type Config struct {
	// UpdateRetries bounds retries after an arm version conflict.
	UpdateRetries int
	Newton        posterior.Options
}

type Deps struct {
	Experiments ports.ExperimentRepository
	Draws       ports.DrawRepository
	Sticky      ports.StickyRepository
	Metrics     ports.MetricsRecorder
	Allocator   *allocation.Allocator
	Logger      *slog.Logger
}

type Engine struct {
	experiments ports.ExperimentRepository
	draws       ports.DrawRepository
	sticky      *sticky.Cache
	allocator   *allocation.Allocator
	posterior   *posterior.Engine
	metrics     ports.MetricsRecorder
	logger      *slog.Logger
	retries     int
	armLocks    *keyedMutex
	now         func() time.Time
}

func New(deps Deps, cfg Config) *Engine {
	if cfg.UpdateRetries <= 0 {
		cfg.UpdateRetries = DefaultUpdateRetries
	}
	if deps.Allocator == nil {
		deps.Allocator = allocation.New(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		experiments: deps.Experiments,
		draws:       deps.Draws,
		sticky:      sticky.New(deps.Sticky),
		allocator:   deps.Allocator,
		posterior:   posterior.NewEngine(cfg.Newton),
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("component", "engine"),
		retries:     cfg.UpdateRetries,
		armLocks:    newKeyedMutex(),
		now:         time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) CreateExperiment(ctx context.Context, spec domain.ExperimentSpec) (*domain.Experiment, error) {
	exp, err := domain.NewExperiment(spec, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.experiments.Create(ctx, exp); err != nil {
		return nil, fmt.Errorf("failed to store experiment: %w", err)
	}
	e.logger.Info("experiment created",
		slog.String("experiment_id", exp.ID),
		slog.String("method", string(exp.Method)),
		slog.Int("arms", len(exp.Arms)))
	return exp, nil
}

func (e *Engine) GetExperiment(ctx context.Context, id string) (*domain.Experiment, error) {
	exp, err := e.experiments.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: experiment %s", domain.ErrNotFound, id)
	}
	return exp, nil
}

func (e *Engine) ListExperiments(ctx context.Context) ([]*domain.Experiment, error) {
	exps, err := e.experiments.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	return exps, nil
}

// DeleteExperiment removes the experiment with its arms, draws and sticky
// assignments.
func (e *Engine) DeleteExperiment(ctx context.Context, id string) error {
	if _, err := e.GetExperiment(ctx, id); err != nil {
		return err
	}
	if err := e.experiments.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}
	if err := e.sticky.Forget(ctx, id); err != nil {
		return fmt.Errorf("failed to delete sticky assignments: %w", err)
	}
	e.logger.Info("experiment deleted", slog.String("experiment_id", id))
	return nil
}

func (e *Engine) SetActive(ctx context.Context, id string, active bool) (*domain.Experiment, error) {
	if _, err := e.GetExperiment(ctx, id); err != nil {
		return nil, err
	}
	if err := e.experiments.SetActive(ctx, id, active, e.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to update experiment: %w", err)
	}
	return e.GetExperiment(ctx, id)
}

// DrawRequest asks for an arm. DrawID is optional; an empty value gets a
// fresh UUID. Context maps context names to values for cmab experiments.
type DrawRequest struct {
	ExperimentID string
	DrawID       string
	ClientID     *string
	Context      map[string]float64
}

type DrawResult struct {
	DrawID string
	Arm    domain.Arm
	// Sticky is true when the arm came from an earlier assignment.
	Sticky bool
}

// DrawArm picks an arm and records a pending draw for it.
func (e *Engine) DrawArm(ctx context.Context, req DrawRequest) (*DrawResult, error) {
	exp, err := e.GetExperiment(ctx, req.ExperimentID)
	if err != nil {
		return nil, err
	}
	if !exp.IsActive {
		return nil, fmt.Errorf("%w: experiment %s is not active", domain.ErrValidation, exp.ID)
	}
	model, err := exp.Model()
	if err != nil {
		return nil, err
	}
	x, err := exp.ContextVector(req.Context)
	if err != nil {
		return nil, err
	}

	drawID := req.DrawID
	if drawID == "" {
		drawID = uuid.New().String()
	} else {
		existing, err := e.draws.GetByID(ctx, drawID)
		if err != nil {
			return nil, fmt.Errorf("failed to check draw id: %w", err)
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: draw %s already exists", domain.ErrConflict, drawID)
		}
	}

	assignment, err := e.sticky.Resolve(ctx, exp, req.ClientID, func() (string, error) {
		idx, err := e.allocator.Choose(model, exp.Arms, x)
		if err != nil {
			return "", err
		}
		return exp.Arms[idx].ID, nil
	})
	if err != nil {
		return nil, err
	}
	arm := exp.ArmByID(assignment.ArmID)
	if arm == nil {
		return nil, fmt.Errorf("sticky arm %s is not part of experiment %s", assignment.ArmID, exp.ID)
	}

	draw := &domain.Draw{
		ID:           drawID,
		ExperimentID: exp.ID,
		ArmID:        arm.ID,
		ClientID:     req.ClientID,
		Context:      x,
		CreatedAt:    e.now().UTC(),
		Status:       domain.DrawPending,
	}
	if err := e.draws.Create(ctx, draw); err != nil {
		if errors.Is(err, ports.ErrDuplicateDraw) {
			return nil, fmt.Errorf("%w: draw %s already exists", domain.ErrConflict, drawID)
		}
		return nil, fmt.Errorf("failed to store draw: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordDraw(ctx, exp.ID, model, assignment.Cached)
	}
	return &DrawResult{DrawID: drawID, Arm: *arm, Sticky: assignment.Cached}, nil
}

// UpdateResult describes a completed draw and the arm after the update.
// Warning is set when the posterior fit did not converge; the arm state is
// then unchanged but the observation is still recorded.
type UpdateResult struct {
	DrawID     string
	Arm        domain.Arm
	Converged  bool
	Iterations int
	Warning    string
}

// UpdateArm records the outcome of a pending draw and updates its arm.
func (e *Engine) UpdateArm(ctx context.Context, drawID string, outcome float64) (*UpdateResult, error) {
	draw, err := e.draws.GetByID(ctx, drawID)
	if err != nil {
		return nil, fmt.Errorf("failed to get draw: %w", err)
	}
	if draw == nil {
		return nil, fmt.Errorf("%w: draw %s", domain.ErrNotFound, drawID)
	}
	if draw.Status.Terminal() {
		return nil, fmt.Errorf("%w: draw %s is already %s", domain.ErrConflict, drawID, draw.Status)
	}

	exp, err := e.GetExperiment(ctx, draw.ExperimentID)
	if err != nil {
		return nil, err
	}
	if err := exp.ValidateOutcome(outcome); err != nil {
		return nil, err
	}
	model, err := exp.Model()
	if err != nil {
		return nil, err
	}

	unlock := e.armLocks.Lock(draw.ArmID)
	defer unlock()

	start := time.Now()
	for attempt := 0; attempt < e.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		arm, err := e.experiments.GetArm(ctx, draw.ArmID)
		if err != nil {
			return nil, fmt.Errorf("failed to get arm: %w", err)
		}
		if arm == nil {
			return nil, fmt.Errorf("%w: arm %s", domain.ErrNotFound, draw.ArmID)
		}

		req := posterior.Request{
			Model:   model,
			Current: arm.State,
			Init:    arm.Init,
			Context: draw.Context,
			Outcome: outcome,
		}
		if model == domain.ModelContextualBernoulli || model == domain.ModelBayesABBernoulli {
			if req.History, err = e.history(ctx, arm.ID); err != nil {
				return nil, err
			}
		}

		res, err := e.posterior.Apply(req)
		if err != nil {
			return nil, err
		}

		settlement := ports.Settlement{
			DrawID:          draw.ID,
			ExperimentID:    exp.ID,
			ArmID:           arm.ID,
			Outcome:         outcome,
			ObservedAt:      e.now().UTC(),
			ExpectedVersion: arm.Version,
		}
		if res.Converged {
			settlement.State = res.State
		}

		err = e.draws.Complete(ctx, settlement)
		switch {
		case errors.Is(err, ports.ErrVersionConflict):
			if e.metrics != nil {
				e.metrics.RecordConflict(ctx, exp.ID)
			}
			e.logger.Debug("arm version conflict, retrying",
				slog.String("arm_id", arm.ID), slog.Int("attempt", attempt+1))
			continue
		case errors.Is(err, ports.ErrDrawSettled):
			return nil, fmt.Errorf("%w: draw %s was settled concurrently", domain.ErrConflict, drawID)
		case err != nil:
			return nil, fmt.Errorf("failed to store update: %w", err)
		}

		if e.metrics != nil {
			e.metrics.RecordUpdate(ctx, exp.ID, model, res.Converged, time.Since(start))
		}
		if !res.Converged {
			e.logger.Warn("posterior update did not converge",
				slog.String("experiment_id", exp.ID),
				slog.String("arm_id", arm.ID),
				slog.Int("iterations", res.Iterations))
		}

		updated := *arm
		updated.State = res.State
		updated.NOutcomes++
		updated.Version++
		return &UpdateResult{
			DrawID:     draw.ID,
			Arm:        updated,
			Converged:  res.Converged,
			Iterations: res.Iterations,
			Warning:    res.Warning,
		}, nil
	}
	return nil, fmt.Errorf("%w: arm %s changed %d times during update", domain.ErrConflict, draw.ArmID, e.retries)
}

func (e *Engine) history(ctx context.Context, armID string) ([]posterior.Sample, error) {
	obs, err := e.draws.ArmHistory(ctx, armID)
	if err != nil {
		return nil, fmt.Errorf("failed to load arm history: %w", err)
	}
	samples := make([]posterior.Sample, len(obs))
	for i, o := range obs {
		samples[i] = posterior.Sample{Context: o.Context, Outcome: o.Outcome}
	}
	return samples, nil
}

// Observations lists the completed draws of an experiment.
func (e *Engine) Observations(ctx context.Context, experimentID string) ([]domain.Observation, error) {
	if _, err := e.GetExperiment(ctx, experimentID); err != nil {
		return nil, err
	}
	obs, err := e.draws.ListObservations(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	return obs, nil
}

// Comparison is the final Bayesian A/B read-out.
type Comparison struct {
	ExperimentID string
	Treatment    domain.Arm
	Control      domain.Arm
	// Effect is the posterior mean of treatment minus control.
	Effect float64
	StdDev float64
	// ProbTreatmentBetter is P(treatment > control) under the posteriors.
	ProbTreatmentBetter float64
}

func (e *Engine) CompareArms(ctx context.Context, experimentID string) (*Comparison, error) {
	exp, err := e.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Method != domain.MethodBayesAB {
		return nil, fmt.Errorf("%w: comparison is only available for bayes_ab experiments", domain.ErrValidation)
	}

	var treatment, control *domain.Arm
	for i := range exp.Arms {
		if exp.Arms[i].IsTreatmentArm {
			treatment = &exp.Arms[i]
		} else {
			control = &exp.Arms[i]
		}
	}
	if treatment == nil || control == nil {
		return nil, fmt.Errorf("%w: experiment %s needs one treatment and one control arm", domain.ErrValidation, exp.ID)
	}

	t, ok := treatment.State.(domain.GaussianState)
	if !ok {
		return nil, fmt.Errorf("treatment arm has unexpected state %T", treatment.State)
	}
	c, ok := control.State.(domain.GaussianState)
	if !ok {
		return nil, fmt.Errorf("control arm has unexpected state %T", control.State)
	}

	effect := t.Mu - c.Mu
	stdDev := math.Hypot(t.Sigma, c.Sigma)
	return &Comparison{
		ExperimentID:        exp.ID,
		Treatment:           *treatment,
		Control:             *control,
		Effect:              effect,
		StdDev:              stdDev,
		ProbTreatmentBetter: distuv.UnitNormal.CDF(effect / stdDev),
	}, nil
}
