// Package posterior implements the arm update rules: Beta-Bernoulli and
// Gaussian-Gaussian conjugate updates, Bayesian linear regression, and a
// Laplace-approximated logistic model fitted by Newton-Raphson. All rules
// are pure and never mutate their inputs.
package posterior

import (
	"fmt"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/vector"
)

// observationVariance is the fixed likelihood noise for real-valued rewards.
const observationVariance = 1.0

const (
	DefaultMaxIter   = 50
	DefaultTolerance = 1e-6
)

// Options bounds the Newton-Raphson iteration.
type Options struct {
	MaxIter   int
	Tolerance float64
}

func DefaultOptions() Options {
	return Options{MaxIter: DefaultMaxIter, Tolerance: DefaultTolerance}
}

func (o Options) withDefaults() Options {
	if o.MaxIter <= 0 {
		o.MaxIter = DefaultMaxIter
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	return o
}

// Sample is one past observation of an arm.
type Sample struct {
	Context vector.Vector
	Outcome float64
}

// Request describes one update. History holds the arm's earlier completed
// observations and is only read by the Laplace rules.
type Request struct {
	Model   domain.Model
	Current domain.ArmState
	Init    domain.ArmState
	Context vector.Vector
	Outcome float64
	History []Sample
}

// Result carries the new state. When Converged is false the state is the
// arm's current state and Warning explains why.
type Result struct {
	State      domain.ArmState
	Converged  bool
	Iterations int
	Warning    string
}

type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts.withDefaults()}
}

// Apply dispatches the request to the rule for its model.
func (e *Engine) Apply(req Request) (Result, error) {
	switch req.Model {
	case domain.ModelBetaBernoulli:
		cur, ok := req.Current.(domain.BetaState)
		if !ok {
			return Result{}, stateMismatch(req.Model, req.Current)
		}
		next, err := BetaBernoulli(cur, req.Outcome)
		if err != nil {
			return Result{}, err
		}
		return Result{State: next, Converged: true}, nil

	case domain.ModelGaussianGaussian:
		cur, ok := req.Current.(domain.GaussianState)
		if !ok {
			return Result{}, stateMismatch(req.Model, req.Current)
		}
		next, err := GaussianGaussian(cur, req.Outcome)
		if err != nil {
			return Result{}, err
		}
		return Result{State: next, Converged: true}, nil

	case domain.ModelContextualGaussian:
		cur, ok := req.Current.(domain.MVGaussianState)
		if !ok {
			return Result{}, stateMismatch(req.Model, req.Current)
		}
		next, err := LinearGaussian(cur, req.Context, req.Outcome)
		if err != nil {
			return Result{}, err
		}
		return Result{State: next, Converged: true}, nil

	case domain.ModelBayesABGaussian:
		cur, ok := req.Current.(domain.GaussianState)
		if !ok {
			return Result{}, stateMismatch(req.Model, req.Current)
		}
		next, err := LinearGaussian(scalarToMV(cur), indicator, req.Outcome)
		if err != nil {
			return Result{}, err
		}
		return Result{State: mvToScalar(next), Converged: true}, nil

	case domain.ModelContextualBernoulli:
		init, ok := req.Init.(domain.MVGaussianState)
		if !ok {
			return Result{}, stateMismatch(req.Model, req.Init)
		}
		xs, ys := collect(req.History, req.Context, req.Outcome)
		fit, err := LaplaceBernoulli(init, xs, ys, e.opts)
		if err != nil {
			return Result{}, err
		}
		if !fit.Converged {
			return e.notConverged(req, fit), nil
		}
		return Result{State: fit.State, Converged: true, Iterations: fit.Iterations}, nil

	case domain.ModelBayesABBernoulli:
		init, ok := req.Init.(domain.GaussianState)
		if !ok {
			return Result{}, stateMismatch(req.Model, req.Init)
		}
		xs, ys := collect(req.History, indicator, req.Outcome)
		for i := range xs {
			xs[i] = indicator
		}
		fit, err := LaplaceBernoulli(scalarToMV(init), xs, ys, e.opts)
		if err != nil {
			return Result{}, err
		}
		if !fit.Converged {
			return e.notConverged(req, fit), nil
		}
		return Result{State: mvToScalar(fit.State), Converged: true, Iterations: fit.Iterations}, nil

	default:
		return Result{}, fmt.Errorf("unsupported model %v", req.Model)
	}
}

// indicator is an arm's own component of the A/B design vector. Each
// observation touches one arm and the arm priors are independent, so the
// joint fit splits into one 1-D problem per arm.
var indicator = vector.Vector{1}

func collect(history []Sample, x vector.Vector, y float64) ([]vector.Vector, []float64) {
	xs := make([]vector.Vector, 0, len(history)+1)
	ys := make([]float64, 0, len(history)+1)
	for _, s := range history {
		xs = append(xs, s.Context)
		ys = append(ys, s.Outcome)
	}
	return append(xs, x), append(ys, y)
}

func (e *Engine) notConverged(req Request, fit LaplaceResult) Result {
	return Result{
		State:      domain.CloneState(req.Current),
		Converged:  false,
		Iterations: fit.Iterations,
		Warning: fmt.Sprintf("newton-raphson did not converge after %d iterations (gradient norm %.3g, tolerance %.3g); arm state left unchanged",
			fit.Iterations, fit.GradNorm, e.opts.Tolerance),
	}
}

func stateMismatch(m domain.Model, s domain.ArmState) error {
	return fmt.Errorf("%w: model %v cannot update state %T", domain.ErrValidation, m, s)
}
