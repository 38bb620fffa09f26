// Package allocation picks an arm for a draw: Thompson sampling for bandits,
// a uniform fixed split for Bayesian A/B tests.
package allocation

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/vector"
)

// lockedSource makes a rand.Source safe for concurrent draws.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}

type Allocator struct {
	src rand.Source
}

// New returns an Allocator drawing from src. A nil src is seeded from the clock.
func New(src rand.Source) *Allocator {
	if src == nil {
		src = rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)
	}
	return &Allocator{src: &lockedSource{src: src}}
}

// NewSeeded returns an Allocator with a deterministic PCG source.
func NewSeeded(seed uint64) *Allocator {
	return New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Choose returns the index of the arm to serve.
func (a *Allocator) Choose(model domain.Model, arms []domain.Arm, x vector.Vector) (int, error) {
	if len(arms) == 0 {
		return 0, fmt.Errorf("%w: experiment has no arms", domain.ErrValidation)
	}
	switch model {
	case domain.ModelBayesABGaussian, domain.ModelBayesABBernoulli:
		return a.FixedSplit(len(arms)), nil
	case domain.ModelBetaBernoulli, domain.ModelGaussianGaussian,
		domain.ModelContextualGaussian, domain.ModelContextualBernoulli:
		return a.Thompson(arms, x)
	default:
		return 0, fmt.Errorf("unsupported model %v", model)
	}
}

// FixedSplit picks an arm uniformly at random.
func (a *Allocator) FixedSplit(n int) int {
	return rand.New(a.src).IntN(n)
}

// Thompson draws one posterior sample per arm and returns the argmax, with
// ties going to the lowest index.
func (a *Allocator) Thompson(arms []domain.Arm, x vector.Vector) (int, error) {
	best, bestScore := -1, 0.0
	for i := range arms {
		score, err := a.sample(arms[i].State, x)
		if err != nil {
			return 0, fmt.Errorf("arm %q: %w", arms[i].Name, err)
		}
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return best, nil
}

func (a *Allocator) sample(state domain.ArmState, x vector.Vector) (float64, error) {
	switch s := state.(type) {
	case domain.BetaState:
		return distuv.Beta{Alpha: s.Alpha, Beta: s.Beta, Src: a.src}.Rand(), nil
	case domain.GaussianState:
		return distuv.Normal{Mu: s.Mu, Sigma: s.Sigma, Src: a.src}.Rand(), nil
	case domain.MVGaussianState:
		if x.Dim() != s.Dim() {
			return 0, fmt.Errorf("%w: context has %d entries, expected %d", domain.ErrValidation, x.Dim(), s.Dim())
		}
		cov, err := vector.SymFromRows(s.Cov)
		if err != nil {
			return 0, err
		}
		dist, ok := distmv.NewNormal(s.Mu, cov, a.src)
		if !ok {
			return 0, fmt.Errorf("posterior covariance: %w", vector.ErrNotPositiveDefinite)
		}
		theta := vector.Vector(dist.Rand(nil))
		return theta.Dot(x)
	default:
		return 0, fmt.Errorf("unsupported arm state %T", state)
	}
}
