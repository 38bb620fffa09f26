package posterior

import (
	"fmt"
	"math"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/vector"
	"gonum.org/v1/gonum/mat"
)

// LaplaceResult is the outcome of a Newton-Raphson MAP fit. When Converged
// is false, State is the prior that was passed in.
type LaplaceResult struct {
	State      domain.MVGaussianState
	Converged  bool
	Iterations int
	GradNorm   float64
}

// LaplaceBernoulli fits a logistic model with Gaussian prior to (xs, ys) by
// Newton-Raphson and returns the Laplace approximation N(θ*, -H⁻¹).
func LaplaceBernoulli(prior domain.MVGaussianState, xs []vector.Vector, ys []float64, opts Options) (LaplaceResult, error) {
	res := LaplaceResult{State: prior}
	if len(xs) != len(ys) {
		return res, fmt.Errorf("%w: %d contexts for %d outcomes", vector.ErrDimensionMismatch, len(xs), len(ys))
	}
	d := prior.Dim()
	for i, x := range xs {
		if x.Dim() != d {
			return res, fmt.Errorf("%w: context has %d entries, state has %d", vector.ErrDimensionMismatch, x.Dim(), d)
		}
		if ys[i] != 0 && ys[i] != 1 {
			return res, fmt.Errorf("%w: binary outcome must be 0 or 1, got %g", domain.ErrValidation, ys[i])
		}
	}
	prec, err := precision(prior)
	if err != nil {
		return res, err
	}
	opts = opts.withDefaults()

	theta := prior.Mu.Clone()
	for iter := 0; ; iter++ {
		grad, negHess := newtonTerms(theta, prior.Mu, prec, xs, ys)
		res.GradNorm = grad.Norm()
		res.Iterations = iter

		if math.IsNaN(res.GradNorm) || math.IsInf(res.GradNorm, 0) {
			return LaplaceResult{State: prior, Iterations: iter, GradNorm: res.GradNorm}, nil
		}
		if res.GradNorm < opts.Tolerance {
			cov, err := vector.Inverse(negHess)
			if err != nil {
				return LaplaceResult{State: prior, Iterations: iter, GradNorm: res.GradNorm}, nil
			}
			res.State = domain.MVGaussianState{Mu: theta, Cov: vector.Rows(cov)}
			res.Converged = true
			return res, nil
		}
		if iter == opts.MaxIter {
			return LaplaceResult{State: prior, Iterations: iter, GradNorm: res.GradNorm}, nil
		}

		step, err := vector.SolvePD(negHess, grad)
		if err != nil {
			return LaplaceResult{State: prior, Iterations: iter, GradNorm: res.GradNorm}, nil
		}
		theta, _ = theta.Add(step)
	}
}

// newtonTerms returns the gradient of the penalized log-likelihood and the
// negated Hessian P + Σ p(1-p) x xᵀ at theta.
func newtonTerms(theta, mu vector.Vector, prec *mat.SymDense, xs []vector.Vector, ys []float64) (vector.Vector, *mat.SymDense) {
	d := theta.Dim()

	diff, _ := theta.Add(mu.Scale(-1))
	penalty, _ := vector.MulVec(prec, diff)
	grad := penalty.Scale(-1)

	negHess := mat.NewSymDense(d, nil)
	negHess.CopySym(prec)

	for i, x := range xs {
		z, _ := theta.Dot(x)
		p := sigmoid(z)
		grad, _ = grad.Add(x.Scale(ys[i] - p))
		negHess.SymRankOne(negHess, p*(1-p), x.Dense())
	}
	return grad, negHess
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
