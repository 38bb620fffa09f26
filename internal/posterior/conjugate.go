package posterior

import (
	"fmt"
	"math"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/vector"
	"gonum.org/v1/gonum/mat"
)

// BetaBernoulli adds one binary observation to a Beta posterior.
func BetaBernoulli(s domain.BetaState, y float64) (domain.BetaState, error) {
	if y != 0 && y != 1 {
		return s, fmt.Errorf("%w: binary outcome must be 0 or 1, got %g", domain.ErrValidation, y)
	}
	return domain.BetaState{Alpha: s.Alpha + y, Beta: s.Beta + (1 - y)}, nil
}

// GaussianGaussian updates a scalar normal posterior with unit observation noise.
func GaussianGaussian(s domain.GaussianState, y float64) (domain.GaussianState, error) {
	if err := s.Validate(); err != nil {
		return s, err
	}
	priorPrec := 1 / (s.Sigma * s.Sigma)
	postVar := 1 / (priorPrec + 1/observationVariance)
	return domain.GaussianState{
		Mu:    postVar * (s.Mu*priorPrec + y/observationVariance),
		Sigma: math.Sqrt(postVar),
	}, nil
}

// LinearGaussian is the Bayesian linear regression update for one (x, y)
// pair with unit noise variance.
func LinearGaussian(s domain.MVGaussianState, x vector.Vector, y float64) (domain.MVGaussianState, error) {
	return LinearGaussianBatch(s, []vector.Vector{x}, []float64{y})
}

// LinearGaussianBatch folds all observations into the prior at once:
// Σ⁻¹ = Σ_prior⁻¹ + Σ_j x_j x_jᵀ and μ = Σ (Σ_prior⁻¹ μ_prior + Σ_j x_j y_j).
func LinearGaussianBatch(s domain.MVGaussianState, xs []vector.Vector, ys []float64) (domain.MVGaussianState, error) {
	if len(xs) != len(ys) {
		return s, fmt.Errorf("%w: %d contexts for %d outcomes", vector.ErrDimensionMismatch, len(xs), len(ys))
	}
	d := s.Dim()
	prec, err := precision(s)
	if err != nil {
		return s, err
	}

	// b = Σ_prior⁻¹ μ_prior + Σ x y
	b, err := vector.MulVec(prec, s.Mu)
	if err != nil {
		return s, err
	}
	post := mat.NewSymDense(d, nil)
	post.CopySym(prec)
	for i, x := range xs {
		if x.Dim() != d {
			return s, fmt.Errorf("%w: context has %d entries, state has %d", vector.ErrDimensionMismatch, x.Dim(), d)
		}
		post.SymRankOne(post, 1, x.Dense())
		b, _ = b.Add(x.Scale(ys[i]))
	}

	cov, err := vector.Inverse(post)
	if err != nil {
		return s, fmt.Errorf("failed to invert posterior precision: %w", err)
	}
	mu, err := vector.MulVec(cov, b)
	if err != nil {
		return s, err
	}
	return domain.MVGaussianState{Mu: mu, Cov: vector.Rows(cov)}, nil
}

// precision returns Σ⁻¹ for the state's covariance, rejecting singular priors.
func precision(s domain.MVGaussianState) (*mat.SymDense, error) {
	cov, err := vector.SymFromRows(s.Cov)
	if err != nil {
		return nil, err
	}
	if cov.SymmetricDim() != s.Dim() {
		return nil, fmt.Errorf("%w: covariance %d, mean %d", vector.ErrDimensionMismatch, cov.SymmetricDim(), s.Dim())
	}
	prec, err := vector.Inverse(cov)
	if err != nil {
		return nil, fmt.Errorf("failed to invert prior covariance: %w", err)
	}
	return prec, nil
}

// scalarToMV lifts a scalar normal into the 1-D multivariate form.
func scalarToMV(s domain.GaussianState) domain.MVGaussianState {
	return domain.MVGaussianState{
		Mu:  vector.Vector{s.Mu},
		Cov: [][]float64{{s.Sigma * s.Sigma}},
	}
}

func mvToScalar(s domain.MVGaussianState) domain.GaussianState {
	return domain.GaussianState{Mu: s.Mu[0], Sigma: math.Sqrt(s.Cov[0][0])}
}
