package domain

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/emiliopalmerini/mbandit/internal/vector"
)

// ArmState is a posterior (or prior) over an arm's reward parameter. The set of
// implementations is closed: BetaState, GaussianState and MVGaussianState.
type ArmState interface {
	isArmState()
	Validate() error
}

type BetaState struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

type GaussianState struct {
	Mu    float64 `json:"mu"`
	Sigma float64 `json:"sigma"`
}

// MVGaussianState is a multivariate normal over a CMAB weight vector.
type MVGaussianState struct {
	Mu  vector.Vector `json:"mu"`
	Cov [][]float64   `json:"covariance"`
}

func (BetaState) isArmState()       {}
func (GaussianState) isArmState()   {}
func (MVGaussianState) isArmState() {}

func (s BetaState) Validate() error {
	if !(s.Alpha > 0) || !(s.Beta > 0) || math.IsInf(s.Alpha, 0) || math.IsInf(s.Beta, 0) {
		return fmt.Errorf("%w: beta state requires alpha>0 and beta>0, got (%g, %g)", ErrValidation, s.Alpha, s.Beta)
	}
	return nil
}

// Mean returns alpha/(alpha+beta).
func (s BetaState) Mean() float64 {
	return s.Alpha / (s.Alpha + s.Beta)
}

func (s GaussianState) Validate() error {
	if math.IsNaN(s.Mu) || math.IsInf(s.Mu, 0) {
		return fmt.Errorf("%w: gaussian mean must be finite", ErrValidation)
	}
	if !(s.Sigma > 0) || math.IsInf(s.Sigma, 0) {
		return fmt.Errorf("%w: gaussian sigma must be > 0, got %g", ErrValidation, s.Sigma)
	}
	return nil
}

func (s MVGaussianState) Validate() error {
	if len(s.Mu) == 0 {
		return fmt.Errorf("%w: multivariate state has no dimensions", ErrValidation)
	}
	if !s.Mu.IsFinite() {
		return fmt.Errorf("%w: multivariate mean must be finite", ErrValidation)
	}
	cov, err := vector.SymFromRows(s.Cov)
	if err != nil {
		return fmt.Errorf("%w: covariance: %v", ErrValidation, err)
	}
	if cov.SymmetricDim() != len(s.Mu) {
		return fmt.Errorf("%w: covariance is %dx%d, mean has %d entries", ErrValidation, cov.SymmetricDim(), cov.SymmetricDim(), len(s.Mu))
	}
	if _, err := vector.Factorize(cov); err != nil {
		return fmt.Errorf("%w: covariance: %v", ErrValidation, err)
	}
	return nil
}

// Dim returns the number of weights.
func (s MVGaussianState) Dim() int { return len(s.Mu) }

// Clone returns a deep copy.
func (s MVGaussianState) Clone() MVGaussianState {
	cov := make([][]float64, len(s.Cov))
	for i, row := range s.Cov {
		cov[i] = append([]float64(nil), row...)
	}
	return MVGaussianState{Mu: s.Mu.Clone(), Cov: cov}
}

// InitialContextualState expands the scalar CMAB prior into
// N(muInit·1_d, sigmaInit²·I_d).
func InitialContextualState(d int, muInit, sigmaInit float64) MVGaussianState {
	return MVGaussianState{
		Mu:  vector.Fill(d, muInit),
		Cov: vector.Rows(vector.Identity(d, sigmaInit*sigmaInit)),
	}
}

// CloneState deep-copies any ArmState.
func CloneState(s ArmState) ArmState {
	if mv, ok := s.(MVGaussianState); ok {
		return mv.Clone()
	}
	return s
}

const (
	stateKindBeta       = "beta"
	stateKindGaussian   = "gaussian"
	stateKindMVGaussian = "mv_gaussian"
)

type stateEnvelope struct {
	Kind  string          `json:"kind"`
	State json.RawMessage `json:"state"`
}

// EncodeArmState serializes a state with its kind tag.
func EncodeArmState(s ArmState) ([]byte, error) {
	var kind string
	switch s.(type) {
	case BetaState:
		kind = stateKindBeta
	case GaussianState:
		kind = stateKindGaussian
	case MVGaussianState:
		kind = stateKindMVGaussian
	default:
		return nil, fmt.Errorf("unsupported arm state %T", s)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arm state: %w", err)
	}
	return json.Marshal(stateEnvelope{Kind: kind, State: raw})
}

// DecodeArmState is the inverse of EncodeArmState.
func DecodeArmState(data []byte) (ArmState, error) {
	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arm state: %w", err)
	}
	switch env.Kind {
	case stateKindBeta:
		var s BetaState
		if err := json.Unmarshal(env.State, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal beta state: %w", err)
		}
		return s, nil
	case stateKindGaussian:
		var s GaussianState
		if err := json.Unmarshal(env.State, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gaussian state: %w", err)
		}
		return s, nil
	case stateKindMVGaussian:
		var s MVGaussianState
		if err := json.Unmarshal(env.State, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal multivariate state: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown arm state kind %q", env.Kind)
	}
}
