package domain

import "fmt"

// Model is the closed set of prior/likelihood pairings the engine supports.
type Model int

const (
	ModelBetaBernoulli Model = iota + 1
	ModelGaussianGaussian
	ModelContextualGaussian
	ModelContextualBernoulli
	ModelBayesABGaussian
	ModelBayesABBernoulli
)

func (m Model) String() string {
	switch m {
	case ModelBetaBernoulli:
		return "beta_bernoulli"
	case ModelGaussianGaussian:
		return "gaussian_gaussian"
	case ModelContextualGaussian:
		return "contextual_gaussian"
	case ModelContextualBernoulli:
		return "contextual_bernoulli"
	case ModelBayesABGaussian:
		return "bayes_ab_gaussian"
	case ModelBayesABBernoulli:
		return "bayes_ab_bernoulli"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// Contextual reports whether draws carry a context vector.
func (m Model) Contextual() bool {
	return m == ModelContextualGaussian || m == ModelContextualBernoulli
}

// ModelFor resolves the allowed (method, prior, reward) combinations.
func ModelFor(method Method, prior PriorType, reward RewardType) (Model, error) {
	switch method {
	case MethodMAB:
		switch {
		case prior == PriorBeta && reward == RewardBinary:
			return ModelBetaBernoulli, nil
		case prior == PriorNormal && reward == RewardRealValued:
			return ModelGaussianGaussian, nil
		}
	case MethodCMAB:
		switch {
		case prior == PriorNormal && reward == RewardRealValued:
			return ModelContextualGaussian, nil
		case prior == PriorNormal && reward == RewardBinary:
			return ModelContextualBernoulli, nil
		}
	case MethodBayesAB:
		switch {
		case prior == PriorNormal && reward == RewardRealValued:
			return ModelBayesABGaussian, nil
		case prior == PriorNormal && reward == RewardBinary:
			return ModelBayesABBernoulli, nil
		}
	default:
		return 0, fmt.Errorf("%w: unknown method %q", ErrValidation, method)
	}
	return 0, fmt.Errorf("%w: %s experiments do not support prior %q with reward %q", ErrValidation, method, prior, reward)
}
