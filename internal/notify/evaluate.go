// Package notify decides when an experiment's notification thresholds are
// met. Delivering the message is left to a ports.Publisher.
package notify

import (
	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// Counters are the experiment measurements rules are compared against.
type Counters struct {
	TrialsCompleted int64
	DaysElapsed     int64
}

func (c Counters) value(t domain.NotificationType) (int64, bool) {
	switch t {
	case domain.NotifyTrialsCompleted:
		return c.TrialsCompleted, true
	case domain.NotifyDaysElapsed:
		return c.DaysElapsed, true
	default:
		return 0, false
	}
}

type Result struct {
	Rule      domain.NotificationRule
	Observed  int64
	Satisfied bool
}

// Evaluate checks every active rule against counters. Inactive rules and
// rules of unknown type are skipped.
func Evaluate(counters Counters, rules []domain.NotificationRule) []Result {
	var results []Result
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		observed, ok := counters.value(rule.Type)
		if !ok {
			continue
		}
		results = append(results, Result{
			Rule:      rule,
			Observed:  observed,
			Satisfied: observed >= rule.Threshold,
		})
	}
	return results
}
