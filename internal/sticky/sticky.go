// Package sticky pins clients to the arm they were first assigned.
package sticky

import (
	"context"
	"fmt"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/ports"
)

// Cache resolves sticky assignments on top of a StickyRepository.
type Cache struct {
	repo ports.StickyRepository
}

func New(repo ports.StickyRepository) *Cache {
	return &Cache{repo: repo}
}

// Assignment is the outcome of Resolve.
type Assignment struct {
	ArmID string
	// Cached is true when the arm came from an earlier assignment instead of
	// the chooser passed to Resolve.
	Cached bool
}

// Resolve returns the arm for a client. Experiments without sticky assignment
// always call choose. Otherwise a stored assignment wins; on a miss the
// chosen arm is stored with put-if-absent so racing draws agree.
func (c *Cache) Resolve(ctx context.Context, exp *domain.Experiment, clientID *string, choose func() (string, error)) (Assignment, error) {
	if !exp.StickyAssignment {
		armID, err := choose()
		return Assignment{ArmID: armID}, err
	}
	if clientID == nil || *clientID == "" {
		return Assignment{}, fmt.Errorf("%w: client_id is required for sticky experiments", domain.ErrValidation)
	}

	armID, ok, err := c.repo.Get(ctx, exp.ID, *clientID)
	if err != nil {
		return Assignment{}, fmt.Errorf("failed to read sticky assignment: %w", err)
	}
	if ok {
		return Assignment{ArmID: armID, Cached: true}, nil
	}

	chosen, err := choose()
	if err != nil {
		return Assignment{}, err
	}
	stored, err := c.repo.PutIfAbsent(ctx, exp.ID, *clientID, chosen)
	if err != nil {
		return Assignment{}, fmt.Errorf("failed to store sticky assignment: %w", err)
	}
	return Assignment{ArmID: stored, Cached: stored != chosen}, nil
}

// Forget drops every assignment of an experiment.
func (c *Cache) Forget(ctx context.Context, experimentID string) error {
	return c.repo.DeleteExperiment(ctx, experimentID)
}
