// Package memory implements the repository ports in process memory. It backs
// tests and the "memory" storage driver; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/ports"
)

// DB is the shared state behind the memory stores. One mutex guards
// everything so multi-entity operations stay atomic.
type DB struct {
	mu          sync.RWMutex
	experiments map[string]*domain.Experiment
	order       []string
	draws       map[string]*domain.Draw
	drawOrder   []string
	sticky      map[stickyKey]string
}

type stickyKey struct {
	experimentID string
	clientID     string
}

func NewDB() *DB {
	return &DB{
		experiments: make(map[string]*domain.Experiment),
		draws:       make(map[string]*domain.Draw),
		sticky:      make(map[stickyKey]string),
	}
}

// Stores bundles the four memory stores over one DB.
type Stores struct {
	Experiments   *ExperimentStore
	Draws         *DrawStore
	Sticky        *StickyStore
	Notifications *NotificationStore
}

func NewStores() *Stores {
	db := NewDB()
	return &Stores{
		Experiments:   &ExperimentStore{db: db},
		Draws:         &DrawStore{db: db},
		Sticky:        &StickyStore{db: db},
		Notifications: &NotificationStore{db: db},
	}
}

func cloneExperiment(e *domain.Experiment) *domain.Experiment {
	c := *e
	if e.LastTrialAt != nil {
		t := *e.LastTrialAt
		c.LastTrialAt = &t
	}
	c.Contexts = append([]domain.Context(nil), e.Contexts...)
	c.Notifications = append([]domain.NotificationRule(nil), e.Notifications...)
	c.Arms = make([]domain.Arm, len(e.Arms))
	for i, a := range e.Arms {
		c.Arms[i] = cloneArm(a)
	}
	return &c
}

func cloneArm(a domain.Arm) domain.Arm {
	a.Init = domain.CloneState(a.Init)
	a.State = domain.CloneState(a.State)
	return a
}

func cloneDraw(d *domain.Draw) *domain.Draw {
	c := *d
	c.Context = d.Context.Clone()
	if d.ClientID != nil {
		v := *d.ClientID
		c.ClientID = &v
	}
	if d.ObservedAt != nil {
		v := *d.ObservedAt
		c.ObservedAt = &v
	}
	if d.Outcome != nil {
		v := *d.Outcome
		c.Outcome = &v
	}
	if d.ObservationType != nil {
		v := *d.ObservationType
		c.ObservationType = &v
	}
	return &c
}

// ExperimentStore implements ports.ExperimentRepository.
type ExperimentStore struct {
	db *DB
}

func (s *ExperimentStore) Create(ctx context.Context, experiment *domain.Experiment) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.experiments[experiment.ID]; ok {
		return fmt.Errorf("experiment %s already exists", experiment.ID)
	}
	exp := cloneExperiment(experiment)
	for i := range exp.Arms {
		exp.Arms[i].ExperimentID = exp.ID
	}
	for i := range exp.Notifications {
		exp.Notifications[i].ExperimentID = exp.ID
	}
	s.db.experiments[exp.ID] = exp
	s.db.order = append(s.db.order, exp.ID)
	return nil
}

func (s *ExperimentStore) GetByID(ctx context.Context, id string) (*domain.Experiment, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	exp, ok := s.db.experiments[id]
	if !ok {
		return nil, nil
	}
	return cloneExperiment(exp), nil
}

func (s *ExperimentStore) GetArm(ctx context.Context, armID string) (*domain.Arm, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	arm := s.db.findArm(armID)
	if arm == nil {
		return nil, nil
	}
	c := cloneArm(*arm)
	return &c, nil
}

// List returns experiments newest first.
func (s *ExperimentStore) List(ctx context.Context) ([]*domain.Experiment, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	out := make([]*domain.Experiment, 0, len(s.db.order))
	for i := len(s.db.order) - 1; i >= 0; i-- {
		out = append(out, cloneExperiment(s.db.experiments[s.db.order[i]]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *ExperimentStore) ListAutoFail(ctx context.Context) ([]*domain.Experiment, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []*domain.Experiment
	for _, id := range s.db.order {
		exp := s.db.experiments[id]
		if exp.AutoFailEnabled() {
			out = append(out, cloneExperiment(exp))
		}
	}
	return out, nil
}

func (s *ExperimentStore) Delete(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.experiments[id]; !ok {
		return nil
	}
	delete(s.db.experiments, id)
	s.db.order = removeID(s.db.order, id)

	kept := s.db.drawOrder[:0]
	for _, drawID := range s.db.drawOrder {
		if s.db.draws[drawID].ExperimentID == id {
			delete(s.db.draws, drawID)
			continue
		}
		kept = append(kept, drawID)
	}
	s.db.drawOrder = kept

	for k := range s.db.sticky {
		if k.experimentID == id {
			delete(s.db.sticky, k)
		}
	}
	return nil
}

func (s *ExperimentStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if exp, ok := s.db.experiments[id]; ok {
		exp.IsActive = active
		exp.UpdatedAt = at
	}
	return nil
}

func (db *DB) findArm(armID string) *domain.Arm {
	for _, exp := range db.experiments {
		for i := range exp.Arms {
			if exp.Arms[i].ID == armID {
				return &exp.Arms[i]
			}
		}
	}
	return nil
}

func (db *DB) bumpTrials(experimentID string, at time.Time) {
	exp, ok := db.experiments[experimentID]
	if !ok {
		return
	}
	exp.NTrials++
	t := at
	exp.LastTrialAt = &t
	exp.UpdatedAt = at
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// DrawStore implements ports.DrawRepository.
type DrawStore struct {
	db *DB
}

func (s *DrawStore) Create(ctx context.Context, draw *domain.Draw) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.draws[draw.ID]; ok {
		return ports.ErrDuplicateDraw
	}
	d := cloneDraw(draw)
	d.Status = domain.DrawPending
	s.db.draws[d.ID] = d
	s.db.drawOrder = append(s.db.drawOrder, d.ID)
	return nil
}

func (s *DrawStore) GetByID(ctx context.Context, id string) (*domain.Draw, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	d, ok := s.db.draws[id]
	if !ok {
		return nil, nil
	}
	return cloneDraw(d), nil
}

func (s *DrawStore) ListStalePending(ctx context.Context, experimentID string, cutoff time.Time, limit int) ([]*domain.Draw, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []*domain.Draw
	for _, id := range s.db.drawOrder {
		d := s.db.draws[id]
		if d.ExperimentID != experimentID || d.Status != domain.DrawPending || !d.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneDraw(d))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DrawStore) Complete(ctx context.Context, st ports.Settlement) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	d, ok := s.db.draws[st.DrawID]
	if !ok || d.Status != domain.DrawPending {
		return ports.ErrDrawSettled
	}
	arm := s.db.findArm(st.ArmID)
	if arm == nil || arm.Version != st.ExpectedVersion {
		return ports.ErrVersionConflict
	}

	if st.State != nil {
		arm.State = domain.CloneState(st.State)
	}
	arm.NOutcomes++
	arm.Version++

	outcome := st.Outcome
	observedAt := st.ObservedAt
	obsType := domain.ObservationUser
	d.Status = domain.DrawCompleted
	d.Outcome = &outcome
	d.ObservedAt = &observedAt
	d.ObservationType = &obsType

	s.db.bumpTrials(st.ExperimentID, st.ObservedAt)
	return nil
}

func (s *DrawStore) Fail(ctx context.Context, drawID string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	d, ok := s.db.draws[drawID]
	if !ok || d.Status != domain.DrawPending {
		return false, nil
	}
	observedAt := at
	obsType := domain.ObservationAuto
	d.Status = domain.DrawFailed
	d.ObservedAt = &observedAt
	d.ObservationType = &obsType

	s.db.bumpTrials(d.ExperimentID, at)
	return true, nil
}

func (s *DrawStore) ListObservations(ctx context.Context, experimentID string) ([]domain.Observation, error) {
	return s.observations(func(d *domain.Draw) bool { return d.ExperimentID == experimentID }), nil
}

func (s *DrawStore) ArmHistory(ctx context.Context, armID string) ([]domain.Observation, error) {
	return s.observations(func(d *domain.Draw) bool { return d.ArmID == armID }), nil
}

func (s *DrawStore) observations(match func(*domain.Draw) bool) []domain.Observation {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []domain.Observation
	for _, id := range s.db.drawOrder {
		d := s.db.draws[id]
		if d.Status != domain.DrawCompleted || !match(d) {
			continue
		}
		out = append(out, domain.Observation{
			DrawID:     d.ID,
			ArmID:      d.ArmID,
			ClientID:   cloneDraw(d).ClientID,
			Context:    d.Context.Clone(),
			Outcome:    *d.Outcome,
			ObservedAt: *d.ObservedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out
}

// StickyStore implements ports.StickyRepository.
type StickyStore struct {
	db *DB
}

// NewStickyStore returns a standalone sticky store, for use next to a
// persistent experiment store.
func NewStickyStore() *StickyStore {
	return &StickyStore{db: NewDB()}
}

func (s *StickyStore) Get(ctx context.Context, experimentID, clientID string) (string, bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	armID, ok := s.db.sticky[stickyKey{experimentID, clientID}]
	return armID, ok, nil
}

func (s *StickyStore) PutIfAbsent(ctx context.Context, experimentID, clientID, armID string) (string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	key := stickyKey{experimentID, clientID}
	if existing, ok := s.db.sticky[key]; ok {
		return existing, nil
	}
	s.db.sticky[key] = armID
	return armID, nil
}

func (s *StickyStore) DeleteExperiment(ctx context.Context, experimentID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	for k := range s.db.sticky {
		if k.experimentID == experimentID {
			delete(s.db.sticky, k)
		}
	}
	return nil
}

// NotificationStore implements ports.NotificationRepository.
type NotificationStore struct {
	db *DB
}

func (s *NotificationStore) ListActive(ctx context.Context) ([]domain.NotificationRule, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []domain.NotificationRule
	for _, id := range s.db.order {
		for _, rule := range s.db.experiments[id].Notifications {
			if rule.IsActive {
				out = append(out, rule)
			}
		}
	}
	return out, nil
}

func (s *NotificationStore) Deactivate(ctx context.Context, ruleID string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	for _, exp := range s.db.experiments {
		for i := range exp.Notifications {
			if exp.Notifications[i].ID != ruleID {
				continue
			}
			if !exp.Notifications[i].IsActive {
				return false, nil
			}
			exp.Notifications[i].IsActive = false
			return true, nil
		}
	}
	return false, nil
}

func (s *NotificationStore) Reactivate(ctx context.Context, ruleID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	for _, exp := range s.db.experiments {
		for i := range exp.Notifications {
			if exp.Notifications[i].ID == ruleID {
				exp.Notifications[i].IsActive = true
				return nil
			}
		}
	}
	return nil
}
