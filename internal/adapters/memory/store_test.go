package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/ports"
)

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newExperiment(t *testing.T) *domain.Experiment {
	t.Helper()
	exp, err := domain.NewExperiment(domain.ExperimentSpec{
		Name:       "headline",
		Method:     domain.MethodMAB,
		RewardType: domain.RewardBinary,
		PriorType:  domain.PriorBeta,
		AutoFail:   &domain.AutoFailSpec{Value: 1, Unit: domain.AutoFailHours},
		Arms: []domain.ArmSpec{
			{Name: "a", Alpha: ptr(1.0), Beta: ptr(1.0)},
			{Name: "b", Alpha: ptr(1.0), Beta: ptr(1.0)},
		},
		Notifications: []domain.NotificationSpec{
			{Type: domain.NotifyTrialsCompleted, Value: 1},
		},
	}, t0)
	if err != nil {
		t.Fatalf("NewExperiment failed: %v", err)
	}
	return exp
}

func TestExperimentStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	stores := NewStores()
	exp := newExperiment(t)

	if err := stores.Experiments.Create(ctx, exp); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	exp.Name = "mutated"

	got, err := stores.Experiments.GetByID(ctx, exp.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Name != "headline" {
		t.Errorf("Name = %q, want headline", got.Name)
	}
	got.Arms[0].State = domain.BetaState{Alpha: 9, Beta: 9}

	arm, _ := stores.Experiments.GetArm(ctx, exp.Arms[0].ID)
	if arm.State != (domain.BetaState{Alpha: 1, Beta: 1}) {
		t.Errorf("stored state changed through a returned copy: %+v", arm.State)
	}

	missing, err := stores.Experiments.GetByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetByID(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestDrawStore_CompleteAndFail(t *testing.T) {
	ctx := context.Background()
	stores := NewStores()
	exp := newExperiment(t)
	if err := stores.Experiments.Create(ctx, exp); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	arm := exp.Arms[0]

	for _, id := range []string{"d1", "d2"} {
		if err := stores.Draws.Create(ctx, &domain.Draw{ID: id, ExperimentID: exp.ID, ArmID: arm.ID, CreatedAt: t0}); err != nil {
			t.Fatalf("Create draw failed: %v", err)
		}
	}
	if err := stores.Draws.Create(ctx, &domain.Draw{ID: "d1", ExperimentID: exp.ID, ArmID: arm.ID}); !errors.Is(err, ports.ErrDuplicateDraw) {
		t.Errorf("duplicate Create err = %v, want ErrDuplicateDraw", err)
	}

	settle := ports.Settlement{
		DrawID: "d1", ExperimentID: exp.ID, ArmID: arm.ID, Outcome: 1,
		ObservedAt: t0.Add(time.Minute), State: domain.BetaState{Alpha: 2, Beta: 1}, ExpectedVersion: 0,
	}
	if err := stores.Draws.Complete(ctx, settle); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := stores.Draws.Complete(ctx, settle); !errors.Is(err, ports.ErrDrawSettled) {
		t.Errorf("second Complete err = %v, want ErrDrawSettled", err)
	}

	stale := settle
	stale.DrawID = "d2"
	if err := stores.Draws.Complete(ctx, stale); !errors.Is(err, ports.ErrVersionConflict) {
		t.Errorf("stale Complete err = %v, want ErrVersionConflict", err)
	}

	ok, err := stores.Draws.Fail(ctx, "d2", t0.Add(2*time.Hour))
	if err != nil || !ok {
		t.Fatalf("Fail = %v, %v; want true, nil", ok, err)
	}
	if ok, _ := stores.Draws.Fail(ctx, "d2", t0.Add(3*time.Hour)); ok {
		t.Error("second Fail reported true")
	}

	got, _ := stores.Experiments.GetByID(ctx, exp.ID)
	if got.NTrials != 2 {
		t.Errorf("NTrials = %d, want 2", got.NTrials)
	}
	if got.Arms[0].NOutcomes != 1 || got.Arms[0].Version != 1 {
		t.Errorf("arm counters = %d/%d, want 1/1", got.Arms[0].NOutcomes, got.Arms[0].Version)
	}

	obs, _ := stores.Draws.ListObservations(ctx, exp.ID)
	if len(obs) != 1 || obs[0].DrawID != "d1" || obs[0].Outcome != 1 {
		t.Errorf("observations = %+v", obs)
	}
}

func TestDrawStore_ListStalePending(t *testing.T) {
	ctx := context.Background()
	stores := NewStores()
	exp := newExperiment(t)
	_ = stores.Experiments.Create(ctx, exp)

	for i, id := range []string{"old-1", "old-2", "old-3", "fresh"} {
		created := t0.Add(time.Duration(i) * time.Minute)
		if id == "fresh" {
			created = t0.Add(2 * time.Hour)
		}
		_ = stores.Draws.Create(ctx, &domain.Draw{ID: id, ExperimentID: exp.ID, ArmID: exp.Arms[0].ID, CreatedAt: created})
	}

	draws, err := stores.Draws.ListStalePending(ctx, exp.ID, t0.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("ListStalePending failed: %v", err)
	}
	if len(draws) != 2 || draws[0].ID != "old-1" || draws[1].ID != "old-2" {
		t.Errorf("stale draws = %v", draws)
	}
}

func TestStickyAndNotifications(t *testing.T) {
	ctx := context.Background()
	stores := NewStores()
	exp := newExperiment(t)
	_ = stores.Experiments.Create(ctx, exp)

	got, _ := stores.Sticky.PutIfAbsent(ctx, exp.ID, "c", "a")
	if got != "a" {
		t.Errorf("PutIfAbsent = %q, want a", got)
	}
	got, _ = stores.Sticky.PutIfAbsent(ctx, exp.ID, "c", "b")
	if got != "a" {
		t.Errorf("PutIfAbsent = %q, want a", got)
	}

	rules, _ := stores.Notifications.ListActive(ctx)
	if len(rules) != 1 {
		t.Fatalf("active rules = %d, want 1", len(rules))
	}
	if ok, _ := stores.Notifications.Deactivate(ctx, rules[0].ID); !ok {
		t.Error("Deactivate reported false")
	}
	if ok, _ := stores.Notifications.Deactivate(ctx, rules[0].ID); ok {
		t.Error("second Deactivate reported true")
	}

	if err := stores.Experiments.Delete(ctx, exp.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := stores.Sticky.Get(ctx, exp.ID, "c"); ok {
		t.Error("sticky assignment survived Delete")
	}
}
