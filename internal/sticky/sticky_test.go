package sticky

import (
	"context"
	"errors"
	"testing"

	"github.com/emiliopalmerini/mbandit/internal/adapters/memory"
	"github.com/emiliopalmerini/mbandit/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func experiment(sticky bool) *domain.Experiment {
	return &domain.Experiment{
		ID:               "exp",
		StickyAssignment: sticky,
		Arms:             []domain.Arm{{ID: "a"}, {ID: "b"}},
	}
}

func chooser(armID string, calls *int) func() (string, error) {
	return func() (string, error) {
		*calls++
		return armID, nil
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		sticky     bool
		clientID   *string
		seed       string
		wantArm    string
		wantCached bool
		wantCalls  int
		wantErr    error
	}{
		{name: "not sticky always chooses", sticky: false, clientID: ptr("c"), seed: "b", wantArm: "a", wantCalls: 1},
		{name: "sticky requires client", sticky: true, wantErr: domain.ErrValidation},
		{name: "sticky empty client", sticky: true, clientID: ptr(""), wantErr: domain.ErrValidation},
		{name: "first assignment stored", sticky: true, clientID: ptr("c"), wantArm: "a", wantCalls: 1},
		{name: "cached arm reused", sticky: true, clientID: ptr("c"), seed: "b", wantArm: "b", wantCached: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			stores := memory.NewStores()
			if tt.seed != "" {
				if _, err := stores.Sticky.PutIfAbsent(ctx, "exp", "c", tt.seed); err != nil {
					t.Fatalf("seed failed: %v", err)
				}
			}

			calls := 0
			got, err := New(stores.Sticky).Resolve(ctx, experiment(tt.sticky), tt.clientID, chooser("a", &calls))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got.ArmID != tt.wantArm || got.Cached != tt.wantCached {
				t.Errorf("Resolve = %+v, want arm %q cached %v", got, tt.wantArm, tt.wantCached)
			}
			if calls != tt.wantCalls {
				t.Errorf("chooser calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestResolve_StableAcrossDraws(t *testing.T) {
	ctx := context.Background()
	cache := New(memory.NewStores().Sticky)
	exp := experiment(true)

	arms := []string{"a", "b", "b", "a", "b"}
	var first string
	for i, arm := range arms {
		calls := 0
		got, err := cache.Resolve(ctx, exp, ptr("client-1"), chooser(arm, &calls))
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if i == 0 {
			first = got.ArmID
		}
		if got.ArmID != first {
			t.Errorf("draw %d got arm %q, want %q", i, got.ArmID, first)
		}
	}

	if err := cache.Forget(ctx, exp.ID); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	calls := 0
	got, _ := cache.Resolve(ctx, exp, ptr("client-1"), chooser("b", &calls))
	if got.ArmID != "b" || calls != 1 {
		t.Errorf("after Forget got %+v with %d calls", got, calls)
	}
}
