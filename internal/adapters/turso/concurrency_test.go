package turso_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/emiliopalmerini/mbandit/internal/adapters/otel"
	"github.com/emiliopalmerini/mbandit/internal/adapters/turso"
	"github.com/emiliopalmerini/mbandit/internal/allocation"
	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/engine"
	"github.com/emiliopalmerini/mbandit/internal/migrate"
)

func newFileEngine(t *testing.T, url string, seed uint64) *engine.Engine {
	t.Helper()
	db, err := turso.Open(context.Background(), url, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repos := turso.NewRepositories(db)
	return engine.New(engine.Deps{
		Experiments: repos.Experiments,
		Draws:       repos.Draws,
		Sticky:      repos.Sticky,
		Metrics:     otel.NewNoOpRecorder(),
		Allocator:   allocation.NewSeeded(seed),
	}, engine.Config{UpdateRetries: 20})
}

// Two handles on one file stand in for two worker processes.
func TestConcurrentUpdatesAcrossHandles(t *testing.T) {
	ctx := context.Background()
	url := "file:" + filepath.Join(t.TempDir(), "shared.db")

	setup, err := turso.Open(ctx, url, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := migrate.RunAll(ctx, setup); err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	_ = setup.Close()

	engines := []*engine.Engine{newFileEngine(t, url, 1), newFileEngine(t, url, 2)}

	exp, err := engines[0].CreateExperiment(ctx, domain.ExperimentSpec{
		Name:       "shared",
		Method:     domain.MethodMAB,
		RewardType: domain.RewardBinary,
		PriorType:  domain.PriorBeta,
		Arms: []domain.ArmSpec{
			{Name: "a", Alpha: ptr(1.0), Beta: ptr(1.0)},
			{Name: "b", Alpha: ptr(1.0), Beta: ptr(1.0)},
		},
	})
	if err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}

	const n = 40
	for i := 0; i < n; i++ {
		if _, err := engines[0].DrawArm(ctx, engine.DrawRequest{ExperimentID: exp.ID, DrawID: fmt.Sprintf("d-%d", i)}); err != nil {
			t.Fatalf("DrawArm failed: %v", err)
		}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		untyped   []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engines[i%2].UpdateArm(ctx, fmt.Sprintf("d-%d", i), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, domain.ErrConflict):
				untyped = append(untyped, err)
			}
		}(i)
	}
	wg.Wait()

	if len(untyped) > 0 {
		t.Fatalf("%d updates failed with untyped errors, first: %v", len(untyped), untyped[0])
	}
	if succeeded == 0 {
		t.Fatal("no update succeeded")
	}

	got, err := engines[1].GetExperiment(ctx, exp.ID)
	if err != nil {
		t.Fatalf("GetExperiment failed: %v", err)
	}
	var successes float64
	var outcomes int64
	for _, arm := range got.Arms {
		state := arm.State.(domain.BetaState)
		successes += state.Alpha - 1
		outcomes += arm.NOutcomes
	}
	if int(successes) != succeeded || int(outcomes) != succeeded {
		t.Errorf("posteriors count %v successes and %d outcomes, want %d", successes, outcomes, succeeded)
	}
	if got.NTrials != int64(succeeded) {
		t.Errorf("NTrials = %d, want %d", got.NTrials, succeeded)
	}
}
