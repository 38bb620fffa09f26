package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiliopalmerini/mbandit/internal/adapters/memory"
	"github.com/emiliopalmerini/mbandit/internal/adapters/otel"
	"github.com/emiliopalmerini/mbandit/internal/allocation"
	"github.com/emiliopalmerini/mbandit/internal/autofail"
	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/posterior"
)

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, cfg Config) (*Engine, *memory.Stores) {
	t.Helper()
	stores := memory.NewStores()
	e := New(Deps{
		Experiments: stores.Experiments,
		Draws:       stores.Draws,
		Sticky:      stores.Sticky,
		Metrics:     otel.NewNoOpRecorder(),
		Allocator:   allocation.NewSeeded(42),
	}, cfg)
	e.SetClock(func() time.Time { return t0 })
	return e, stores
}

func betaSpec(sticky bool) domain.ExperimentSpec {
	return domain.ExperimentSpec{
		Name:             "headline",
		Method:           domain.MethodMAB,
		RewardType:       domain.RewardBinary,
		PriorType:        domain.PriorBeta,
		StickyAssignment: sticky,
		Arms: []domain.ArmSpec{
			{Name: "A", Alpha: ptr(1.0), Beta: ptr(1.0)},
			{Name: "B", Alpha: ptr(1.0), Beta: ptr(1.0)},
		},
	}
}

func TestCreateExperiment_Validation(t *testing.T) {
	e, _ := newEngine(t, Config{})
	spec := betaSpec(false)
	spec.Arms = spec.Arms[:1]

	_, err := e.CreateExperiment(context.Background(), spec)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetExperiment_NotFound(t *testing.T) {
	e, _ := newEngine(t, Config{})
	_, err := e.GetExperiment(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, e.DeleteExperiment(context.Background(), "missing"), domain.ErrNotFound)
}

func TestScenario_BetaUpdateThenThompsonShare(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})

	exp, err := e.CreateExperiment(ctx, betaSpec(false))
	require.NoError(t, err)
	armA := exp.Arms[0]

	require.NoError(t, seedDraw(ctx, e, exp.ID, "d1", armA.ID))
	res, err := e.UpdateArm(ctx, "d1", 1)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, domain.BetaState{Alpha: 2, Beta: 1}, res.Arm.State)

	got, err := e.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BetaState{Alpha: 2, Beta: 1}, got.Arms[0].State)
	assert.Equal(t, int64(1), got.Arms[0].NOutcomes)
	assert.Equal(t, int64(1), got.NTrials)

	const n = 10000
	wins := 0
	for i := 0; i < n; i++ {
		d, err := e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID})
		require.NoError(t, err)
		if d.Arm.ID == armA.ID {
			wins++
		}
	}
	assert.InDelta(t, 2.0/3.0, float64(wins)/n, 0.03)
}

// seedDraw records a pending draw on a specific arm, bypassing allocation.
func seedDraw(ctx context.Context, e *Engine, expID, drawID, armID string) error {
	return e.draws.Create(ctx, &domain.Draw{
		ID: drawID, ExperimentID: expID, ArmID: armID, CreatedAt: t0, Status: domain.DrawPending,
	})
}

func TestUpdateArm_TerminalDrawConflicts(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	exp, err := e.CreateExperiment(ctx, betaSpec(false))
	require.NoError(t, err)

	d, err := e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID, DrawID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", d.DrawID)

	first, err := e.UpdateArm(ctx, "fixed", 0)
	require.NoError(t, err)

	_, err = e.UpdateArm(ctx, "fixed", 1)
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, _ := e.GetExperiment(ctx, exp.ID)
	arm := got.ArmByID(first.Arm.ID)
	assert.Equal(t, first.Arm.State, arm.State, "conflicting update must not change state")
	assert.Equal(t, int64(1), got.NTrials)
}

func TestUpdateArm_Errors(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	exp, err := e.CreateExperiment(ctx, betaSpec(false))
	require.NoError(t, err)

	_, err = e.UpdateArm(ctx, "nope", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	d, err := e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID})
	require.NoError(t, err)
	_, err = e.UpdateArm(ctx, d.DrawID, 0.5)
	assert.ErrorIs(t, err, domain.ErrValidation, "binary reward rejects 0.5")

	_, err = e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID, DrawID: d.DrawID})
	assert.ErrorIs(t, err, domain.ErrConflict, "duplicate draw id")
}

func TestDrawArm_InactiveAndContext(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	exp, err := e.CreateExperiment(ctx, betaSpec(false))
	require.NoError(t, err)

	_, err = e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID, Context: map[string]float64{"x": 1}})
	assert.ErrorIs(t, err, domain.ErrValidation, "mab rejects context")

	updated, err := e.SetActive(ctx, exp.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	_, err = e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.SetActive(ctx, exp.ID, true)
	require.NoError(t, err)
	_, err = e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID})
	assert.NoError(t, err)
}

func TestDrawArm_StickyStableWhilePosteriorsMove(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	exp, err := e.CreateExperiment(ctx, betaSpec(true))
	require.NoError(t, err)

	_, err = e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID})
	assert.ErrorIs(t, err, domain.ErrValidation, "sticky needs client id")

	first, err := e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID, ClientID: ptr("alice")})
	require.NoError(t, err)
	assert.False(t, first.Sticky)

	for i := 0; i < 50; i++ {
		other, err := e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID, ClientID: ptr(fmt.Sprintf("user-%d", i))})
		require.NoError(t, err)
		_, err = e.UpdateArm(ctx, other.DrawID, float64(i%2))
		require.NoError(t, err)

		again, err := e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID, ClientID: ptr("alice")})
		require.NoError(t, err)
		assert.Equal(t, first.Arm.ID, again.Arm.ID)
		assert.True(t, again.Sticky)
	}

	require.NoError(t, e.DeleteExperiment(ctx, exp.ID))
	_, err = e.GetExperiment(ctx, exp.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScenario_ContextualGaussianOneDimension(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	exp, err := e.CreateExperiment(ctx, domain.ExperimentSpec{
		Name:       "recs",
		Method:     domain.MethodCMAB,
		RewardType: domain.RewardRealValued,
		PriorType:  domain.PriorNormal,
		Arms: []domain.ArmSpec{
			{Name: "x", Mu: ptr(0.0), Sigma: ptr(1.0)},
			{Name: "y", Mu: ptr(0.0), Sigma: ptr(1.0)},
		},
		Contexts: []domain.ContextSpec{{Name: "score", ValueType: domain.ContextRealValued}},
	})
	require.NoError(t, err)

	_, err = e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID})
	assert.ErrorIs(t, err, domain.ErrValidation, "missing context")

	d, err := e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID, Context: map[string]float64{"score": 2}})
	require.NoError(t, err)

	res, err := e.UpdateArm(ctx, d.DrawID, 3)
	require.NoError(t, err)
	state, ok := res.Arm.State.(domain.MVGaussianState)
	require.True(t, ok)
	assert.InDelta(t, 1.2, state.Mu[0], 1e-9)
	assert.InDelta(t, 0.2, state.Cov[0][0], 1e-9)
}

func TestUpdateArm_LaplaceNonConvergenceKeepsState(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{Newton: posterior.Options{MaxIter: 1, Tolerance: 1e-300}})
	exp, err := e.CreateExperiment(ctx, domain.ExperimentSpec{
		Name:       "ctr",
		Method:     domain.MethodCMAB,
		RewardType: domain.RewardBinary,
		PriorType:  domain.PriorNormal,
		Arms: []domain.ArmSpec{
			{Name: "x", Mu: ptr(0.0), Sigma: ptr(1.0)},
			{Name: "y", Mu: ptr(0.0), Sigma: ptr(1.0)},
		},
		Contexts: []domain.ContextSpec{{Name: "mobile", ValueType: domain.ContextBinary}},
	})
	require.NoError(t, err)

	d, err := e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID, Context: map[string]float64{"mobile": 1}})
	require.NoError(t, err)

	res, err := e.UpdateArm(ctx, d.DrawID, 1)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.NotEmpty(t, res.Warning)
	assert.Equal(t, d.Arm.State, res.Arm.State)

	got, _ := e.GetExperiment(ctx, exp.ID)
	arm := got.ArmByID(d.Arm.ID)
	assert.Equal(t, d.Arm.State, arm.State)
	assert.Equal(t, int64(1), arm.NOutcomes)

	obs, err := e.Observations(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, d.DrawID, obs[0].DrawID)
}

func TestUpdateArm_LaplaceUsesHistory(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	exp, err := e.CreateExperiment(ctx, domain.ExperimentSpec{
		Name:       "ab",
		Method:     domain.MethodBayesAB,
		RewardType: domain.RewardBinary,
		PriorType:  domain.PriorNormal,
		Arms: []domain.ArmSpec{
			{Name: "control", Mu: ptr(0.0), Sigma: ptr(10.0)},
			{Name: "treatment", Mu: ptr(0.0), Sigma: ptr(10.0), IsTreatmentArm: true},
		},
	})
	require.NoError(t, err)

	var last *UpdateResult
	for i, y := range []float64{1, 1, 0, 1} {
		id := fmt.Sprintf("d%d", i)
		require.NoError(t, seedDraw(ctx, e, exp.ID, id, exp.Arms[1].ID))
		last, err = e.UpdateArm(ctx, id, y)
		require.NoError(t, err)
		require.True(t, last.Converged)
	}
	state := last.Arm.State.(domain.GaussianState)
	assert.Greater(t, state.Mu, 0.5, "three successes out of four pull the logit up")

	cmp, err := e.CompareArms(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.Arms[1].ID, cmp.Treatment.ID)
	assert.Greater(t, cmp.ProbTreatmentBetter, 0.5)
	assert.InDelta(t, state.Mu, cmp.Effect, 1e-12)
}

func TestCompareArms_RequiresBayesAB(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	exp, err := e.CreateExperiment(ctx, betaSpec(false))
	require.NoError(t, err)

	_, err = e.CompareArms(ctx, exp.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCompareArms_Gaussian(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	exp, err := e.CreateExperiment(ctx, domain.ExperimentSpec{
		Name:       "revenue",
		Method:     domain.MethodBayesAB,
		RewardType: domain.RewardRealValued,
		PriorType:  domain.PriorNormal,
		Arms: []domain.ArmSpec{
			{Name: "control", Mu: ptr(1.0), Sigma: ptr(3.0)},
			{Name: "treatment", Mu: ptr(1.0), Sigma: ptr(4.0), IsTreatmentArm: true},
		},
	})
	require.NoError(t, err)

	cmp, err := e.CompareArms(ctx, exp.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0, cmp.Effect, 1e-12)
	assert.InDelta(t, 5, cmp.StdDev, 1e-12)
	assert.InDelta(t, 0.5, cmp.ProbTreatmentBetter, 1e-12)
}

func TestAutoFailedDrawCannotBeUpdated(t *testing.T) {
	ctx := context.Background()
	e, stores := newEngine(t, Config{})
	spec := betaSpec(false)
	spec.AutoFail = &domain.AutoFailSpec{Value: 1, Unit: domain.AutoFailHours}
	exp, err := e.CreateExperiment(ctx, spec)
	require.NoError(t, err)

	d, err := e.DrawArm(ctx, DrawRequest{ExperimentID: exp.ID})
	require.NoError(t, err)

	m := autofail.NewMonitor(stores.Experiments, stores.Draws, nil, nil, autofail.Config{})
	m.SetClock(func() time.Time { return t0.Add(2 * time.Hour) })
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.UpdateArm(ctx, d.DrawID, 1)
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, _ := e.GetExperiment(ctx, exp.ID)
	arm := got.ArmByID(d.Arm.ID)
	assert.Equal(t, domain.BetaState{Alpha: 1, Beta: 1}, arm.State)
	assert.Equal(t, int64(1), got.NTrials)
}

func TestUpdateArm_ConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	exp, err := e.CreateExperiment(ctx, betaSpec(false))
	require.NoError(t, err)
	arm := exp.Arms[0]

	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, seedDraw(ctx, e, exp.ID, fmt.Sprintf("d%d", i), arm.ID))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.UpdateArm(ctx, fmt.Sprintf("d%d", i), float64(i%2)); err != nil {
				t.Errorf("UpdateArm: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := e.GetExperiment(ctx, exp.ID)
	state := got.Arms[0].State.(domain.BetaState)
	assert.Equal(t, float64(1+n/2), state.Alpha)
	assert.Equal(t, float64(1+n/2), state.Beta)
	assert.Equal(t, int64(n), got.Arms[0].NOutcomes)
	assert.Equal(t, int64(n), got.NTrials)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
