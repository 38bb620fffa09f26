package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/web"
)

const headlineSpec = `
name: headline
method: mab
reward_type: binary
prior_type: beta
sticky_assignment: true
arms:
  - {name: A, alpha_init: 1, beta_init: 1}
  - {name: B, alpha_init: 1, beta_init: 1}
notifications:
  - {type: trials_completed, value: 1}
`

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MBANDIT_DATABASE_URL", "file:"+filepath.Join(dir, "cli.db"))
	t.Setenv("MBANDIT_STICKY_BACKEND", "sql")
	t.Setenv("MBANDIT_METRICS_EXPORTER", "none")
	t.Setenv("MBANDIT_LOG_LEVEL", "error")
	t.Setenv("MBANDIT_SEED", "7")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "mbandit %v", args)
	return out
}

func createFromSpec(t *testing.T, dir, name, body string) web.ExperimentView {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	var view web.ExperimentView
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "experiment", "create", "-f", path)), &view))
	return view
}

func TestExperimentWorkflow(t *testing.T) {
	dir := setupEnv(t)
	exp := createFromSpec(t, dir, "headline.yaml", headlineSpec)
	assert.Equal(t, "headline", exp.Name)
	assert.Equal(t, domain.MethodMAB, exp.Method)
	require.Len(t, exp.Arms, 2)

	out := mustRun(t, "experiment", "list")
	assert.Contains(t, out, "headline")
	assert.Contains(t, out, "active")

	var draw web.DrawView
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "draw", exp.ID, "--client", "u-1", "--draw-id", "d-1")), &draw))
	assert.Equal(t, "d-1", draw.DrawID)

	var again web.DrawView
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "draw", exp.ID, "--client", "u-1")), &again))
	assert.Equal(t, draw.Arm.ID, again.Arm.ID)
	assert.True(t, again.Sticky)

	var upd struct {
		Converged bool `json:"converged"`
		Arm       struct {
			ID        string             `json:"id"`
			Posterior map[string]float64 `json:"posterior"`
		} `json:"arm"`
	}
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "update", "d-1", "1")), &upd))
	assert.True(t, upd.Converged)
	assert.Equal(t, draw.Arm.ID, upd.Arm.ID)
	assert.Equal(t, 2.0, upd.Arm.Posterior["alpha"])

	_, err := run(t, "update", "d-1", "0")
	assert.ErrorIs(t, err, domain.ErrConflict)

	out = mustRun(t, "sweep", "notifications")
	assert.Contains(t, out, "Fired 1 notification(s)")
	out = mustRun(t, "sweep", "notifications")
	assert.Contains(t, out, "Fired 0 notification(s)")

	out = mustRun(t, "sweep", "autofail")
	assert.Contains(t, out, "Failed 0 stale draw(s)")

	out = mustRun(t, "experiment", "observations", exp.ID)
	assert.Contains(t, out, `"draw_id": "d-1"`)

	mustRun(t, "experiment", "deactivate", exp.ID)
	_, err = run(t, "draw", exp.ID, "--client", "u-2")
	assert.ErrorIs(t, err, domain.ErrValidation)
	mustRun(t, "experiment", "activate", exp.ID)

	out = mustRun(t, "experiment", "delete", exp.ID)
	assert.Contains(t, out, "deleted")
	_, err = run(t, "experiment", "show", exp.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompareFromJSONSpec(t *testing.T) {
	dir := setupEnv(t)
	exp := createFromSpec(t, dir, "ab.json", `{
		"name": "ab",
		"method": "bayes_ab",
		"reward_type": "real-valued",
		"prior_type": "normal",
		"arms": [
			{"name": "control", "mu_init": 0, "sigma_init": 1},
			{"name": "treatment", "mu_init": 2, "sigma_init": 1, "is_treatment_arm": true}
		]
	}`)

	var cmp web.ComparisonView
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "experiment", "compare", exp.ID)), &cmp))
	assert.InDelta(t, 2.0, cmp.Effect, 1e-12)
	assert.Greater(t, cmp.ProbTreatmentBetter, 0.9)
}

func TestCreateRejectsBadSpecs(t *testing.T) {
	dir := setupEnv(t)

	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown field", file: "x.yaml", body: "name: x\nbogus: 1\n"},
		{name: "single arm", file: "one.yaml", body: "name: x\nmethod: mab\nreward_type: binary\nprior_type: beta\narms:\n  - {name: A, alpha_init: 1, beta_init: 1}\n"},
		{name: "broken json", file: "x.json", body: "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := run(t, "experiment", "create", "-f", path)
			assert.Error(t, err)
		})
	}

	_, err := run(t, "experiment", "create")
	assert.Error(t, err, "missing -f")
}

func TestDrawContextParsing(t *testing.T) {
	got, err := parseContext(map[string]string{"age": "0.5", "mobile": "1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"age": 0.5, "mobile": 1}, got)

	got, err = parseContext(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseContext(map[string]string{"age": "old"})
	assert.Error(t, err)
}

func TestMigrateCommand(t *testing.T) {
	setupEnv(t)

	out := mustRun(t, "migrate")
	assert.Contains(t, out, "Applied 0 migration(s)")
	assert.Contains(t, out, "Current version: 1")

	t.Setenv("MBANDIT_AUTO_MIGRATE", "false")
	out = mustRun(t, "migrate", "0")
	assert.Contains(t, out, "Current version: 0")
	out = mustRun(t, "migrate")
	assert.Contains(t, out, "Applied 1 migration(s)")

	_, err := run(t, "migrate", "99")
	assert.Error(t, err)
	_, err = run(t, "migrate", "--force")
	assert.Error(t, err)
}

func TestUpdateRejectsNonNumericOutcome(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "update", "d-1", "yes")
	assert.Error(t, err)
}
