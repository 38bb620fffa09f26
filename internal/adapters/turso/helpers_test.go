package turso_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/migrate"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	ctx := context.Background()
	if err := migrate.RunAll(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

func newBetaExperiment(t *testing.T) *domain.Experiment {
	t.Helper()

	exp, err := domain.NewExperiment(domain.ExperimentSpec{
		Name:             "headline",
		Method:           domain.MethodMAB,
		RewardType:       domain.RewardBinary,
		PriorType:        domain.PriorBeta,
		StickyAssignment: true,
		AutoFail:         &domain.AutoFailSpec{Value: 6, Unit: domain.AutoFailHours},
		Arms: []domain.ArmSpec{
			{Name: "a", Alpha: ptr(1.0), Beta: ptr(1.0)},
			{Name: "b", Alpha: ptr(2.0), Beta: ptr(3.0)},
		},
		Notifications: []domain.NotificationSpec{
			{Type: domain.NotifyTrialsCompleted, Value: 2},
		},
	}, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewExperiment failed: %v", err)
	}
	return exp
}

func newCMABExperiment(t *testing.T) *domain.Experiment {
	t.Helper()

	exp, err := domain.NewExperiment(domain.ExperimentSpec{
		Name:       "recs",
		Method:     domain.MethodCMAB,
		RewardType: domain.RewardRealValued,
		PriorType:  domain.PriorNormal,
		Arms: []domain.ArmSpec{
			{Name: "x", Mu: ptr(0.0), Sigma: ptr(1.0)},
			{Name: "y", Mu: ptr(0.5), Sigma: ptr(2.0)},
		},
		Contexts: []domain.ContextSpec{
			{Name: "age", ValueType: domain.ContextRealValued},
			{Name: "mobile", ValueType: domain.ContextBinary},
		},
	}, time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewExperiment failed: %v", err)
	}
	return exp
}
