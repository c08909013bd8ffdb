package app

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"canteiro.app/internal/config"
	"canteiro.app/internal/jobs"
	"canteiro.app/internal/store/pg"
)

func newStore(t *testing.T) *pg.Store {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return pg.New(db)
}

func TestNewWiresJobs(t *testing.T) {
	cfg := config.Default()
	cfg.Events.IPHashKey = "k"
	core, err := New(cfg, newStore(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	names := core.Jobs.Names()
	if len(names) != 2 || names[0] != jobs.CleanupExpired || names[1] != jobs.EvaluatePolicies {
		t.Fatalf("unexpected jobs: %v", names)
	}
	if core.Bus != nil {
		t.Fatal("bus must be nil without redis")
	}
	stop, err := core.FollowInvalidations(context.Background())
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	stop()
}

func TestNewRequiresHashKey(t *testing.T) {
	if _, err := New(config.Default(), newStore(t)); err == nil {
		t.Fatal("expected error without ip hash key")
	}
}
