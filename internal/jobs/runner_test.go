package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"canteiro.app/internal/policy"
)

func TestRegisterValidation(t *testing.T) {
	r := NewRunner()
	noop := func(context.Context) (map[string]any, error) { return nil, nil }
	if err := r.Register("", time.Second, noop); err == nil {
		t.Fatal("expected error for blank name")
	}
	if err := r.Register("a", 0, noop); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if err := r.Register("a", time.Second, noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("a", time.Second, noop); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRunOnceUnknown(t *testing.T) {
	if err := NewRunner().RunOnce(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	r := NewRunner()
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	_ = r.Register("slow", time.Hour, func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		close(started)
		<-release
		return nil, nil
	})

	done := make(chan error, 1)
	go func() { done <- r.RunOnce(context.Background(), "slow") }()
	<-started

	if err := r.RunOnce(context.Background(), "slow"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestRunOnceAppliesTimeout(t *testing.T) {
	r := NewRunner(WithTimeout(10 * time.Millisecond))
	_ = r.Register("bounded", time.Hour, func(ctx context.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err := r.RunOnce(context.Background(), "bounded"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	r := NewRunner()
	var calls atomic.Int32
	_ = r.Register("tick", 5*time.Millisecond, func(context.Context) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() == 0 {
		t.Fatal("expected at least one tick")
	}
}

func TestRunWaitsForInflightRuns(t *testing.T) {
	r := NewRunner()
	started := make(chan struct{}, 1)
	var finished atomic.Bool
	_ = r.Register("slow", 5*time.Millisecond, func(ctx context.Context) (map[string]any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	if !finished.Load() {
		t.Fatal("run returned before the in-flight job finished")
	}
}

type stubEvaluator struct {
	evals []policy.Evaluation
	err   error
}

func (s stubEvaluator) EvaluateAllPolicies(context.Context) ([]policy.Evaluation, error) {
	return s.evals, s.err
}

type stubCleaner int

func (s stubCleaner) CleanupExpired(context.Context) (int, error) { return int(s), nil }

func TestSecurityJobs(t *testing.T) {
	eval := stubEvaluator{
		evals: []policy.Evaluation{
			{PolicyID: "p1", Triggered: true, IncidentID: "i1"},
			{PolicyID: "p2", Triggered: true, Suppressed: true},
			{PolicyID: "p3"},
		},
		err: errors.New("p4 failed"),
	}
	summary, err := Evaluation(eval)(context.Background())
	if err == nil {
		t.Fatal("expected partial failure to surface")
	}
	if summary["policies"] != 3 || summary["triggered"] != 2 || summary["suppressed"] != 1 || summary["incidents"] != 1 {
		t.Fatalf("unexpected summary %v", summary)
	}

	r := NewRunner()
	if err := RegisterSecurity(r, stubEvaluator{}, stubCleaner(4), time.Second, time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != CleanupExpired || names[1] != EvaluatePolicies {
		t.Fatalf("unexpected names %v", names)
	}
	if err := r.RunOnce(context.Background(), CleanupExpired); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
