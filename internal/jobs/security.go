package jobs

import (
	"context"
	"time"

	"canteiro.app/internal/policy"
)

const (
	EvaluatePolicies = "evaluate-policies"
	CleanupExpired   = "cleanup-expired"
)

type PolicyEvaluator interface {
	EvaluateAllPolicies(ctx context.Context) ([]policy.Evaluation, error)
}

type ExpiredCleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Evaluation wraps the policy engine sweep. Per-policy failures still report
// the evaluations that completed.
func Evaluation(e PolicyEvaluator) Func {
	return func(ctx context.Context) (map[string]any, error) {
		evals, err := e.EvaluateAllPolicies(ctx)
		var triggered, suppressed, incidents int
		for _, ev := range evals {
			if ev.Triggered {
				triggered++
			}
			if ev.Suppressed {
				suppressed++
			}
			if ev.IncidentID != "" {
				incidents++
			}
		}
		return map[string]any{
			"policies":   len(evals),
			"triggered":  triggered,
			"suppressed": suppressed,
			"incidents":  incidents,
		}, err
	}
}

func Cleanup(c ExpiredCleaner) Func {
	return func(ctx context.Context) (map[string]any, error) {
		n, err := c.CleanupExpired(ctx)
		return map[string]any{"expired": n}, err
	}
}

// RegisterSecurity adds both security jobs to r.
func RegisterSecurity(r *Runner, e PolicyEvaluator, c ExpiredCleaner, evaluateEvery, cleanupEvery time.Duration) error {
	if err := r.Register(EvaluatePolicies, evaluateEvery, Evaluation(e)); err != nil {
		return err
	}
	return r.Register(CleanupExpired, cleanupEvery, Cleanup(c))
}
