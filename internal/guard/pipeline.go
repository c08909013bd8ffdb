package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"canteiro.app/internal/events"
	"canteiro.app/internal/identity"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/security"
)

// Subject is who the pipeline evaluates. Empty fields are taken from the
// request identity.
type Subject struct {
	TenantID string
	UserID   string
}

// Options selects the stages to run.
type Options struct {
	Feature          string
	Permission       string
	SkipSubscription bool
}

// Pipeline runs subscription, feature and permission checks in that order and
// stops at the first failure.
type Pipeline struct {
	subscription *SubscriptionGuard
	feature      *FeatureGuard
	rbac         *RBACGuard
	timeout      time.Duration
}

type PipelineOption func(*Pipeline)

// WithTimeout bounds every stage. A stage that runs out of time denies.
func WithTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.timeout = d }
}

func NewPipeline(sub *SubscriptionGuard, feat *FeatureGuard, rbac *RBACGuard, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{subscription: sub, feature: feat, rbac: rbac}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check returns nil when every requested stage passes, otherwise the first
// stage's *security.Error.
func (p *Pipeline) Check(ctx context.Context, subject Subject, opts Options) error {
	if id, ok := identity.FromContext(ctx); ok {
		if subject.TenantID == "" {
			subject.TenantID = id.TenantID
		}
		if subject.UserID == "" {
			subject.UserID = id.UserID
		}
	}
	subject.TenantID = strings.TrimSpace(subject.TenantID)
	if subject.TenantID == "" {
		return denied("pipeline", security.SubscriptionNotFound(""))
	}

	if !opts.SkipSubscription {
		if err := p.stage(ctx, "subscription", func(ctx context.Context) error {
			return p.subscription.Check(ctx, subject.TenantID)
		}); err != nil {
			return err
		}
	}
	if opts.Feature != "" {
		if err := p.stage(ctx, "feature", func(ctx context.Context) error {
			return p.feature.Check(ctx, subject.TenantID, opts.Feature)
		}); err != nil {
			return err
		}
	}
	if opts.Permission != "" {
		if strings.TrimSpace(subject.UserID) == "" {
			return denied("rbac", security.PermissionDenied(opts.Permission))
		}
		if err := p.stage(ctx, "rbac", func(ctx context.Context) error {
			return p.rbac.Check(ctx, subject.TenantID, subject.UserID, opts.Permission)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err == nil {
		return nil
	}
	var gerr *security.Error
	if errors.As(err, &gerr) {
		return err
	}
	return denied(name, security.GuardUnavailable(name+" guard", fmt.Errorf("unexpected: %w", err)))
}

func denied(guard string, gerr *security.Error) error {
	obs.GuardDenials.WithLabelValues(guard, string(gerr.Kind)).Inc()
	return gerr
}

func emit(ctx context.Context, sink events.Sink, in events.Input) {
	if sink == nil {
		return
	}
	sink.Emit(ctx, in)
}
