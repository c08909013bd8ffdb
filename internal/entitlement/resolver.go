package entitlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"canteiro.app/internal/obs"
)

// DefaultCacheTTL is how long a resolved feature set is served from memory.
const DefaultCacheTTL = 60 * time.Second

// Publisher broadcasts invalidations to other processes.
type Publisher interface {
	Publish(ctx context.Context, tenantID string) error
}

type cacheEntry struct {
	features   FeatureSet
	resolvedAt time.Time
}

// Resolver computes a tenant's effective features and caches them per tenant.
// Entries are replaced whole, so concurrent fills for the same tenant are
// last-writer-wins and never observed half-built.
type Resolver struct {
	source    FeatureSource
	ttl       time.Duration
	now       func() time.Time
	publisher Publisher

	entries sync.Map // tenantID -> *cacheEntry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTTL overrides DefaultCacheTTL.
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithPublisher broadcasts every Invalidate call.
func WithPublisher(p Publisher) ResolverOption {
	return func(r *Resolver) { r.publisher = p }
}

func NewResolver(source FeatureSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{source: source, ttl: DefaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the tenant's effective feature set. A fetch failure is
// returned to the caller and leaves the cache untouched; nothing is cached
// for failed resolutions.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (FeatureSet, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return FeatureSet{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	now := r.now()
	result := "miss"
	if v, ok := r.entries.Load(tenantID); ok {
		entry := v.(*cacheEntry)
		if now.Sub(entry.resolvedAt) < r.ttl {
			obs.FeatureCache.WithLabelValues("hit").Inc()
			return entry.features, nil
		}
		result = "stale"
	}
	obs.FeatureCache.WithLabelValues(result).Inc()

	features, err := r.compute(ctx, tenantID, now)
	if err != nil {
		obs.FeatureCache.WithLabelValues("error").Inc()
		return FeatureSet{}, err
	}
	r.entries.Store(tenantID, &cacheEntry{features: features, resolvedAt: now})
	return features, nil
}

func (r *Resolver) compute(ctx context.Context, tenantID string, now time.Time) (FeatureSet, error) {
	plan, err := r.source.PlanFeatures(ctx, tenantID)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("load plan features: %w", err)
	}
	overrides, err := r.source.Overrides(ctx, tenantID)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("load overrides: %w", err)
	}
	return Effective(plan, overrides, now), nil
}

// Effective applies unexpired overrides on top of the plan's features.
func Effective(plan []string, overrides []Override, now time.Time) FeatureSet {
	keys := make(map[string]struct{}, len(plan)+len(overrides))
	for _, k := range plan {
		keys[k] = struct{}{}
	}
	for _, o := range overrides {
		if !o.ActiveAt(now) {
			continue
		}
		if o.Enabled {
			keys[o.FeatureKey] = struct{}{}
		} else {
			delete(keys, o.FeatureKey)
		}
	}
	return newFeatureSet(keys)
}

// Invalidate drops the tenant's cached set and broadcasts the invalidation.
// Broadcast failures are logged; the local cache is always cleared.
func (r *Resolver) Invalidate(ctx context.Context, tenantID string) {
	r.InvalidateLocal(tenantID)
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, tenantID); err != nil {
		obs.Warn("feature invalidation broadcast failed", map[string]any{
			"tenant_id": tenantID,
			"error":     err,
		})
	}
}

// InvalidateLocal drops the tenant's cached set in this process only.
func (r *Resolver) InvalidateLocal(tenantID string) {
	r.entries.Delete(strings.TrimSpace(tenantID))
}
