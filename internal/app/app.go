// Package app assembles the security core from configuration. securityd and
// securityctl share it so both run the same guards, enforcer and engine.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"canteiro.app/internal/config"
	"canteiro.app/internal/enforce"
	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/events"
	"canteiro.app/internal/guard"
	"canteiro.app/internal/identity"
	"canteiro.app/internal/jobs"
	"canteiro.app/internal/policy"
	"canteiro.app/internal/store/pg"
)

// Core is the wired security core.
type Core struct {
	Store    *pg.Store
	Redis    *redis.Client
	Bus      *entitlement.RedisBus
	Resolver *entitlement.Resolver
	Emitter  *events.Emitter
	Pipeline *guard.Pipeline
	Enforcer *enforce.Enforcer
	Checker  *enforce.Checker
	Engine   *policy.Engine
	Policies *policy.Service
	Verifier *identity.Verifier
	Jobs     *jobs.Runner
}

// New wires every component around store. Redis is optional.
func New(cfg *config.Config, store *pg.Store) (*Core, error) {
	hasher, err := events.NewIPHasher(cfg.Events.IPHashKey)
	if err != nil {
		return nil, fmt.Errorf("ip hasher: %w", err)
	}
	c := &Core{Store: store, Verifier: identity.NewVerifier(cfg.Auth.TokenSecret, cfg.Auth.Issuer)}

	resolverOpts := []entitlement.ResolverOption{entitlement.WithTTL(cfg.Features.CacheTTL)}
	if cfg.Redis.Addr != "" {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.Bus = entitlement.NewRedisBus(c.Redis, cfg.Redis.Channel)
		resolverOpts = append(resolverOpts, entitlement.WithPublisher(c.Bus))
	}
	c.Resolver = entitlement.NewResolver(store, resolverOpts...)
	c.Emitter = events.NewEmitter(store, hasher, events.WithWriteTimeout(cfg.Events.WriteTimeout))

	c.Pipeline = guard.NewPipeline(
		guard.NewSubscriptionGuard(store, c.Emitter),
		guard.NewFeatureGuard(c.Resolver, c.Emitter),
		guard.NewRBACGuard(store, c.Emitter),
		guard.WithTimeout(cfg.Guard.Timeout),
	)

	c.Enforcer = enforce.NewEnforcer(store, c.Emitter)
	c.Checker = enforce.NewChecker(c.Enforcer)
	c.Engine = policy.NewEngine(store, c.Enforcer)
	c.Policies, err = policy.NewService(store, c.Engine)
	if err != nil {
		return nil, fmt.Errorf("policy service: %w", err)
	}

	c.Jobs = jobs.NewRunner(jobs.WithTimeout(cfg.Jobs.Timeout))
	if err := jobs.RegisterSecurity(c.Jobs, c.Engine, c.Enforcer, cfg.Jobs.EvaluateInterval, cfg.Jobs.CleanupInterval); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	return c, nil
}

// FollowInvalidations subscribes the resolver to remote invalidations. It is
// a no-op without Redis.
func (c *Core) FollowInvalidations(ctx context.Context) (stop func(), err error) {
	if c.Bus == nil {
		return func() {}, nil
	}
	return c.Bus.Follow(ctx, c.Resolver)
}

// Close releases Redis and the database.
func (c *Core) Close() error {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	return c.Store.Close()
}
