package entitlement

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"canteiro.app/internal/obs"
)

// DefaultChannel is the pub/sub channel carrying tenant ids to invalidate.
const DefaultChannel = "entitlement:invalidate"

// RedisBus fans feature-cache invalidations out to every instance.
type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, tenantID string) error {
	if b == nil || b.client == nil {
		return errors.New("redis bus not configured")
	}
	return b.client.Publish(ctx, b.channel, tenantID).Err()
}

// Start subscribes and, once the subscription is confirmed, calls fn for each
// received tenant id until ctx is done or stop is called.
func (b *RedisBus) Start(ctx context.Context, fn func(tenantID string)) (stop func(), err error) {
	if b == nil || b.client == nil {
		return nil, errors.New("redis bus not configured")
	}
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				tenantID := strings.TrimSpace(msg.Payload)
				if tenantID == "" {
					continue
				}
				fn(tenantID)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

// Follow wires the bus into r: remote invalidations clear the local cache.
func (b *RedisBus) Follow(ctx context.Context, r *Resolver) (stop func(), err error) {
	return b.Start(ctx, func(tenantID string) {
		r.InvalidateLocal(tenantID)
		obs.Info("feature cache invalidated remotely", map[string]any{"tenant_id": tenantID})
	})
}
