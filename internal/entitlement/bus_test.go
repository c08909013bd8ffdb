package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisBusInvalidatesFollowers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	publisherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer publisherClient.Close()
	followerClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer followerClient.Close()

	src := &fakeSource{plan: map[string][]string{"t1": {"PROJECTS"}}}
	follower := NewResolver(src)
	if _, err := follower.Resolve(ctx, "t1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	received := make(chan string, 1)
	bus := NewRedisBus(followerClient, "")
	stop, err := bus.Start(ctx, func(tenantID string) {
		follower.InvalidateLocal(tenantID)
		received <- tenantID
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop()

	leader := NewResolver(src, WithPublisher(NewRedisBus(publisherClient, DefaultChannel)))
	leader.Invalidate(ctx, "t1")

	select {
	case got := <-received:
		if got != "t1" {
			t.Fatalf("unexpected tenant %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not delivered")
	}
	if _, err := follower.Resolve(ctx, "t1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src.callCount() != 2 {
		t.Fatalf("expected follower to refetch after remote invalidation, got %d calls", src.callCount())
	}
}

func TestRedisBusUnconfigured(t *testing.T) {
	var bus *RedisBus
	if err := bus.Publish(context.Background(), "t1"); err == nil {
		t.Fatal("expected error from nil bus")
	}
}
