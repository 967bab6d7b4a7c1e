package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestLimiter requires a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client)
}

func TestAllow_LimitAndWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 200 * time.Millisecond}
	id := uuid.New().String()

	for i := 0; i < rule.Limit; i++ {
		allowed, err := l.Allow(ctx, id, rule)
		if err != nil || !allowed {
			t.Fatalf("request %d: Allow() = %v, %v; want true", i+1, allowed, err)
		}
	}
	if allowed, _ := l.Allow(ctx, id, rule); allowed {
		t.Fatal("request over the limit was allowed")
	}

	time.Sleep(300 * time.Millisecond)
	if allowed, _ := l.Allow(ctx, id, rule); !allowed {
		t.Error("request in a new window was refused")
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	allowed, err := l.Allow(context.Background(), "anyone", RuleSendMessage)
	if err == nil {
		t.Fatal("expected a redis error")
	}
	if !allowed {
		t.Error("limiter did not fail open")
	}
}
