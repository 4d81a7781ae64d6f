package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindowLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l, err := NewFixedWindowLimiter(client, "test:upload", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if !l.Allow(ctx, "1.2.3.4") || !l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("first two requests should pass")
	}
	if l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("third request should be limited")
	}
	if !l.Allow(ctx, "5.6.7.8") {
		t.Fatalf("other key should pass")
	}
	now = now.Add(time.Minute)
	if !l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("next window should pass")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l, err := NewFixedWindowLimiter(client, "", 5, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mr.Close()
	if l.Allow(context.Background(), "k") {
		t.Fatalf("expected fail-closed when redis is down")
	}
	var nilLimiter *FixedWindowLimiter
	if nilLimiter.Allow(context.Background(), "k") {
		t.Fatalf("nil limiter must deny")
	}
}
