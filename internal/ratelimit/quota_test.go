package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQuota(t *testing.T, limit int, window time.Duration) (*QuotaLimiter, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := &fakeClock{now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
	l, err := NewQuotaLimiter(QuotaConfig{Client: client, Limit: limit, Window: window, Now: clock.Now})
	if err != nil {
		t.Fatalf("new quota limiter: %v", err)
	}
	return l, clock
}

func TestQuotaCheckWithoutRecordIsFull(t *testing.T) {
	l, clock := newTestQuota(t, 10, 10*time.Minute)
	q, err := l.Check(context.Background(), "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !q.Allowed || q.Remaining != 10 || q.Limit != 10 {
		t.Fatalf("unexpected quota: %+v", q)
	}
	if want := clock.Now().Add(10 * time.Minute); !q.ResetAt.Equal(want) {
		t.Fatalf("expected reset %v, got %v", want, q.ResetAt)
	}
}

func TestQuotaIncrementThenCheck(t *testing.T) {
	l, _ := newTestQuota(t, 10, 10*time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Increment(ctx, "u1"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	q, err := l.Check(ctx, "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if q.Remaining != 7 || !q.Allowed {
		t.Fatalf("expected 7 remaining, got %+v", q)
	}
	state, ok, err := l.State(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("state: ok=%v err=%v", ok, err)
	}
	if state.Count != 3 {
		t.Fatalf("expected count 3, got %d", state.Count)
	}
}

func TestQuotaExhaustedUntilWindowElapses(t *testing.T) {
	l, clock := newTestQuota(t, 2, 10*time.Minute)
	ctx := context.Background()
	start := clock.Now()
	_ = l.Increment(ctx, "u1")
	_ = l.Increment(ctx, "u1")

	clock.Advance(5 * time.Minute)
	q, err := l.Check(ctx, "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if q.Allowed || q.Remaining != 0 {
		t.Fatalf("expected exhausted quota, got %+v", q)
	}
	if want := start.Add(10 * time.Minute); !q.ResetAt.Equal(want) {
		t.Fatalf("expected reset %v, got %v", want, q.ResetAt)
	}

	clock.Advance(5 * time.Minute)
	q, err = l.Check(ctx, "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !q.Allowed || q.Remaining != 2 {
		t.Fatalf("expected reset quota, got %+v", q)
	}
	if want := clock.Now().Add(10 * time.Minute); !q.ResetAt.Equal(want) {
		t.Fatalf("expected new window reset %v, got %v", want, q.ResetAt)
	}
}

func TestQuotaIncrementAfterExpiryStartsNewWindow(t *testing.T) {
	l, clock := newTestQuota(t, 10, 10*time.Minute)
	ctx := context.Background()
	_ = l.Increment(ctx, "u1")
	_ = l.Increment(ctx, "u1")
	clock.Advance(11 * time.Minute)
	if err := l.Increment(ctx, "u1"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	state, _, err := l.State(ctx, "u1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Count != 1 || !state.WindowStart.Equal(clock.Now()) {
		t.Fatalf("expected fresh window, got %+v", state)
	}
}

func TestQuotaReserveIsAtomicUnderConcurrency(t *testing.T) {
	l, _ := newTestQuota(t, 5, 10*time.Minute)
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := l.Reserve(ctx, "u1")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if q.Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 5 {
		t.Fatalf("expected exactly 5 reservations, got %d", granted)
	}
	state, _, _ := l.State(ctx, "u1")
	if state.Count != 5 {
		t.Fatalf("expected count 5, got %d", state.Count)
	}
}

func TestQuotaReleaseRefundsCurrentWindowOnly(t *testing.T) {
	l, clock := newTestQuota(t, 3, 10*time.Minute)
	ctx := context.Background()
	q, err := l.Reserve(ctx, "u1")
	if err != nil || !q.Allowed {
		t.Fatalf("reserve: %+v %v", q, err)
	}
	if q.Remaining != 2 {
		t.Fatalf("expected 2 remaining after reserve, got %d", q.Remaining)
	}
	reserved := q
	if err := l.Release(ctx, "u1", reserved); err != nil {
		t.Fatalf("release: %v", err)
	}
	state, _, _ := l.State(ctx, "u1")
	if state.Count != 0 {
		t.Fatalf("expected refund, got count %d", state.Count)
	}
	if err := l.Release(ctx, "u1", reserved); err != nil {
		t.Fatalf("release: %v", err)
	}
	state, _, _ = l.State(ctx, "u1")
	if state.Count != 0 {
		t.Fatalf("count must not go negative, got %d", state.Count)
	}

	_, _ = l.Reserve(ctx, "u1")
	clock.Advance(11 * time.Minute)
	q, _ = l.Reserve(ctx, "u1")
	if err := l.Release(ctx, "u1", reserved); err != nil {
		t.Fatalf("release stale: %v", err)
	}
	state, _, _ = l.State(ctx, "u1")
	if state.Count != 1 {
		t.Fatalf("stale release must not refund new window, got %d", state.Count)
	}
	if q.Remaining != 2 {
		t.Fatalf("expected 2 remaining in new window, got %d", q.Remaining)
	}
}

func TestQuotaReserveRefusesAtLimit(t *testing.T) {
	l, _ := newTestQuota(t, 1, time.Minute)
	ctx := context.Background()
	if q, _ := l.Reserve(ctx, "u1"); !q.Allowed {
		t.Fatalf("first reserve should pass")
	}
	q, err := l.Reserve(ctx, "u1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if q.Allowed || q.Remaining != 0 {
		t.Fatalf("expected refusal, got %+v", q)
	}
	if other, _ := l.Reserve(ctx, "u2"); !other.Allowed {
		t.Fatalf("quota must be per user")
	}
}

func TestNewQuotaLimiterValidation(t *testing.T) {
	if _, err := NewQuotaLimiter(QuotaConfig{}); err == nil {
		t.Fatalf("expected error without client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewQuotaLimiter(QuotaConfig{Client: client, Limit: -1}); err == nil {
		t.Fatalf("expected error for negative limit")
	}
	l, err := NewQuotaLimiter(QuotaConfig{Client: client})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if l.Limit() != DefaultQuotaLimit || l.window != DefaultQuotaWindow {
		t.Fatalf("unexpected defaults: %d %v", l.Limit(), l.window)
	}
}
