package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter against a local Redis test database.
// Tests are skipped if Redis is unavailable.
func newTestLimiter(t *testing.T) (*Limiter, context.Context) {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	client.FlushDB(ctx)

	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})

	return NewLimiter(client), ctx
}

func TestAllow_BlocksAfterLimit(t *testing.T) {
	l, ctx := newTestLimiter(t)
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "id-1", rule)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow #%d: expected allowed", i)
		}
	}

	ok, err := l.Allow(ctx, "id-1", rule)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("expected fourth request to be rate limited")
	}

	// Other identifiers have their own window.
	ok, _ = l.Allow(ctx, "id-2", rule)
	if !ok {
		t.Fatal("expected a different identifier to be allowed")
	}

	if d := l.RetryAfter(ctx, "id-1", rule); d <= 0 || d > time.Minute {
		t.Errorf("expected retry-after within the window, got %v", d)
	}
}

func TestRemaining(t *testing.T) {
	l, ctx := newTestLimiter(t)
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 2, Window: time.Minute}

	n, err := l.Remaining(ctx, "fresh", rule)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 remaining, got %d (err=%v)", n, err)
	}

	for i := 0; i < 5; i++ {
		_, _ = l.Allow(ctx, "busy", rule)
	}
	n, _ = l.Remaining(ctx, "busy", rule)
	if n != 0 {
		t.Errorf("expected 0 remaining, got %d", n)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	ok, err := NewLimiter(client).Allow(context.Background(), "x", RuleMessage)
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if !ok {
		t.Fatal("expected fail-open to allow the request")
	}
}
