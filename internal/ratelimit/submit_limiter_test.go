package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, capacity int, refill float64) *SubmitLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSubmitLimiter(client, capacity, refill, time.Minute)
}

func TestAllowWorkerExhaustsBurst(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, 2, 0)

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.AllowWorker(ctx, "w1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("submission %d denied with tokens remaining", i)
		}
	}

	allowed, remaining, err := limiter.AllowWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("submission allowed with empty bucket")
	}
	if remaining >= 1 {
		t.Fatalf("remaining = %f, want < 1", remaining)
	}
}

func TestAllowWorkerRefills(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, 1, 100)

	if allowed, _, err := limiter.AllowWorker(ctx, "w1"); err != nil || !allowed {
		t.Fatalf("first submission: allowed=%v err=%v", allowed, err)
	}

	time.Sleep(50 * time.Millisecond)
	if allowed, _, err := limiter.AllowWorker(ctx, "w1"); err != nil || !allowed {
		t.Fatalf("submission after refill: allowed=%v err=%v", allowed, err)
	}
}

func TestAllowWorkerBucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, 1, 0)

	if allowed, _, _ := limiter.AllowWorker(ctx, "w1"); !allowed {
		t.Fatal("w1 first submission denied")
	}
	if allowed, _, _ := limiter.AllowWorker(ctx, "w1"); allowed {
		t.Fatal("w1 second submission allowed with empty bucket")
	}
	if allowed, _, _ := limiter.AllowWorker(ctx, "w2"); !allowed {
		t.Fatal("w2 submission denied by w1's bucket")
	}
}
