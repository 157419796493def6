package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return New(client, cfg), mr, func() { mr.Close() }
}

func TestAllowRequestWindow(t *testing.T) {
	limiter, mr, done := newTestLimiter(t, Config{
		MaxRequests:   2,
		RequestWindow: time.Minute,
		MaxVerifies:   5,
		VerifyWindow:  time.Minute,
	})
	defer done()

	for i := 0; i < 2; i++ {
		if err := limiter.AllowRequest(context.Background(), "alice", "0", ""); err != nil {
			t.Fatalf("request %d should be allowed: %v", i, err)
		}
	}
	if err := limiter.AllowRequest(context.Background(), "alice", "0", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// A different scope has its own budget.
	if err := limiter.AllowRequest(context.Background(), "alice", "payment", ""); err != nil {
		t.Fatalf("different scope should be allowed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if err := limiter.AllowRequest(context.Background(), "alice", "0", ""); err != nil {
		t.Fatalf("expected fresh window after expiry: %v", err)
	}
}

func TestAllowRequestIPThrottle(t *testing.T) {
	limiter, _, done := newTestLimiter(t, Config{
		EnableIPThrottle: true,
		MaxRequests:      2,
		RequestWindow:    time.Minute,
		MaxVerifies:      5,
		VerifyWindow:     time.Minute,
	})
	defer done()

	// Distinct principals sharing one address burn the IP budget together.
	if err := limiter.AllowRequest(context.Background(), "alice", "0", "203.0.113.7"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	if err := limiter.AllowRequest(context.Background(), "bob", "0", "203.0.113.7"); err != nil {
		t.Fatalf("second request should be allowed: %v", err)
	}
	if err := limiter.AllowRequest(context.Background(), "carol", "0", "203.0.113.7"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited for shared IP, got %v", err)
	}
}

func TestAllowVerifyAndReset(t *testing.T) {
	limiter, _, done := newTestLimiter(t, Config{
		MaxRequests:   5,
		RequestWindow: time.Minute,
		MaxVerifies:   2,
		VerifyWindow:  time.Minute,
	})
	defer done()

	for i := 0; i < 2; i++ {
		if err := limiter.AllowVerify(context.Background(), "alice"); err != nil {
			t.Fatalf("verify %d should be allowed: %v", i, err)
		}
	}
	if err := limiter.AllowVerify(context.Background(), "alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Another principal keeps its own budget.
	if err := limiter.AllowVerify(context.Background(), "bob"); err != nil {
		t.Fatalf("expected bob to be unaffected: %v", err)
	}

	if err := limiter.ResetVerify(context.Background(), "alice"); err != nil {
		t.Fatalf("ResetVerify failed: %v", err)
	}
	if err := limiter.AllowVerify(context.Background(), "alice"); err != nil {
		t.Fatalf("expected fresh budget after reset: %v", err)
	}
}

func TestLimiterKeyPrefixIsolation(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := Config{
		MaxRequests:   1,
		RequestWindow: time.Minute,
		MaxVerifies:   1,
		VerifyWindow:  time.Minute,
	}
	cfg.KeyPrefix = "app1"
	first := New(client, cfg)
	cfg.KeyPrefix = "app2"
	second := New(client, cfg)

	// Two deployments sharing one Redis must not share counters.
	if err := first.AllowRequest(context.Background(), "alice", "0", ""); err != nil {
		t.Fatalf("first namespace should be allowed: %v", err)
	}
	if err := first.AllowRequest(context.Background(), "alice", "0", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited in first namespace, got %v", err)
	}
	if err := second.AllowRequest(context.Background(), "alice", "0", ""); err != nil {
		t.Fatalf("second namespace should be unaffected: %v", err)
	}

	if err := first.AllowVerify(context.Background(), "alice"); err != nil {
		t.Fatalf("first namespace verify should be allowed: %v", err)
	}
	if err := second.AllowVerify(context.Background(), "alice"); err != nil {
		t.Fatalf("second namespace verify should be unaffected: %v", err)
	}
}

func TestLimiterReportsBackendFailure(t *testing.T) {
	limiter, _, done := newTestLimiter(t, Config{
		MaxRequests:   5,
		RequestWindow: time.Minute,
		MaxVerifies:   5,
		VerifyWindow:  time.Minute,
	})
	done()

	if err := limiter.AllowRequest(context.Background(), "alice", "0", ""); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
