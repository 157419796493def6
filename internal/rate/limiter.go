package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter tuning parameters. KeyPrefix namespaces every
// counter key so engines with distinct session prefixes on a shared Redis
// keep separate budgets.
type Config struct {
	KeyPrefix        string
	EnableIPThrottle bool
	MaxRequests      int
	RequestWindow    time.Duration
	MaxVerifies      int
	VerifyWindow     time.Duration
}

// Limiter enforces per-principal request and verification limits using
// Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.KeyPrefix != "" {
		cfg.KeyPrefix += ":"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// AllowRequest records a token request for the principal+scope pair and its
// originating IP, returning ErrRateLimited once either budget is spent.
func (l *Limiter) AllowRequest(ctx context.Context, principalID, scope, ip string) error {
	count, err := l.incrementWithTTL(ctx, l.requestKey(principalID, scope), l.config.RequestWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxRequests) {
		return ErrRateLimited
	}

	if l.config.EnableIPThrottle && ip != "" {
		count, err = l.incrementWithTTL(ctx, l.requestIPKey(ip), l.config.RequestWindow)
		if err != nil {
			return err
		}
		if count > int64(l.config.MaxRequests) {
			return ErrRateLimited
		}
	}

	return nil
}

// AllowVerify records a verification attempt by the principal. The budget is
// keyed by caller, not by session, so re-requesting a token never refreshes
// it and attempts against absent sessions still spend it.
func (l *Limiter) AllowVerify(ctx context.Context, principalID string) error {
	count, err := l.incrementWithTTL(ctx, l.verifyKey(principalID), l.config.VerifyWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxVerifies) {
		return ErrRateLimited
	}

	return nil
}

// ResetVerify clears the principal's verification counter. Called after a
// successful verification so the caller starts the next flow with a fresh
// budget.
func (l *Limiter) ResetVerify(ctx context.Context, principalID string) error {
	if err := l.redis.Del(ctx, l.verifyKey(principalID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func (l *Limiter) requestKey(principalID, scope string) string {
	return l.config.KeyPrefix + "tr:" + principalID + ":" + scope
}

func (l *Limiter) requestIPKey(ip string) string {
	return l.config.KeyPrefix + "tri:" + ip
}

func (l *Limiter) verifyKey(principalID string) string {
	return l.config.KeyPrefix + "tv:" + principalID
}
