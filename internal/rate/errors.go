package rate

import "errors"

var (
	// ErrRateLimited reports that a counter exceeded its window budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable reports a Redis transport or command failure.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
