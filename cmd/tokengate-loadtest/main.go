// Command tokengate-loadtest measures token request and verification
// throughput against a real or embedded Redis.
//
// It seeds a set of principals, drives concurrent RequestToken calls with a
// capturing in-process factor, then verifies every outstanding token and
// reports latency percentiles per phase.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	tokengate "github.com/tokengate/tokengate"
)

type principalState struct {
	id    string
	token string
	mu    sync.Mutex
}

type loadDirectory struct{}

func (loadDirectory) GetFactorPreference(_ context.Context, principalID string) (tokengate.ContactPreference, error) {
	return tokengate.ContactPreference{
		Contact: principalID + "@loadtest.invalid",
		Factor:  "capture",
	}, nil
}

func main() {
	var (
		principals  = flag.Int("principals", 10000, "number of principals to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "request operations before the verify phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "tg", "session key prefix")
	)
	flag.Parse()

	if *principals <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "principals, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  *redis.Client
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	states := make([]principalState, *principals)
	for i := range states {
		states[i].id = fmt.Sprintf("p-%d", i)
	}

	cfg := tokengate.DefaultConfig()
	cfg.Session.RedisPrefix = *prefix
	cfg.Session.Expiry = time.Hour
	// The point is store throughput, not throttling.
	cfg.RateLimit.Exempt = func(string) bool { return true }

	// Delivery runs synchronously inside RequestToken, so by the time it
	// returns the captured token for the contact is current.
	var captured sync.Map
	engine, err := tokengate.New().
		WithConfig(cfg).
		WithRedis(client).
		WithContactDirectory(loadDirectory{}).
		WithFactor("capture", tokengate.FactorConfig{
			Send: func(_ context.Context, contact, token string, _ tokengate.FactorSettings) error {
				captured.Store(contact, token)
				return nil
			},
		}).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	requestStats := runRequestPhase(ctx, engine, &captured, states, *ops, *concurrency)
	verifyStats := runVerifyPhase(ctx, engine, states, *concurrency)

	fmt.Println("---- results ----")
	printStats("request", requestStats)
	printStats("verify", verifyStats)
}

// runRequestPhase fires ops RequestToken calls across random principals.
// Each state tracks its latest token, since a re-request displaces the
// earlier session.
func runRequestPhase(ctx context.Context, engine *tokengate.Engine, captured *sync.Map, states []principalState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(states))
				state := &states[idx]
				contact := state.id + "@loadtest.invalid"

				state.mu.Lock()
				t0 := time.Now()
				_, err := engine.RequestToken(ctx, state.id, "load")
				d := time.Since(t0)
				if err == nil {
					if token, ok := captured.Load(contact); ok {
						state.token = token.(string)
					}
				} else {
					atomic.AddInt64(&failures, 1)
				}
				state.mu.Unlock()

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

// runVerifyPhase consumes every outstanding token exactly once.
func runVerifyPhase(ctx context.Context, engine *tokengate.Engine, states []principalState, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, len(states))
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(states) {
					return
				}
				state := &states[i]
				if state.token == "" {
					continue
				}

				t0 := time.Now()
				ok, err := engine.VerifyToken(ctx, state.id, "load", state.token)
				d := time.Since(t0)
				if err != nil || !ok {
					atomic.AddInt64(&failures, 1)
				}

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
