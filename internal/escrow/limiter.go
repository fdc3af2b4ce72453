package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultAttemptLimit  = 5
	defaultAttemptWindow = time.Minute
	memoryPruneInterval  = 256
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// AttemptLimiter counts lock attempts per key over a sliding window.
// Implementations must be safe for concurrent use.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// LimiterConfig describes a sliding window.
type LimiterConfig struct {
	Limit  int
	Window time.Duration
}

func (config LimiterConfig) withDefaults() LimiterConfig {
	if config.Limit <= 0 {
		config.Limit = defaultAttemptLimit
	}
	if config.Window <= 0 {
		config.Window = defaultAttemptWindow
	}
	return config
}

type attemptWindow struct {
	mu       sync.Mutex
	attempts []time.Time
}

// MemoryLimiter keeps windows in process memory. It suits single-instance deployments and tests.
type MemoryLimiter struct {
	config  LimiterConfig
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*attemptWindow
	calls   int
}

// NewMemoryLimiter builds a MemoryLimiter. A nil clock defaults to time.Now.
func NewMemoryLimiter(config LimiterConfig, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		config:  config.withDefaults(),
		now:     now,
		windows: make(map[string]*attemptWindow),
	}
}

// Allow records an attempt for key unless the window is full.
func (limiter *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, fmt.Errorf("%w: empty limiter key", ErrInvalidRequest)
	}
	now := limiter.now()
	window := limiter.windowFor(key, now)

	window.mu.Lock()
	defer window.mu.Unlock()
	window.attempts = dropBefore(window.attempts, now.Add(-limiter.config.Window))
	if len(window.attempts) >= limiter.config.Limit {
		return Decision{
			Allowed:    false,
			RetryAfter: window.attempts[0].Add(limiter.config.Window).Sub(now),
		}, nil
	}
	window.attempts = append(window.attempts, now)
	return Decision{Allowed: true, Remaining: limiter.config.Limit - len(window.attempts)}, nil
}

// Reset forgets every attempt recorded for key.
func (limiter *MemoryLimiter) Reset(key string) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	delete(limiter.windows, key)
}

func (limiter *MemoryLimiter) windowFor(key string, now time.Time) *attemptWindow {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	limiter.calls++
	if limiter.calls%memoryPruneInterval == 0 {
		limiter.pruneLocked(now)
	}
	window, ok := limiter.windows[key]
	if !ok {
		window = &attemptWindow{}
		limiter.windows[key] = window
	}
	return window
}

func (limiter *MemoryLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-limiter.config.Window)
	for key, window := range limiter.windows {
		window.mu.Lock()
		expired := len(window.attempts) == 0 || !window.attempts[len(window.attempts)-1].After(cutoff)
		window.mu.Unlock()
		if expired {
			delete(limiter.windows, key)
		}
	}
}

func dropBefore(attempts []time.Time, cutoff time.Time) []time.Time {
	index := 0
	for index < len(attempts) && !attempts[index].After(cutoff) {
		index++
	}
	return attempts[index:]
}
