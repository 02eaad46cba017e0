package auth

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskhub/taskhub/pkg/observability"
)

// Sliding windows enforced per rate-limit key.
const (
	burstWindow  = 10 * time.Second
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// RateLimiterConfig sets the per-key request ceilings.
type RateLimiterConfig struct {
	PerMinute int // default 100, overridable per token
	Burst     int // default 20 per 10s
	PerHour   int // default 1000
}

// DefaultRateLimiterConfig returns the standard ceilings.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{PerMinute: 100, Burst: 20, PerHour: 1000}
}

// RateLimitError reports which window rejected a call and when it is worth
// retrying. errors.Is matches it against ErrRateLimited.
type RateLimitError struct {
	Window     string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per %s window", e.Limit, e.Window)
}

// Is lets callers match with errors.Is(err, ErrRateLimited).
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RateLimiter enforces sliding-window limits keyed by token hash (or user
// for session auth). Timestamps are only appended for accepted calls, so a
// rejected burst does not extend the lockout.
type RateLimiter struct {
	cfg     RateLimiterConfig
	metrics observability.MetricsClient

	mu   sync.Mutex // guards the keys map, never held across a window check
	keys map[string]*keyWindow
}

type keyWindow struct {
	mu       sync.Mutex
	times    []time.Time // ascending, trimmed to the last hour
	lastSeen time.Time
}

// NewRateLimiter creates a limiter with the given ceilings; zero values fall
// back to the defaults.
func NewRateLimiter(cfg RateLimiterConfig, metrics observability.MetricsClient) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = def.PerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = def.PerHour
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &RateLimiter{
		cfg:     cfg,
		metrics: metrics,
		keys:    make(map[string]*keyWindow),
	}
}

// Allow admits or rejects one call for the key. perMinuteOverride replaces
// the default minute ceiling when positive.
func (l *RateLimiter) Allow(key string, perMinuteOverride int) error {
	return l.allowAt(key, perMinuteOverride, time.Now())
}

func (l *RateLimiter) allowAt(key string, perMinuteOverride int, now time.Time) error {
	w := l.window(key)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now

	// Drop entries older than the longest window.
	cutoff := now.Add(-hourWindow)
	i := sort.Search(len(w.times), func(i int) bool { return w.times[i].After(cutoff) })
	n := copy(w.times, w.times[i:])
	w.times = w.times[:n]

	perMinute := l.cfg.PerMinute
	if perMinuteOverride > 0 {
		perMinute = perMinuteOverride
	}

	checks := []struct {
		name  string
		span  time.Duration
		limit int
	}{
		{"minute", minuteWindow, perMinute},
		{"burst", burstWindow, l.cfg.Burst},
		{"hour", hourWindow, l.cfg.PerHour},
	}
	for _, c := range checks {
		if err := w.check(c.name, c.span, c.limit, now); err != nil {
			l.metrics.IncrementCounterWithLabels("auth_rate_limited", 1, map[string]string{"window": c.name})
			return err
		}
	}

	w.times = append(w.times, now)
	return nil
}

// check rejects when the window already holds limit accepted calls. Must be
// called with w.mu held and w.times trimmed.
func (w *keyWindow) check(name string, span time.Duration, limit int, now time.Time) error {
	cutoff := now.Add(-span)
	i := sort.Search(len(w.times), func(i int) bool { return w.times[i].After(cutoff) })
	count := len(w.times) - i
	if count < limit {
		return nil
	}
	// Admissible again once enough of the oldest in-window calls expire.
	expires := w.times[i+count-limit].Add(span)
	retry := expires.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return &RateLimitError{Window: name, Limit: limit, RetryAfter: retry}
}

func (l *RateLimiter) window(key string) *keyWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.keys[key]
	if !ok {
		w = &keyWindow{}
		l.keys[key] = w
	}
	return w
}

// Sweep removes keys idle for longer than an hour and returns how many were
// dropped. Run it periodically so one-off tokens do not accumulate.
func (l *RateLimiter) Sweep() int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.keys {
		w.mu.Lock()
		idle := now.Sub(w.lastSeen) > hourWindow
		w.mu.Unlock()
		if idle {
			delete(l.keys, key)
			removed++
		}
	}
	return removed
}
