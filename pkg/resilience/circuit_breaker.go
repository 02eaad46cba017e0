package resilience

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/taskhub/taskhub/pkg/observability"
)

// Circuit breaker errors returned to callers. Repository and cache code
// classifies these separately from the underlying operation error.
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

// Circuit breaker states
const (
	CircuitBreakerClosed   CircuitBreakerState = iota // Normal operation, requests allowed
	CircuitBreakerHalfOpen                            // Testing if the dependency recovered
	CircuitBreakerOpen                                // Tripped, requests blocked
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerHalfOpen:
		return "half-open"
	case CircuitBreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	FailureRatio        float64       // Failure ratio that trips the circuit
	MinimumRequestCount int           // Requests observed before the ratio applies
	SuccessThreshold    int           // Consecutive successes needed to close from half-open
	ResetTimeout        time.Duration // Time in open state before probing
	TimeoutThreshold    time.Duration // Per-request timeout applied by Execute
	Interval            time.Duration // Rolling window for failure counts in closed state
	MaxRequestsHalfOpen int           // Max concurrent probes in half-open state
}

// DefaultCircuitBreakerConfig returns conservative defaults suitable for
// database and cache dependencies.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRatio:        0.5,
		MinimumRequestCount: 10,
		SuccessThreshold:    5,
		ResetTimeout:        30 * time.Second,
		TimeoutThreshold:    10 * time.Second,
		Interval:            10 * time.Second,
		MaxRequestsHalfOpen: 10,
	}
}

// CircuitBreaker wraps a gobreaker instance with logging, metrics and
// context-aware execution.
type CircuitBreaker struct {
	name    string
	config  CircuitBreakerConfig
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
// State changes are logged and exported as metrics.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if config.FailureRatio <= 0 {
		config.FailureRatio = 0.5
	}
	if config.MinimumRequestCount <= 0 {
		config.MinimumRequestCount = 10
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	cb := &CircuitBreaker{
		name:    name,
		config:  config,
		logger:  logger.With(map[string]interface{}{"circuit_breaker": name}),
		metrics: metrics,
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxRequestsHalfOpen),
		Interval:    config.Interval,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(config.MinimumRequestCount) {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= config.FailureRatio
		},
		OnStateChange: cb.onStateChange,
	}
	cb.breaker = gobreaker.NewCircuitBreaker(settings)

	return cb
}

func (cb *CircuitBreaker) onStateChange(name string, from gobreaker.State, to gobreaker.State) {
	fromState := fromGobreakerState(from)
	toState := fromGobreakerState(to)

	cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"from": fromState.String(),
		"to":   toState.String(),
	})
	cb.metrics.IncrementCounterWithLabels("circuit_breaker_state_changes_total", 1, map[string]string{
		"name": name,
		"from": fromState.String(),
		"to":   toState.String(),
	})
	cb.metrics.RecordGauge("circuit_breaker_state", float64(toState), map[string]string{
		"name": name,
	})
}

// Execute runs fn through the circuit breaker. The configured timeout
// threshold bounds each attempt, and ctx cancellation is honored even while
// fn is still running.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if cb.config.TimeoutThreshold > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.TimeoutThreshold)
		defer cancel()
	}

	type outcome struct {
		result interface{}
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		result, err := cb.breaker.Execute(fn)
		resultCh <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.result, translateBreakerError(res.err)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return fromGobreakerState(cb.breaker.State())
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Counts returns the request counts tracked by the breaker.
func (cb *CircuitBreaker) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}

func fromGobreakerState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateClosed:
		return CircuitBreakerClosed
	case gobreaker.StateHalfOpen:
		return CircuitBreakerHalfOpen
	case gobreaker.StateOpen:
		return CircuitBreakerOpen
	default:
		return CircuitBreakerClosed
	}
}

func translateBreakerError(err error) error {
	switch err {
	case nil:
		return nil
	case gobreaker.ErrOpenState:
		return ErrCircuitOpen
	case gobreaker.ErrTooManyRequests:
		return ErrTooManyRequests
	default:
		return err
	}
}

// IsCircuitOpen reports whether err indicates the circuit rejected the call
// without running it.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests)
}
