package resilience

import (
	"sync"
	"time"

	"github.com/taskhub/taskhub/pkg/observability"
)

// CircuitBreakerServiceConfig defines circuit breaker configuration for a
// specific dependency, in the shape loaded from configuration files.
type CircuitBreakerServiceConfig struct {
	Enabled             bool          `mapstructure:"enabled" json:"enabled"`
	Interval            time.Duration `mapstructure:"interval" json:"interval"`
	Timeout             time.Duration `mapstructure:"timeout" json:"timeout"`
	FailureThreshold    float64       `mapstructure:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold    uint32        `mapstructure:"success_threshold" json:"success_threshold"`
	MinimumRequestCount uint32        `mapstructure:"minimum_request_count" json:"minimum_request_count"`
	MaxRequestsHalfOpen uint32        `mapstructure:"max_requests_half_open" json:"max_requests_half_open"`
}

// DefaultCircuitBreakerConfigs provides default configurations for the
// dependencies the orchestrator talks to.
var DefaultCircuitBreakerConfigs = map[string]CircuitBreakerServiceConfig{
	"postgres_db": {
		Enabled:             true,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    0.1,
		SuccessThreshold:    5,
		MinimumRequestCount: 20,
		MaxRequestsHalfOpen: 20,
	},
	"redis_cache": {
		Enabled:             true,
		Interval:            5 * time.Second,
		Timeout:             5 * time.Second,
		FailureThreshold:    0.2,
		SuccessThreshold:    10,
		MinimumRequestCount: 50,
		MaxRequestsHalfOpen: 100,
	},
	"event_store": {
		Enabled:             true,
		Interval:            10 * time.Second,
		Timeout:             15 * time.Second,
		FailureThreshold:    0.3,
		SuccessThreshold:    5,
		MinimumRequestCount: 10,
		MaxRequestsHalfOpen: 10,
	},
	"context_cache": {
		Enabled:             true,
		Interval:            10 * time.Second,
		Timeout:             20 * time.Second,
		FailureThreshold:    0.4,
		SuccessThreshold:    5,
		MinimumRequestCount: 15,
		MaxRequestsHalfOpen: 15,
	},
	"token_validator": {
		Enabled:             true,
		Interval:            5 * time.Second,
		Timeout:             15 * time.Second,
		FailureThreshold:    0.5,
		SuccessThreshold:    5,
		MinimumRequestCount: 20,
		MaxRequestsHalfOpen: 20,
	},
}

// ToCircuitBreakerConfig converts service config to CircuitBreakerConfig
func (c CircuitBreakerServiceConfig) ToCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRatio:        c.FailureThreshold,
		MinimumRequestCount: int(c.MinimumRequestCount),
		SuccessThreshold:    int(c.SuccessThreshold),
		ResetTimeout:        c.Timeout,
		TimeoutThreshold:    c.Timeout,
		Interval:            c.Interval,
		MaxRequestsHalfOpen: int(c.MaxRequestsHalfOpen),
	}
}

// CircuitBreakerRegistry manages circuit breakers for all dependencies.
// Safe for concurrent use.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	configs  map[string]CircuitBreakerServiceConfig
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry seeded
// with the default configurations.
func NewCircuitBreakerRegistry(logger observability.Logger, metrics observability.MetricsClient) *CircuitBreakerRegistry {
	registry := &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]CircuitBreakerServiceConfig),
		logger:   logger,
		metrics:  metrics,
	}

	for service, config := range DefaultCircuitBreakerConfigs {
		registry.configs[service] = config
	}

	return registry
}

// GetOrCreate gets an existing circuit breaker or creates a new one from the
// registered configuration, falling back to defaults for unknown names.
func (r *CircuitBreakerRegistry) GetOrCreate(serviceName string) *CircuitBreaker {
	r.mu.RLock()
	breaker, exists := r.breakers[serviceName]
	r.mu.RUnlock()
	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, exists := r.breakers[serviceName]; exists {
		return breaker
	}

	config, exists := r.configs[serviceName]
	if !exists {
		config = CircuitBreakerServiceConfig{
			Enabled:             true,
			Interval:            10 * time.Second,
			Timeout:             30 * time.Second,
			FailureThreshold:    0.5,
			SuccessThreshold:    5,
			MinimumRequestCount: 10,
			MaxRequestsHalfOpen: 10,
		}
	}

	breaker = NewCircuitBreaker(serviceName, config.ToCircuitBreakerConfig(), r.logger, r.metrics)
	r.breakers[serviceName] = breaker

	return breaker
}

// UpdateConfig updates the configuration for a service. An existing breaker
// is recreated so the new settings take effect.
func (r *CircuitBreakerRegistry) UpdateConfig(serviceName string, config CircuitBreakerServiceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs[serviceName] = config
	if _, exists := r.breakers[serviceName]; exists {
		r.breakers[serviceName] = NewCircuitBreaker(serviceName, config.ToCircuitBreakerConfig(), r.logger, r.metrics)
	}
}

// States returns the current state of every registered circuit breaker,
// keyed by name. Used by the readiness endpoint.
func (r *CircuitBreakerRegistry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]string, len(r.breakers))
	for name, breaker := range r.breakers {
		states[name] = breaker.State().String()
	}
	return states
}
