package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/genchain/pkg/schema"
)

// CircuitState is the state of one provider's circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig is the per-provider breaker policy. A circuit opens
// after FailureThreshold consecutive retryable failures and admits
// HalfOpenMax probes once Cooldown has elapsed.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	HalfOpenMax      int           `mapstructure:"half_open_max"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker is the state of one provider's circuit.
type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// refresh moves an open circuit to half-open once the cooldown has passed.
func (b *breaker) refresh(now time.Time, cooldown time.Duration) {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= cooldown {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
}

// CircuitBreakerRegistry keeps one breaker per provider so a failing
// provider does not block dispatch to the others.
type CircuitBreakerRegistry struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
	onOpen   func(provider string, failures int)
}

func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{cfg: cfg, now: time.Now, breakers: make(map[string]*breaker)}
}

// OnOpen registers a callback fired whenever a provider's circuit opens.
func (r *CircuitBreakerRegistry) OnOpen(fn func(provider string, failures int)) {
	r.mu.Lock()
	r.onOpen = fn
	r.mu.Unlock()
}

// AllowRequest returns nil if a call to the provider may proceed, or a
// CIRCUIT_OPEN error. In half-open state it admits HalfOpenMax probes.
func (r *CircuitBreakerRegistry) AllowRequest(provider string) error {
	b := r.breaker(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	b.refresh(now, r.cfg.Cooldown)
	switch {
	case b.state == CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for provider %q after %d consecutive failures", provider, b.failures).
			WithDetails(map[string]any{
				"provider":             provider,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (r.cfg.Cooldown - now.Sub(b.openedAt)).String(),
			})
	case b.state == CircuitHalfOpen && b.probes >= r.cfg.HalfOpenMax:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit half-open for provider %q: probe already in flight", provider)
	case b.state == CircuitHalfOpen:
		b.probes++
	}
	return nil
}

// RecordSuccess closes the provider's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(provider string) {
	b := r.breaker(provider)
	b.mu.Lock()
	b.state, b.failures, b.probes = CircuitClosed, 0, 0
	b.mu.Unlock()
}

// RecordFailure counts a failure and returns the resulting state. A failed
// half-open probe reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(provider string) CircuitState {
	b := r.breaker(provider)
	b.mu.Lock()
	b.failures++
	wasOpen := b.state == CircuitOpen
	if b.state == CircuitHalfOpen || b.failures >= r.cfg.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	state, failures := b.state, b.failures
	b.mu.Unlock()

	if state == CircuitOpen && !wasOpen {
		r.mu.Lock()
		fn := r.onOpen
		r.mu.Unlock()
		if fn != nil {
			fn(provider, failures)
		}
	}
	return state
}

// State returns the current state of a provider's circuit.
func (r *CircuitBreakerRegistry) State(provider string) CircuitState {
	b := r.breaker(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(r.now(), r.cfg.Cooldown)
	return b.state
}

// Do runs fn behind the provider's breaker. Only retryable failures count
// against the circuit; a rejected request says nothing about provider health.
func (r *CircuitBreakerRegistry) Do(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	if err := r.AllowRequest(provider); err != nil {
		return err
	}
	err := fn(ctx)
	if IsRetryableError(err) {
		r.RecordFailure(provider)
	} else {
		r.RecordSuccess(provider)
	}
	return err
}

func (r *CircuitBreakerRegistry) breaker(provider string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.breakers[provider]
	if b == nil {
		b = &breaker{}
		r.breakers[provider] = b
	}
	return b
}
