package builtin

import (
	"sync"
	"time"

	"github.com/rendis/opgraph/pkg/schema"
)

// CircuitState is the state of one host's circuit.
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

// BreakerConfig configures per-host circuit breaking for the http kind.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold int
	// Cooldown is how long a circuit stays open before letting a probe through.
	Cooldown time.Duration
	// HalfOpenMax caps concurrent probes while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker settings used by the CLI.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breakers tracks one circuit per key (the http kind keys by URL host).
// The zero value is not usable; call NewBreakers.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreakers creates a breaker set. Non-positive settings fall back to defaults.
func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{cfg: cfg, now: time.Now, circuits: make(map[string]*circuit)}
}

// Allow returns a CIRCUIT_OPEN error when calls to key are currently rejected.
func (b *Breakers) Allow(key string) error {
	c := b.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitOpen:
		elapsed := b.now().Sub(c.lastFailure)
		if elapsed >= b.cfg.Cooldown {
			c.state = CircuitHalfOpen
			c.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit open for %q after %d consecutive failures", key, c.failures).
			WithDetails(map[string]any{
				"host":                 key,
				"consecutive_failures": c.failures,
				"cooldown_remaining":   (b.cfg.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if c.halfOpenAttempts >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %q: probe in flight", key)
		}
		c.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for key.
func (b *Breakers) RecordSuccess(key string) {
	c := b.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.halfOpenAttempts = 0
	c.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (b *Breakers) RecordFailure(key string) CircuitState {
	c := b.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = b.now()
	if c.state == CircuitHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state = CircuitOpen
	}
	return c.state
}

// State reports the circuit state for key without consuming a probe.
func (b *Breakers) State(key string) CircuitState {
	c := b.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen && b.now().Sub(c.lastFailure) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return c.state
}

func (b *Breakers) get(key string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}
