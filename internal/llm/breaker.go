package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rendis/orca/pkg/schema"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls pass
	CircuitOpen                         // calls rejected until cooldown ends
	CircuitHalfOpen                     // one probe call allowed
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

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
}

// DefaultBreakerConfig opens after 5 failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker stops calling a failing provider for a while. Only transient
// failures count; a rejected prompt says nothing about provider health.
type Breaker struct {
	next   Completer
	config BreakerConfig
	now    func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

// WithBreaker wraps c with a circuit breaker.
func WithBreaker(c Completer, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{next: c, config: cfg, now: time.Now}
}

// Complete forwards to the wrapped Completer unless the circuit is open.
func (b *Breaker) Complete(ctx context.Context, prompt string) (string, error) {
	if err := b.allow(); err != nil {
		return "", err
	}
	out, err := b.next.Complete(ctx, prompt)
	b.record(err)
	return out, err
}

// State reports the current state, moving open to half-open once the
// cooldown has passed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

func (b *Breaker) refresh() {
	if b.state == CircuitOpen && b.now().Sub(b.lastFailure) >= b.config.Cooldown {
		b.state = CircuitHalfOpen
		b.probing = false
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case CircuitOpen:
		remaining := b.config.Cooldown - b.now().Sub(b.lastFailure)
		return schema.NewErrorf(schema.ErrCodeLLM,
			"llm circuit open after %d consecutive failures", b.failures).
			WithDetails(map[string]any{
				"state":              b.state.String(),
				"cooldown_remaining": remaining.String(),
			})
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewError(schema.ErrCodeLLM, "llm circuit half-open: probe in flight")
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		b.probing = false
		return
	}
	if err == nil || !Transient(err) {
		// A definitive answer proves the provider is reachable.
		b.failures = 0
		b.state = CircuitClosed
		b.probing = false
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == CircuitHalfOpen || b.failures >= b.config.FailureThreshold {
		b.state = CircuitOpen
		b.probing = false
	}
}
