// Package resilience keeps the LLM path alive when a backend misbehaves.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops hammering a failing backend. [Failover] chains several [llm.Provider]
// backends behind per-backend breakers and presents them as a single provider,
// so the mention escalator and response generator get failover without knowing
// about it.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and the
// cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: circuit open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all calls. Normal operation.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrBreakerOpen] until the cooldown
	// elapses.
	BreakerOpen

	// BreakerHalfOpen lets a limited number of probe calls through. Probes
	// decide whether the breaker closes again or re-opens.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultTripAfter   = 5
	defaultCooldown    = 30 * time.Second
	defaultProbeBudget = 3
)

// BreakerOption tunes a [Breaker].
type BreakerOption func(*Breaker)

// WithTripAfter sets how many consecutive failures open the breaker.
// Default: 5.
func WithTripAfter(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.tripAfter = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before allowing probe
// calls. Default: 30s.
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithProbeBudget sets how many probe calls the half-open state permits.
// The breaker closes once that many probes succeed. Default: 3.
func WithProbeBudget(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.probeBudget = n
		}
	}
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	tripAfter   int
	cooldown    time.Duration
	probeBudget int

	mu         sync.Mutex
	state      BreakerState
	failures   int
	trippedAt  time.Time
	probes     int
	probeFails int
}

// NewBreaker creates a closed [Breaker]. The name appears in log messages.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:        name,
		tripAfter:   defaultTripAfter,
		cooldown:    defaultCooldown,
		probeBudget: defaultProbeBudget,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn if the breaker allows it. In the open state it returns
// [ErrBreakerOpen] without calling fn. In the half-open state only the probe
// budget's worth of calls get through.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.trippedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("circuit half-open", "breaker", b.name)

	case BreakerHalfOpen:
		if b.probes >= b.probeBudget {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	probing := b.state == BreakerHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.fail(probing)
	} else {
		b.succeed(probing)
	}
	return err
}

// fail records a failed call. Must be called with b.mu held.
func (b *Breaker) fail(probing bool) {
	b.trippedAt = time.Now()

	if probing {
		// One failed probe is enough to re-open.
		b.probeFails++
		b.state = BreakerOpen
		b.failures = b.tripAfter
		slog.Warn("circuit re-opened", "breaker", b.name)
		return
	}

	b.failures++
	if b.failures >= b.tripAfter {
		b.state = BreakerOpen
		slog.Warn("circuit opened", "breaker", b.name, "failures", b.failures)
	}
}

// succeed records a successful call. Must be called with b.mu held.
func (b *Breaker) succeed(probing bool) {
	if !probing {
		b.failures = 0
		return
	}
	if b.probes-b.probeFails >= b.probeBudget {
		b.state = BreakerClosed
		b.failures = 0
		b.probes = 0
		b.probeFails = 0
		slog.Info("circuit closed", "breaker", b.name)
	}
}

// State reports the breaker's state. An open breaker whose cooldown has
// elapsed reports [BreakerHalfOpen]; the actual transition happens on the
// next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.trippedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [BreakerClosed] and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
	slog.Info("circuit reset", "breaker", b.name)
}
