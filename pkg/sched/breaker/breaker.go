// Package breaker implements a per-provider three-state circuit breaker
// (Closed/Open/HalfOpen) wrapping calls to a pipeline instance, following
// the state machine in spec §4.2. Grounded on the teacher's
// pkg/proxy.CircuitBreaker (state/threshold/timeout shape) and
// pkg/scheduler/fault_tolerance.Circuit (state-change bookkeeping),
// generalized into a self-contained, callable guard.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker's current state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen is returned by Allow when the breaker rejects a call outright.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           // Closed -> Open after this many consecutive failures
	RecoveryTimeout  time.Duration // Open -> HalfOpen after this long
	// IsExempt, when set, reports whether an observed failure category
	// should NOT count toward FailureThreshold (spec's "allow-list of
	// exception categories").
	IsExempt func(category string) bool
}

// DefaultConfig matches spec defaults: failureThreshold=5, recoveryTimeout=60s.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// Breaker is one provider's circuit breaker. Safe for concurrent use;
// state transitions are linearizable per instance.
type Breaker struct {
	mu               sync.Mutex
	cfg              Config
	state            State
	failureCount     int
	lastFailureTime  time.Time
	recoveryDeadline time.Time
	halfOpenInFlight bool
}

// New creates a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed right now. When the breaker is
// Open and the recovery deadline has passed, Allow transitions to
// HalfOpen and admits exactly one probe call; concurrent callers during
// that window are rejected until the probe resolves via Success/Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		if b.halfOpenInFlight {
			return ErrOpen
		}
		b.halfOpenInFlight = true
		return nil
	case Open:
		if time.Now().Before(b.recoveryDeadline) {
			return ErrOpen
		}
		b.state = HalfOpen
		b.halfOpenInFlight = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call. From HalfOpen this closes the
// breaker and resets counters; from Closed it's a no-op.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failureCount = 0
		b.halfOpenInFlight = false
	case Closed:
		b.failureCount = 0
	}
}

// Failure records a failed call, optionally tagged with an exempt
// category that should not count toward the threshold. From Closed,
// increments the failure count and opens the breaker at threshold. From
// HalfOpen, any failure reopens the breaker with a refreshed deadline.
func (b *Breaker) Failure(category string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.IsExempt != nil && b.cfg.IsExempt(category) {
		return
	}

	b.lastFailureTime = time.Now()

	switch b.state {
	case HalfOpen:
		b.open()
		b.halfOpenInFlight = false
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.open()
		}
	case Open:
		// Shouldn't normally observe a Failure while Open since Allow
		// rejects first, but keep the deadline fresh defensively.
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = Open
	b.recoveryDeadline = time.Now().Add(b.cfg.RecoveryTimeout)
}

// State returns the current state (lock-free read per spec §5 is
// approximated here with a brief critical section for correctness).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecoveryDeadline returns the time at which an Open breaker becomes
// eligible for a HalfOpen probe.
func (b *Breaker) RecoveryDeadline() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recoveryDeadline
}

// FailureCount returns the current consecutive-failure count (meaningful
// while Closed).
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Registry owns one Breaker per provider/instance key.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry that lazily creates breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns (creating if needed) the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}
