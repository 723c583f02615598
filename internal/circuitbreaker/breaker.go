// Package circuitbreaker guards outbound processor calls with a
// closed → open → half-open circuit per operation.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit state for one operation.
type State int

const (
	StateClosed   State = iota // Normal: calls flow through
	StateOpen                  // Tripped: calls are rejected
	StateHalfOpen              // Probing: one call allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketpay",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by operation, from-state, and to-state.",
}, []string{"operation", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per operation and trips open when
// they exceed the threshold. After openDuration the circuit moves to
// half-open and admits a single probe call.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
}

// New creates a breaker that opens after threshold consecutive failures
// and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// Allow reports whether a call for the operation should proceed. An open
// circuit whose openDuration elapsed transitions to half-open and admits
// the caller as a probe.
func (b *Breaker) Allow(operation string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[operation]
	if !ok {
		return true
	}

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.lastFailure) >= b.openDuration {
			b.transition(c, operation, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// A probe is already in flight.
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[operation]
	if !ok {
		return
	}
	c.failures = 0
	if c.state != StateClosed {
		b.transition(c, operation, StateClosed)
	}
}

// RecordFailure counts a failed call. A half-open probe failure or
// reaching the threshold trips the circuit open.
func (b *Breaker) RecordFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[operation]
	if !ok {
		c = &circuit{}
		b.circuits[operation] = c
	}
	c.failures++
	c.lastFailure = time.Now()

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		b.transition(c, operation, StateOpen)
	}
}

// State returns the current circuit state for the operation.
func (b *Breaker) State(operation string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[operation]; ok {
		return c.state
	}
	return StateClosed
}

func (b *Breaker) transition(c *circuit, operation string, to State) {
	from := c.state
	c.state = to
	stateTransitions.WithLabelValues(operation, from.String(), to.String()).Inc()
}
