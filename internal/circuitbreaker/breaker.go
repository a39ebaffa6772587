// Package circuitbreaker guards upstream capability backends. Each backend
// gets its own closed → open → half-open circuit so one dead renderer does
// not hold every render call for the full backend timeout.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for a backend is open.
var ErrOpen = errors.New("circuitbreaker: backend unavailable")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls rejected without reaching the backend
	StateHalfOpen              // one probe in flight
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

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chadgate",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Backend circuit transitions by backend, from-state, and to-state.",
}, []string{"backend", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per backend name.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// New creates a breaker that opens a backend's circuit after threshold
// consecutive failures and probes again after openDuration.
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
		now:          time.Now,
	}
}

// Do runs fn unless the backend's circuit is open. Errors from fn count as
// failures unless ignore reports true for them (caller errors such as a
// 4xx from the backend say nothing about its health).
func (b *Breaker) Do(backend string, fn func() error, ignore func(error) bool) error {
	if !b.Allow(backend) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (ignore == nil || !ignore(err)) {
		b.RecordFailure(backend)
		return err
	}
	b.RecordSuccess(backend)
	return err
}

// Allow reports whether a call to backend may proceed. An open circuit whose
// cool-down has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(backend string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[backend]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.openDuration {
			b.transition(backend, c, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes a half-open circuit and clears the failure count.
func (b *Breaker) RecordSuccess(backend string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[backend]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(backend, c, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// immediately when a half-open probe fails.
func (b *Breaker) RecordFailure(backend string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[backend]
	if !ok {
		c = &circuit{}
		b.circuits[backend] = c
	}
	c.failures++

	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.transition(backend, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.transition(backend, c, StateOpen)
	}
}

// State returns the circuit state for backend.
func (b *Breaker) State(backend string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[backend]; ok {
		return c.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(backend string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitionsTotal.WithLabelValues(backend, c.state.String(), to.String()).Inc()
	c.state = to
}
