package runtime

import (
	"sync"

	"github.com/drblury/omegawire/internal/runtime/clock"
	"github.com/drblury/omegawire/internal/runtime/config"
)

// CircuitState is the state of one handler's breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// gaugeValue is the value exported on the circuit_state gauge.
func (s CircuitState) gaugeValue() float64 {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	}
	return 0
}

// CircuitSnapshot is a point-in-time copy of a breaker.
type CircuitSnapshot struct {
	State          CircuitState `json:"state"`
	Failures       int          `json:"failures"`
	Successes      int          `json:"successes"`
	LastFailureMs  int64        `json:"last_failure_ms"`
	InFlightProbes int          `json:"in_flight_probes"`
}

// circuitBreaker isolates one handler key. Closed admits everything, open
// admits nothing until RecoveryTime has passed since the last failure, and
// half-open admits a bounded number of probes until SuccessThreshold of them
// succeed or one fails.
type circuitBreaker struct {
	conf  config.CircuitConfig
	clock clock.Clock

	onChange func(CircuitState)

	mu          sync.Mutex
	state       CircuitState
	generation  uint64
	failures    int
	successes   int
	lastFailure int64
	lastUsed    int64
	probes      int
}

// ticket records what a call was admitted as. Outcomes only count against
// the breaker state that admitted them: a call let through while closed that
// finishes after the breaker has moved on is ignored, and only half-open
// admissions hold a slot.
type ticket struct {
	generation uint64
	trial      bool
}

func newCircuitBreaker(conf config.CircuitConfig, clk clock.Clock, onChange func(CircuitState)) *circuitBreaker {
	return &circuitBreaker{
		conf:     conf.WithDefaults(),
		clock:    clk,
		onChange: onChange,
		state:    CircuitClosed,
		lastUsed: clk.NowMs(),
	}
}

// CanExecute reports whether a call may proceed. An admitted call must hand
// its ticket back with RecordSuccess, RecordFailure or Abort; in half-open
// state the ticket holds one of the HalfOpenMaxProbes slots until then.
func (b *circuitBreaker) CanExecute() (ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.NowMs()
	b.lastUsed = now

	switch b.state {
	case CircuitClosed:
		return ticket{generation: b.generation}, true
	case CircuitOpen:
		if now-b.lastFailure < b.conf.RecoveryTime.Milliseconds() {
			return ticket{}, false
		}
		b.successes = 0
		b.probes = 1
		b.transition(CircuitHalfOpen)
		return ticket{generation: b.generation, trial: true}, true
	default:
		if b.probes >= b.conf.HalfOpenMaxProbes {
			return ticket{}, false
		}
		b.probes++
		return ticket{generation: b.generation, trial: true}, true
	}
}

func (b *circuitBreaker) RecordSuccess(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsed = b.clock.NowMs()
	if !b.current(t) {
		return
	}
	switch b.state {
	case CircuitHalfOpen:
		b.releaseProbe()
		b.successes++
		if b.successes >= b.conf.SuccessThreshold {
			b.failures = 0
			b.probes = 0
			b.transition(CircuitClosed)
		}
	case CircuitClosed:
		b.failures = 0
	}
}

func (b *circuitBreaker) RecordFailure(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.NowMs()
	b.lastUsed = now
	if !b.current(t) {
		return
	}
	b.lastFailure = now
	b.failures++
	switch b.state {
	case CircuitHalfOpen:
		b.probes = 0
		b.transition(CircuitOpen)
	case CircuitClosed:
		if b.failures >= b.conf.FailureThreshold {
			b.transition(CircuitOpen)
		}
	}
}

// Abort hands back a half-open slot without counting an outcome.
func (b *circuitBreaker) Abort(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current(t) && b.state == CircuitHalfOpen {
		b.releaseProbe()
	}
}

func (b *circuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.successes = 0
	b.probes = 0
	b.generation++
	b.transition(CircuitClosed)
}

func (b *circuitBreaker) Snapshot() CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitSnapshot{
		State:          b.state,
		Failures:       b.failures,
		Successes:      b.successes,
		LastFailureMs:  b.lastFailure,
		InFlightProbes: b.probes,
	}
}

// idleSince reports whether the breaker is closed, has no probe in flight
// and has not been touched since cutoff.
func (b *circuitBreaker) idleSince(cutoff int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == CircuitClosed && b.probes == 0 && b.lastUsed <= cutoff
}

// current reports whether t was issued by the state the breaker is in now.
func (b *circuitBreaker) current(t ticket) bool {
	return t.generation == b.generation && t.trial == (b.state == CircuitHalfOpen)
}

func (b *circuitBreaker) releaseProbe() {
	if b.probes > 0 {
		b.probes--
	}
}

func (b *circuitBreaker) transition(to CircuitState) {
	if b.state == to {
		return
	}
	b.state = to
	b.generation++
	if b.onChange != nil {
		b.onChange(to)
	}
}
