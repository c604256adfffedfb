package runtime

import (
	"sync"

	"github.com/drblury/omegawire/internal/runtime/clock"
	"github.com/drblury/omegawire/internal/runtime/config"
)

// circuitSet owns one breaker per handler key. Breakers are created on first
// use; closed ones that sit idle are dropped once the set grows past MaxIdle.
type circuitSet struct {
	conf    config.CircuitConfig
	clock   clock.Clock
	metrics *Metrics

	mu       sync.RWMutex
	breakers map[string]*circuitBreaker
}

func newCircuitSet(conf config.CircuitConfig, clk clock.Clock, metrics *Metrics) *circuitSet {
	return &circuitSet{
		conf:     conf.WithDefaults(),
		clock:    clk,
		metrics:  metrics,
		breakers: make(map[string]*circuitBreaker),
	}
}

func (s *circuitSet) get(key string) *circuitBreaker {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[key]; ok {
		return b
	}
	if len(s.breakers) >= s.conf.MaxIdle {
		s.evictLocked()
	}
	b = newCircuitBreaker(s.conf, s.clock, func(state CircuitState) {
		s.metrics.setCircuitState(key, state)
	})
	s.breakers[key] = b
	s.metrics.setCircuitState(key, CircuitClosed)
	return b
}

func (s *circuitSet) snapshot() map[string]CircuitSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]CircuitSnapshot, len(s.breakers))
	for key, b := range s.breakers {
		out[key] = b.Snapshot()
	}
	return out
}

func (s *circuitSet) reset(key string) bool {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

func (s *circuitSet) resetAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.breakers {
		b.Reset()
	}
}

func (s *circuitSet) evictIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked()
}

func (s *circuitSet) evictLocked() int {
	cutoff := s.clock.NowMs() - s.conf.IdleEviction.Milliseconds()
	evicted := 0
	for key, b := range s.breakers {
		if b.idleSince(cutoff) {
			delete(s.breakers, key)
			s.metrics.deleteCircuit(key)
			evicted++
		}
	}
	return evicted
}

func (s *circuitSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.breakers)
}
