package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time in epoch milliseconds.
type Clock interface {
	NowMs() int64
}

// Func adapts a plain function to Clock.
type Func func() int64

func (f Func) NowMs() int64 { return f() }

type system struct{}

func (system) NowMs() int64 { return time.Now().UnixMilli() }

// System reads the wall clock.
var System Clock = system{}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual returns a Manual clock starting at startMs.
func NewManual(startMs int64) *Manual {
	return &Manual{now: startMs}
}

func (m *Manual) NowMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d.Milliseconds()
	return m.now
}

// Set jumps the clock to ms.
func (m *Manual) Set(ms int64) {
	m.mu.Lock()
	m.now = ms
	m.mu.Unlock()
}
