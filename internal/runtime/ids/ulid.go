package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Factory produces identifiers for chronicle records and built envelopes.
type Factory interface {
	NewID() string
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func() string

func (f FactoryFunc) NewID() string { return f() }

// ULID is the default Factory.
var ULID Factory = FactoryFunc(CreateULID)

// Sequence hands out prefix-1, prefix-2, ... and is safe for concurrent use.
// Tests use it when they need predictable record ids.
type Sequence struct {
	Prefix string
	n      atomic.Uint64
}

// NewSequence returns a Sequence starting at 1.
func NewSequence(prefix string) *Sequence {
	return &Sequence{Prefix: prefix}
}

func (s *Sequence) NewID() string {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1))
}
