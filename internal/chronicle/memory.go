package chronicle

import (
	"context"
	"slices"
	"sync"
)

// DefaultMaxRecords bounds a MemoryChronicle created with a non-positive size.
const DefaultMaxRecords = 10000

// MemoryChronicle keeps the newest records in process, indexed by trace and
// message id. When full, the oldest record is evicted; Verify then checks the
// retained window against the hash of the last evicted record.
type MemoryChronicle struct {
	maxSize int

	mu        sync.RWMutex
	records   []Record
	byTrace   map[string][]Record
	byMessage map[string][]Record
	base      string
	head      string
}

// NewMemoryChronicle creates an empty chronicle holding at most maxSize records.
func NewMemoryChronicle(maxSize int) *MemoryChronicle {
	if maxSize <= 0 {
		maxSize = DefaultMaxRecords
	}
	return &MemoryChronicle{
		maxSize:   maxSize,
		byTrace:   make(map[string][]Record),
		byMessage: make(map[string][]Record),
		base:      GenesisHash,
		head:      GenesisHash,
	}
}

func (c *MemoryChronicle) Append(_ context.Context, r Record) (Record, error) {
	if r.RecordID == "" {
		return Record{}, ErrRecordIDNeeded
	}
	r = r.clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	sealed, err := seal(r, c.head)
	if err != nil {
		return Record{}, err
	}
	if len(c.records) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.records = append(c.records, sealed)
	c.byTrace[sealed.TraceID] = append(c.byTrace[sealed.TraceID], sealed)
	c.byMessage[sealed.MessageID] = append(c.byMessage[sealed.MessageID], sealed)
	c.head = sealed.Hash
	return sealed.clone(), nil
}

// Records are appended in order, so the evicted record is the first entry
// of both of its index lists.
func (c *MemoryChronicle) evictOldestLocked() {
	evicted := c.records[0]
	c.records = c.records[1:]
	c.base = evicted.Hash
	c.byTrace[evicted.TraceID] = dropFirst(c.byTrace, evicted.TraceID)
	c.byMessage[evicted.MessageID] = dropFirst(c.byMessage, evicted.MessageID)
	if len(c.byTrace[evicted.TraceID]) == 0 {
		delete(c.byTrace, evicted.TraceID)
	}
	if len(c.byMessage[evicted.MessageID]) == 0 {
		delete(c.byMessage, evicted.MessageID)
	}
}

func dropFirst(index map[string][]Record, key string) []Record {
	list := index[key]
	if len(list) == 0 {
		return nil
	}
	return list[1:]
}

func (c *MemoryChronicle) Snapshot(context.Context) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneRecords(c.records), nil
}

func (c *MemoryChronicle) ForTrace(_ context.Context, traceID string) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneRecords(c.byTrace[traceID]), nil
}

func (c *MemoryChronicle) ForMessage(_ context.Context, messageID string) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneRecords(c.byMessage[messageID]), nil
}

func (c *MemoryChronicle) Size(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records), nil
}

// Clear drops every record and restarts the chain at genesis.
func (c *MemoryChronicle) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.byTrace = make(map[string][]Record)
	c.byMessage = make(map[string][]Record)
	c.base = GenesisHash
	c.head = GenesisHash
	return nil
}

func (c *MemoryChronicle) Verify(context.Context) error {
	c.mu.RLock()
	records := slices.Clone(c.records)
	base := c.base
	c.mu.RUnlock()
	return VerifyChain(records, base)
}

// Head is the hash of the newest record, or GenesisHash when empty.
func (c *MemoryChronicle) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.clone()
	}
	return out
}
