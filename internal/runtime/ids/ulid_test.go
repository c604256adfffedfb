package ids

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestULIDFactoryIsSortable(t *testing.T) {
	prev := ULID.NewID()
	if _, err := ulid.Parse(prev); err != nil {
		t.Fatalf("expected a valid ULID, got %q: %v", prev, err)
	}
	for range 50 {
		next := ULID.NewID()
		if next <= prev {
			t.Fatalf("record ids must sort in creation order, %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestULIDFactoryConcurrentWriters(t *testing.T) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				id := CreateULID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 200 {
		t.Fatalf("expected 200 distinct ids, got %d", len(seen))
	}
}

func TestSequenceFactory(t *testing.T) {
	seq := NewSequence("rec")
	for _, want := range []string{"rec-1", "rec-2", "rec-3"} {
		if got := seq.NewID(); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestFactoryFunc(t *testing.T) {
	f := FactoryFunc(func() string { return "fixed" })
	if f.NewID() != "fixed" {
		t.Fatal("FactoryFunc must return the wrapped value")
	}
}
