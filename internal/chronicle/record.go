// Package chronicle is the append-only flight recorder of the dispatch
// pipeline. Every record names its causal parent and is hash-linked to the
// record appended before it, so a trail can be both reconstructed and
// checked for tampering.
package chronicle

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// EventType names a pipeline milestone.
type EventType string

const (
	EventDispatchReceived EventType = "DISPATCH_RECEIVED"
	EventValidationOK     EventType = "VALIDATION_OK"
	EventValidationFailed EventType = "VALIDATION_FAILED"
	EventPolicyOK         EventType = "POLICY_OK"
	EventPolicyRejected   EventType = "POLICY_REJECTED"
	EventReplayOK         EventType = "REPLAY_OK"
	EventReplayRejected   EventType = "REPLAY_REJECTED"
	EventHandlerResolved  EventType = "HANDLER_RESOLVED"
	EventHandlerNotFound  EventType = "HANDLER_NOT_FOUND"
	EventExecutionStart   EventType = "EXECUTION_START"
	EventExecutionOK      EventType = "EXECUTION_OK"
	EventExecutionError   EventType = "EXECUTION_ERROR"
	EventDispatchComplete EventType = "DISPATCH_COMPLETE"
)

// GenesisHash is the PrevHash of the first record of a chain.
const GenesisHash = "genesis"

// Record is one milestone. Data holds the event specific fields
// (envelope_hash, policy_code, handler_key, duration_ms, ...).
type Record struct {
	RecordID  string         `json:"record_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	EventType EventType      `json:"event_type"`
	Timestamp int64          `json:"timestamp"`
	TraceID   string         `json:"trace_id"`
	MessageID string         `json:"message_id"`
	Data      map[string]any `json:"data,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

func (r Record) clone() Record {
	r.Data = maps.Clone(r.Data)
	return r
}

// ComputeHash is the hex SHA-256 of the canonical JSON of r without its Hash.
func ComputeHash(r Record) (string, error) {
	r.Hash = ""
	return jsoncodec.Digest(r)
}

// seal links r to prev and fills its Hash.
func seal(r Record, prev string) (Record, error) {
	r.PrevHash = prev
	hash, err := ComputeHash(r)
	if err != nil {
		return Record{}, fmt.Errorf("chronicle: hash record %s: %w", r.RecordID, err)
	}
	r.Hash = hash
	return r, nil
}

var (
	ErrChainBroken    = errors.New("chronicle: hash chain broken")
	ErrRecordIDNeeded = errors.New("chronicle: record id is required")
)

// ChainError locates the first inconsistency found by Verify.
type ChainError struct {
	Index    int
	RecordID string
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chronicle: chain broken at index %d (%s): %s", e.Index, e.RecordID, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

// VerifyChain checks that records link to each other starting from base and
// that every stored hash matches the record content.
func VerifyChain(records []Record, base string) error {
	prev := base
	for i, r := range records {
		if r.PrevHash != prev {
			return &ChainError{Index: i, RecordID: r.RecordID, Reason: "previous hash mismatch"}
		}
		computed, err := ComputeHash(r)
		if err != nil {
			return &ChainError{Index: i, RecordID: r.RecordID, Reason: err.Error()}
		}
		if computed != r.Hash {
			return &ChainError{Index: i, RecordID: r.RecordID, Reason: "content hash mismatch"}
		}
		prev = r.Hash
	}
	return nil
}

// Chronicle is an append-only, hash-linked log. Implementations assign
// PrevHash and Hash on Append and must be safe for concurrent use.
type Chronicle interface {
	Append(ctx context.Context, r Record) (Record, error)
	Snapshot(ctx context.Context) ([]Record, error)
	ForTrace(ctx context.Context, traceID string) ([]Record, error)
	ForMessage(ctx context.Context, messageID string) ([]Record, error)
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Verify(ctx context.Context) error
}
