package chronicle

import (
	"context"
	"fmt"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/runtime/clock"
	"github.com/drblury/omegawire/internal/runtime/ids"
)

// Writer builds one record per pipeline milestone and returns its id so the
// next milestone can name it as parent.
type Writer struct {
	chronicle Chronicle
	clock     clock.Clock
	ids       ids.Factory
}

// NewWriter binds a chronicle to a clock and an id source. Nil arguments
// fall back to the system clock and "rec-" prefixed ULIDs.
func NewWriter(c Chronicle, clk clock.Clock, idf ids.Factory) *Writer {
	if clk == nil {
		clk = clock.System
	}
	if idf == nil {
		idf = ids.FactoryFunc(func() string { return "rec-" + ids.CreateULID() })
	}
	return &Writer{chronicle: c, clock: clk, ids: idf}
}

// Chronicle is the log the writer appends to.
func (w *Writer) Chronicle() Chronicle {
	return w.chronicle
}

func (w *Writer) write(ctx context.Context, event EventType, parentID, traceID, messageID string, data map[string]any) (string, error) {
	id := w.ids.NewID()
	_, err := w.chronicle.Append(ctx, Record{
		RecordID:  id,
		ParentID:  parentID,
		EventType: event,
		Timestamp: w.clock.NowMs(),
		TraceID:   traceID,
		MessageID: messageID,
		Data:      data,
	})
	if err != nil {
		return "", fmt.Errorf("chronicle: write %s: %w", event, err)
	}
	return id, nil
}

func (w *Writer) DispatchReceived(ctx context.Context, env *envelope.Envelope) (string, error) {
	return w.write(ctx, EventDispatchReceived, "", env.TraceID, env.MessageID, map[string]any{
		"target_module":  env.TargetModule,
		"payload_schema": env.PayloadSchema,
		"module_version": env.ModuleVersion,
	})
}

func (w *Writer) ValidationOK(ctx context.Context, env *envelope.Envelope, parentID, envelopeHash string) (string, error) {
	return w.write(ctx, EventValidationOK, parentID, env.TraceID, env.MessageID, map[string]any{
		"envelope_hash": envelopeHash,
	})
}

// ValidationFailed takes correlation ids explicitly because there is no
// envelope to read them from.
func (w *Writer) ValidationFailed(ctx context.Context, traceID, messageID, parentID, code, message string) (string, error) {
	return w.write(ctx, EventValidationFailed, parentID, traceID, messageID, map[string]any{
		"error_code":    code,
		"error_message": message,
	})
}

func (w *Writer) PolicyOK(ctx context.Context, env *envelope.Envelope, parentID string) (string, error) {
	return w.write(ctx, EventPolicyOK, parentID, env.TraceID, env.MessageID, nil)
}

func (w *Writer) PolicyRejected(ctx context.Context, env *envelope.Envelope, parentID, policyCode, reason string) (string, error) {
	return w.write(ctx, EventPolicyRejected, parentID, env.TraceID, env.MessageID, map[string]any{
		"policy_code": policyCode,
		"reason":      reason,
	})
}

func (w *Writer) ReplayOK(ctx context.Context, env *envelope.Envelope, parentID string) (string, error) {
	return w.write(ctx, EventReplayOK, parentID, env.TraceID, env.MessageID, map[string]any{
		"replay_key": env.ReplayProtectionKey,
	})
}

func (w *Writer) ReplayRejected(ctx context.Context, env *envelope.Envelope, parentID string) (string, error) {
	return w.write(ctx, EventReplayRejected, parentID, env.TraceID, env.MessageID, map[string]any{
		"replay_key": env.ReplayProtectionKey,
	})
}

func (w *Writer) HandlerResolved(ctx context.Context, env *envelope.Envelope, parentID, handlerKey string) (string, error) {
	return w.write(ctx, EventHandlerResolved, parentID, env.TraceID, env.MessageID, map[string]any{
		"handler_key": handlerKey,
	})
}

func (w *Writer) HandlerNotFound(ctx context.Context, env *envelope.Envelope, parentID, lookupKey string) (string, error) {
	return w.write(ctx, EventHandlerNotFound, parentID, env.TraceID, env.MessageID, map[string]any{
		"lookup_key": lookupKey,
	})
}

func (w *Writer) ExecutionStart(ctx context.Context, env *envelope.Envelope, parentID, handlerKey string) (string, error) {
	return w.write(ctx, EventExecutionStart, parentID, env.TraceID, env.MessageID, map[string]any{
		"handler_key": handlerKey,
	})
}

func (w *Writer) ExecutionOK(ctx context.Context, env *envelope.Envelope, parentID string, durationMs int64) (string, error) {
	return w.write(ctx, EventExecutionOK, parentID, env.TraceID, env.MessageID, map[string]any{
		"duration_ms": durationMs,
	})
}

func (w *Writer) ExecutionError(ctx context.Context, env *envelope.Envelope, parentID, code string, durationMs int64, retryable bool) (string, error) {
	return w.write(ctx, EventExecutionError, parentID, env.TraceID, env.MessageID, map[string]any{
		"error_code":  code,
		"duration_ms": durationMs,
		"retryable":   retryable,
	})
}

func (w *Writer) DispatchComplete(ctx context.Context, env *envelope.Envelope, parentID string, success bool, totalDurationMs int64) (string, error) {
	return w.write(ctx, EventDispatchComplete, parentID, env.TraceID, env.MessageID, map[string]any{
		"success":           success,
		"total_duration_ms": totalDurationMs,
	})
}
