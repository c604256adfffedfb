package runtime

import (
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
)

// ModuleName is the module reported on every error the orchestrator creates.
const ModuleName = "orchestrator"

// Orchestrator error codes. Handler-produced structured errors keep their own
// codes.
const (
	CodeValidationFailed = "ORCH_VALIDATION_FAILED"
	CodePolicyRejected   = "ORCH_POLICY_REJECTED"
	CodeReplayRejected   = "ORCH_REPLAY_REJECTED"
	CodeNoHandler        = "ORCH_NO_HANDLER"
	CodeExecutionFailed  = "ORCH_EXECUTION_FAILED"
	CodeCircuitOpen      = "ORCH_CIRCUIT_OPEN"
	CodeTimeout          = "ORCH_TIMEOUT"
)

// TimeoutMessage is the message carried by a dispatch whose handler lost the
// race against the execution deadline.
const TimeoutMessage = "execution timed out"

// Result is either a success value or a structured error, never both.
type Result struct {
	OK    bool            `json:"ok"`
	Value any             `json:"value,omitempty"`
	Err   *rterrors.Error `json:"error,omitempty"`
}

// Ok wraps a handler value.
func Ok(value any) Result {
	return Result{OK: true, Value: value}
}

// Err wraps a structured error.
func Err(err *rterrors.Error) Result {
	return Result{Err: err}
}

// DispatchMetrics are wall-clock durations in milliseconds measured with
// the orchestrator's clock.
type DispatchMetrics struct {
	TotalDurationMs      int64 `json:"total_duration_ms"`
	ValidationDurationMs int64 `json:"validation_duration_ms"`
	ExecutionDurationMs  int64 `json:"execution_duration_ms"`
}

// DispatchResult is what Dispatch returns for every input.
type DispatchResult struct {
	Result    Result          `json:"result"`
	Metrics   DispatchMetrics `json:"metrics"`
	TraceID   string          `json:"trace_id"`
	MessageID string          `json:"message_id"`
}

// Code is the error code of a failed dispatch, or "OK".
func (r DispatchResult) Code() string {
	if r.Result.OK || r.Result.Err == nil {
		return "OK"
	}
	return r.Result.Err.Code
}

func orchError(code, message string, retryable bool) *rterrors.Error {
	return rterrors.New(ModuleName, code, message, retryable)
}
