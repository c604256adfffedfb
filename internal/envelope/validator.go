package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// ValidationError describes why a raw value is not an acceptable envelope.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
}

// Validator turns untyped wire values into envelopes.
type Validator interface {
	Validate(raw any) (*Envelope, error)
}

// StrictValidator enforces the closed envelope contract: no unknown fields,
// every required string non-blank, known kinds only.
type StrictValidator struct {
	verifyHash bool
}

// ValidatorOption tunes a StrictValidator.
type ValidatorOption func(*StrictValidator)

// WithHashVerification rejects envelopes whose envelope_hash does not match
// their content. Envelopes without a hash are still accepted.
func WithHashVerification() ValidatorOption {
	return func(v *StrictValidator) { v.verifyHash = true }
}

// NewValidator returns the strict validator.
func NewValidator(opts ...ValidatorOption) *StrictValidator {
	v := &StrictValidator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate accepts a decoded JSON object (map[string]any), raw JSON bytes
// ([]byte or json.RawMessage) or an Envelope value. Anything else, including
// nil, arrays and scalars, is rejected.
func (v *StrictValidator) Validate(raw any) (*Envelope, error) {
	doc, verr := normalize(raw)
	if verr != nil {
		return nil, verr
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, &ValidationError{Code: CodeSchemaFailure, Message: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, classify(err)
	}

	env, verr := decode(doc)
	if verr != nil {
		return nil, verr
	}
	if verr := checkModuleVersion(env.ModuleVersion); verr != nil {
		return nil, verr
	}
	if v.verifyHash && env.EnvelopeHash != "" {
		ok, err := VerifyEnvelopeHash(env)
		if err != nil || !ok {
			return nil, &ValidationError{Field: "envelope_hash", Code: CodeBadHash, Message: "envelope_hash does not match content"}
		}
	}
	return env, nil
}

func normalize(raw any) (map[string]any, *ValidationError) {
	notObject := &ValidationError{Code: CodeNotObject, Message: "envelope must be a JSON object"}

	var data []byte
	switch value := raw.(type) {
	case nil:
		return nil, notObject
	case []byte:
		data = value
	case json.RawMessage:
		data = value
	case map[string]any:
		if verr := checkTimestampValue(value["timestamp"]); verr != nil {
			return nil, verr
		}
		encoded, err := jsoncodec.Marshal(value)
		if err != nil {
			return nil, &ValidationError{Code: CodeBadType, Message: "envelope is not JSON-encodable"}
		}
		data = encoded
	case Envelope:
		return fromEnvelope(&value)
	case *Envelope:
		if value == nil {
			return nil, notObject
		}
		return fromEnvelope(value)
	default:
		return nil, notObject
	}

	var doc any
	if err := jsoncodec.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Code: CodeNotObject, Message: "envelope is not valid JSON"}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, notObject
	}
	return obj, nil
}

func fromEnvelope(env *Envelope) (map[string]any, *ValidationError) {
	encoded, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, &ValidationError{Code: CodeBadType, Message: "envelope is not JSON-encodable"}
	}
	var obj map[string]any
	if err := jsoncodec.Unmarshal(encoded, &obj); err != nil {
		return nil, &ValidationError{Code: CodeBadType, Message: "envelope is not JSON-encodable"}
	}
	return obj, nil
}

// MaxTimestampMs is the largest accepted timestamp. Larger values lose
// integer precision in JSON numbers.
const MaxTimestampMs = 1<<53 - 1

const badTimestampMessage = "timestamp must be a finite, non-negative number of milliseconds no greater than 9007199254740991"

func checkTimestampValue(v any) *ValidationError {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f > MaxTimestampMs {
		return &ValidationError{Field: "timestamp", Code: CodeBadTimestamp, Message: badTimestampMessage}
	}
	return nil
}

// decode copies a schema-valid document into an Envelope. Fractional
// timestamps are truncated to whole milliseconds.
func decode(doc map[string]any) (*Envelope, *ValidationError) {
	if ts, ok := doc["timestamp"].(float64); ok {
		if ts < 0 || ts > MaxTimestampMs {
			return nil, &ValidationError{Field: "timestamp", Code: CodeBadTimestamp, Message: badTimestampMessage}
		}
		doc["timestamp"] = int64(math.Trunc(ts))
	}
	encoded, err := jsoncodec.Marshal(doc)
	if err != nil {
		return nil, &ValidationError{Code: CodeBadType, Message: err.Error()}
	}
	var env Envelope
	if err := jsoncodec.Unmarshal(encoded, &env); err != nil {
		return nil, &ValidationError{Code: CodeBadType, Message: err.Error()}
	}
	return &env, nil
}

func checkModuleVersion(moduleVersion string) *ValidationError {
	_, version, _ := strings.Cut(moduleVersion, "@")
	if _, err := semver.NewVersion(version); err != nil {
		return &ValidationError{
			Field:   "module_version",
			Code:    CodeBadVersion,
			Message: fmt.Sprintf("module_version %q does not carry a semantic version", moduleVersion),
		}
	}
	return nil
}

// ExtractCorrelation pulls trace_id and message_id out of a value that failed
// validation. Missing or non-string fields come back as "unknown".
func ExtractCorrelation(raw any) (traceID, messageID string) {
	traceID, messageID = "unknown", "unknown"

	var obj map[string]any
	switch value := raw.(type) {
	case map[string]any:
		obj = value
	case []byte:
		_ = jsoncodec.Unmarshal(value, &obj)
	case json.RawMessage:
		_ = jsoncodec.Unmarshal(value, &obj)
	case Envelope:
		obj = map[string]any{"trace_id": value.TraceID, "message_id": value.MessageID}
	case *Envelope:
		if value != nil {
			obj = map[string]any{"trace_id": value.TraceID, "message_id": value.MessageID}
		}
	}
	if s, ok := obj["trace_id"].(string); ok && s != "" {
		traceID = s
	}
	if s, ok := obj["message_id"].(string); ok && s != "" {
		messageID = s
	}
	return traceID, messageID
}
