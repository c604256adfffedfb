package envelope

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://omegawire.schemas.local/envelope/v1.schema.json"

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": [
    "message_id", "trace_id", "timestamp", "source_module", "target_module",
    "kind", "payload_schema", "payload_version", "module_version",
    "replay_protection_key", "payload"
  ],
  "properties": {
    "message_id":             {"type": "string", "pattern": "\\S"},
    "trace_id":               {"type": "string", "pattern": "\\S"},
    "parent_span_id":         {"type": "string"},
    "timestamp":              {"type": "number", "minimum": 0, "maximum": 9007199254740991},
    "source_module":          {"type": "string", "pattern": "\\S"},
    "target_module":          {"type": "string", "pattern": "\\S"},
    "kind":                   {"enum": ["command", "query", "event"]},
    "payload_schema":         {"type": "string", "pattern": "^[^.\\s]+\\.[^.\\s]+$"},
    "payload_version":        {"type": "string", "pattern": "\\S"},
    "module_version":         {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+$"},
    "replay_protection_key":  {"type": "string", "pattern": "\\S"},
    "payload":                {},
    "auth_context": {
      "type": "object",
      "additionalProperties": false,
      "required": ["subject"],
      "properties": {
        "subject": {"type": "string"},
        "role":    {"type": "string"},
        "scope":   {"type": "array", "items": {"type": "string"}}
      }
    },
    "expected_previous_hash": {"type": "string"},
    "envelope_hash":          {"type": "string"}
  }
}`

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func loadSchema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(envelopeSchema)); err != nil {
			compileErr = fmt.Errorf("envelope schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(schemaURL)
	})
	return compiledSchema, compileErr
}

// Error codes in the order they are reported when several apply.
const (
	CodeNotObject     = "ENV_NOT_OBJECT"
	CodeUnknownField  = "ENV_UNKNOWN_FIELD"
	CodeMissingField  = "ENV_MISSING_FIELD"
	CodeBadType       = "ENV_BAD_TYPE"
	CodeEmptyField    = "ENV_EMPTY_FIELD"
	CodeBadKind       = "ENV_BAD_KIND"
	CodeBadSchema     = "ENV_BAD_SCHEMA"
	CodeBadVersion    = "ENV_BAD_VERSION"
	CodeBadTimestamp  = "ENV_BAD_TIMESTAMP"
	CodeBadAuth       = "ENV_BAD_AUTH_CONTEXT"
	CodeBadHash       = "ENV_BAD_HASH"
	CodeSchemaFailure = "ENV_SCHEMA_VIOLATION"
)

var codeRank = map[string]int{
	CodeNotObject:     0,
	CodeUnknownField:  1,
	CodeMissingField:  2,
	CodeBadType:       3,
	CodeEmptyField:    4,
	CodeBadKind:       5,
	CodeBadSchema:     6,
	CodeBadVersion:    7,
	CodeBadTimestamp:  8,
	CodeBadAuth:       9,
	CodeSchemaFailure: 10,
}

// classify picks the most significant leaf of a schema failure and maps it
// onto a ValidationError.
func classify(err error) *ValidationError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &ValidationError{Code: CodeSchemaFailure, Message: err.Error()}
	}

	var best *ValidationError
	for _, leaf := range leaves(verr) {
		candidate := leafError(leaf)
		if best == nil || codeRank[candidate.Code] < codeRank[best.Code] {
			best = candidate
		}
	}
	if best == nil {
		return &ValidationError{Code: CodeSchemaFailure, Message: verr.Message}
	}
	return best
}

func leaves(e *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(e.Causes) == 0 {
		return []*jsonschema.ValidationError{e}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range e.Causes {
		out = append(out, leaves(cause)...)
	}
	return out
}

func leafError(leaf *jsonschema.ValidationError) *ValidationError {
	loc := strings.Trim(leaf.KeywordLocation, "/")
	parts := strings.Split(loc, "/")
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")

	switch {
	case loc == "type":
		return &ValidationError{Code: CodeNotObject, Message: "envelope must be a JSON object"}
	case loc == "additionalProperties":
		return &ValidationError{Field: field, Code: CodeUnknownField, Message: leaf.Message}
	case loc == "required":
		return &ValidationError{Code: CodeMissingField, Message: leaf.Message}
	case len(parts) >= 3 && parts[0] == "properties":
		prop, keyword := parts[1], parts[len(parts)-1]
		if field == "" {
			field = prop
		}
		switch prop {
		case "kind":
			return &ValidationError{Field: field, Code: CodeBadKind, Message: "kind must be one of command, query, event"}
		case "timestamp":
			return &ValidationError{Field: field, Code: CodeBadTimestamp, Message: badTimestampMessage}
		case "auth_context":
			return &ValidationError{Field: field, Code: CodeBadAuth, Message: leaf.Message}
		}
		if keyword == "type" {
			return &ValidationError{Field: field, Code: CodeBadType, Message: leaf.Message}
		}
		switch prop {
		case "payload_schema":
			return &ValidationError{Field: field, Code: CodeBadSchema, Message: "payload_schema must have the form module.action"}
		case "module_version":
			return &ValidationError{Field: field, Code: CodeBadVersion, Message: "module_version must have the form name@version"}
		}
		return &ValidationError{Field: field, Code: CodeEmptyField, Message: prop + " must not be blank"}
	}
	return &ValidationError{Field: field, Code: CodeSchemaFailure, Message: leaf.Message}
}
