// Package cloudevents reads and writes CloudEvents v1.0 in structured JSON
// mode. The consumer accepts envelopes wrapped as event data and can reply
// with the dispatch result wrapped the same way.
package cloudevents

import (
	"errors"
	"fmt"
	"maps"
	"time"

	idspkg "github.com/drblury/omegawire/internal/runtime/ids"
	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ContentType marks a structured-mode event on a message.
const ContentType = "application/cloudevents+json"

// TypeDispatchResult is the type of result events.
const TypeDispatchResult = "omega.dispatch.result"

// Extension attributes carried on result events. CloudEvents restricts
// extension names to lower-case letters and digits.
const (
	ExtTraceID       = "omegatraceid"
	ExtMessageID     = "omegamessageid"
	ExtResultCode    = "omegaresultcode"
	ExtCorrelationID = "omegacorrelationid"
	ExtInReplyTo     = "omegainreplyto"
)

// ErrInvalidEvent wraps every failure reported by Parse and Validate.
var ErrInvalidEvent = errors.New("cloudevents: invalid event")

// Event is a CloudEvents v1.0 event. Extensions are flattened into the top
// level object when encoded.
type Event struct {
	SpecVersion     string
	Type            string
	Source          string
	ID              string
	Time            time.Time
	DataContentType string
	DataSchema      string
	Subject         string
	Data            any
	Extensions      map[string]any
}

var knownAttributes = map[string]bool{
	"specversion":     true,
	"type":            true,
	"source":          true,
	"id":              true,
	"time":            true,
	"datacontenttype": true,
	"dataschema":      true,
	"subject":         true,
	"data":            true,
	"data_base64":     true,
}

// New creates an event with a ULID id and the current time.
func New(eventType, source string, data any) Event {
	return Event{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		ID:              idspkg.CreateULID(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
		Extensions:      make(map[string]any),
	}
}

// WithExtension sets an extension attribute and returns the event.
func (e Event) WithExtension(key string, value any) Event {
	e.Extensions = maps.Clone(e.Extensions)
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
	return e
}

// ExtensionString returns an extension as a string, or "" when it is unset.
func (e Event) ExtensionString(key string) string {
	v, ok := e.Extensions[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Validate checks that the required attributes are present.
func (e Event) Validate() error {
	switch {
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("%w: specversion must be %q, got %q", ErrInvalidEvent, SpecVersion, e.SpecVersion)
	case e.Type == "":
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	case e.Source == "":
		return fmt.Errorf("%w: source is required", ErrInvalidEvent)
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}
	return nil
}

// Parse decodes and validates a structured-mode event.
func Parse(data []byte) (Event, error) {
	var evt Event
	if err := jsoncodec.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// MarshalJSON writes the structured-mode JSON form.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extensions)+9)
	for k, v := range e.Extensions {
		m[k] = v
	}
	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = e.Time.UTC().Format(time.RFC3339Nano)
	}
	setIfNotEmpty(m, "datacontenttype", e.DataContentType)
	setIfNotEmpty(m, "dataschema", e.DataSchema)
	setIfNotEmpty(m, "subject", e.Subject)
	if e.Data != nil {
		m["data"] = e.Data
	}
	return jsoncodec.Marshal(m)
}

// UnmarshalJSON reads the structured-mode JSON form. Binary data
// (data_base64) is not supported.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}
	if _, ok := m["data_base64"]; ok {
		return errors.New("data_base64 is not supported")
	}

	var out Event
	var err error
	for _, field := range []struct {
		name   string
		target *string
	}{
		{"specversion", &out.SpecVersion},
		{"type", &out.Type},
		{"source", &out.Source},
		{"id", &out.ID},
		{"datacontenttype", &out.DataContentType},
		{"dataschema", &out.DataSchema},
		{"subject", &out.Subject},
	} {
		if *field.target, err = stringAttribute(m, field.name); err != nil {
			return err
		}
	}

	rawTime, err := stringAttribute(m, "time")
	if err != nil {
		return err
	}
	if rawTime != "" {
		if out.Time, err = time.Parse(time.RFC3339Nano, rawTime); err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
	}

	out.Data = m["data"]
	out.Extensions = make(map[string]any)
	for k, v := range m {
		if !knownAttributes[k] {
			out.Extensions[k] = v
		}
	}
	*e = out
	return nil
}

func stringAttribute(m map[string]any, name string) (string, error) {
	v, ok := m[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("invalid %s: expected string, got %T", name, v)
	}
	return s, nil
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
