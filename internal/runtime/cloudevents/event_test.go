package cloudevents

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

func TestNew(t *testing.T) {
	evt := New("omega.dispatch", "gateway", map[string]any{"k": "v"})

	assert.Equal(t, SpecVersion, evt.SpecVersion)
	assert.Equal(t, "omega.dispatch", evt.Type)
	assert.Equal(t, "gateway", evt.Source)
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Time.IsZero())
	assert.Equal(t, "application/json", evt.DataContentType)
	assert.NoError(t, evt.Validate())
}

func TestWithExtensionDoesNotMutateOriginal(t *testing.T) {
	base := New("t", "s", nil)
	withTrace := base.WithExtension(ExtTraceID, "trace-1")

	assert.Equal(t, "trace-1", withTrace.ExtensionString(ExtTraceID))
	assert.Empty(t, base.ExtensionString(ExtTraceID))

	var zero Event
	assert.Equal(t, "3", zero.WithExtension("n", 3).ExtensionString("n"))
}

func TestValidate(t *testing.T) {
	valid := Event{SpecVersion: SpecVersion, Type: "t", Source: "s", ID: "1"}
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Event){
		"specversion": func(e *Event) { e.SpecVersion = "0.3" },
		"type":        func(e *Event) { e.Type = "" },
		"source":      func(e *Event) { e.Source = "" },
		"id":          func(e *Event) { e.ID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			evt := valid
			mutate(&evt)
			err := evt.Validate()
			assert.True(t, errors.Is(err, ErrInvalidEvent), "got %v", err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestStructuredModeRoundTrip(t *testing.T) {
	evt := Event{
		SpecVersion:     SpecVersion,
		Type:            TypeDispatchResult,
		Source:          "omegawire",
		ID:              "01J00000000000000000000000",
		Time:            time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC),
		DataContentType: "application/json",
		Subject:         "trace-1",
		Data:            map[string]any{"ok": true},
	}.WithExtension(ExtResultCode, "OK")

	encoded, err := jsoncodec.Marshal(evt)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, jsoncodec.Unmarshal(encoded, &flat))
	assert.Equal(t, "OK", flat[ExtResultCode])
	assert.Equal(t, "2024-01-06T00:00:00Z", flat["time"])
	assert.NotContains(t, flat, "dataschema")

	decoded, err := Parse(encoded)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)
	assert.True(t, evt.Time.Equal(decoded.Time))
	assert.Equal(t, "trace-1", decoded.Subject)
	assert.Equal(t, map[string]any{"ok": true}, decoded.Data)
	assert.Equal(t, "OK", decoded.ExtensionString(ExtResultCode))
}

func TestParseRejectsInvalidInput(t *testing.T) {
	tests := map[string]string{
		"not json":         `{`,
		"missing source":   `{"specversion":"1.0","type":"t","id":"1"}`,
		"non-string type":  `{"specversion":"1.0","type":7,"source":"s","id":"1"}`,
		"bad time":         `{"specversion":"1.0","type":"t","source":"s","id":"1","time":"yesterday"}`,
		"binary data mode": `{"specversion":"1.0","type":"t","source":"s","id":"1","data_base64":"AA=="}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}
