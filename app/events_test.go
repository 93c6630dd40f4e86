package app

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventKind(t *testing.T) {
	kind, err := ParseEventKind("new-message")
	require.NoError(t, err)
	assert.Equal(t, KindNewMessage, kind)
	assert.False(t, kind.Internal())

	_, err = ParseEventKind("new_message")
	var permanent *PermanentRejectionError
	assert.ErrorAs(t, err, &permanent)

	kind, err = ParseEventKind("tunnel-state-changed")
	require.NoError(t, err)
	assert.True(t, kind.Internal())
}

func TestNewEvent_Payloads(t *testing.T) {
	evt, err := NewEvent(KindNewMessage, map[string]string{"guid": "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"guid":"abc"}`, string(evt.Payload))
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())

	raw := json.RawMessage(`{"a":1}`)
	evt, err = NewEvent(KindNewMessage, raw)
	require.NoError(t, err)
	raw[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(evt.Payload), "payload is copied")

	evt, err = NewEvent(KindNewMessage, nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(evt.Payload))

	_, err = NewEvent(KindNewMessage, make(chan int))
	assert.Error(t, err)
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		evt := MustEvent(KindTypingIndicator, nil)
		assert.False(t, seen[evt.ID])
		seen[evt.ID] = true
	}
}

func TestEvent_WireFormat(t *testing.T) {
	evt := MustEvent(KindNewMessage, map[string]string{"guid": "abc"})

	b, err := json.Marshal(evt)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, "new-message", wire["type"])
	assert.Equal(t, evt.ID, wire["id"])
	assert.Contains(t, wire, "data")
	assert.Contains(t, wire, "timestamp")

	body, err := json.Marshal(evt.webhookBody())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"new-message","data":{"guid":"abc"}}`, string(body))
}
