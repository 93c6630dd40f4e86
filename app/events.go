package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind names a notification category shared by the producer, the
// transports and every consumer.
type EventKind string

const (
	KindNewMessage              EventKind = "new-message"
	KindMessageUpdated          EventKind = "updated-message"
	KindMessageSendError        EventKind = "message-send-error"
	KindNewServer               EventKind = "new-server"
	KindParticipantAdded        EventKind = "participant-added"
	KindParticipantRemoved      EventKind = "participant-removed"
	KindParticipantLeft         EventKind = "participant-left"
	KindGroupIconChanged        EventKind = "group-icon-changed"
	KindGroupIconRemoved        EventKind = "group-icon-removed"
	KindGroupNameChange         EventKind = "group-name-change"
	KindChatReadStatusChanged   EventKind = "chat-read-status-changed"
	KindTypingIndicator         EventKind = "typing-indicator"
	KindScheduledMessageCreated EventKind = "scheduled-message-created"
	KindScheduledMessageUpdated EventKind = "scheduled-message-updated"
	KindScheduledMessageDeleted EventKind = "scheduled-message-deleted"
	KindScheduledMessageSent    EventKind = "scheduled-message-sent"
	KindScheduledMessageError   EventKind = "scheduled-message-error"
	KindIncomingFacetime        EventKind = "incoming-facetime"
	KindHelloWorld              EventKind = "hello-world"
	KindServerUpdate            EventKind = "server-update"

	KindActionSucceeded EventKind = "action-succeeded"
	KindActionFailed    EventKind = "action-failed"

	// KindTunnelStateChanged never leaves the process.
	KindTunnelStateChanged EventKind = "tunnel-state-changed"
)

var knownKinds = map[EventKind]bool{
	KindNewMessage:              false,
	KindMessageUpdated:          false,
	KindMessageSendError:        false,
	KindNewServer:               false,
	KindParticipantAdded:        false,
	KindParticipantRemoved:      false,
	KindParticipantLeft:         false,
	KindGroupIconChanged:        false,
	KindGroupIconRemoved:        false,
	KindGroupNameChange:         false,
	KindChatReadStatusChanged:   false,
	KindTypingIndicator:         false,
	KindScheduledMessageCreated: false,
	KindScheduledMessageUpdated: false,
	KindScheduledMessageDeleted: false,
	KindScheduledMessageSent:    false,
	KindScheduledMessageError:   false,
	KindIncomingFacetime:        false,
	KindHelloWorld:              false,
	KindServerUpdate:            false,
	KindActionSucceeded:         false,
	KindActionFailed:            false,
	KindTunnelStateChanged:      true,
}

// Valid reports whether k is one of the enumerated kinds.
func (k EventKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Internal kinds reach the local feed and in-process subscribers only.
func (k EventKind) Internal() bool {
	return knownKinds[k]
}

func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !k.Valid() {
		return "", &PermanentRejectionError{Op: "parse event kind", Err: fmt.Errorf("unknown event kind %q", s)}
	}
	return k, nil
}

// Event is immutable once published. Payload bytes must not be modified
// after NewEvent returns.
type Event struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"type"`
	Payload   json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals payload and stamps the event with a time-ordered id that
// clients use to de-duplicate deliveries arriving over several transports.
func NewEvent(kind EventKind, payload any) (Event, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		raw = json.RawMessage(`null`)
	case json.RawMessage:
		raw = append(json.RawMessage(nil), p...)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Event{}, fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		raw = b
	}
	return Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MustEvent is NewEvent for payloads that always encode.
func MustEvent(kind EventKind, payload any) Event {
	e, err := NewEvent(kind, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// WebhookBody is the outbound webhook wire contract.
type WebhookBody struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e Event) webhookBody() WebhookBody {
	return WebhookBody{Type: e.Kind, Data: e.Payload}
}
