package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records messages and answers per token.
type fakeSender struct {
	mu       sync.Mutex
	messages []PushMessage
	tokens   [][]string
	failures map[string]error
	err      error
}

func (s *fakeSender) Send(_ context.Context, tokens []string, msg PushMessage) ([]PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.tokens = append(s.tokens, tokens)
	if s.err != nil {
		return nil, s.err
	}
	results := make([]PushResult, len(tokens))
	for i, tok := range tokens {
		results[i] = PushResult{Token: tok, Err: s.failures[tok]}
	}
	return results, nil
}

func (s *fakeSender) sent() []PushMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PushMessage(nil), s.messages...)
}

var testPushKinds = []string{"new-message", "incoming-facetime", "scheduled-message-*"}

func TestPushGateway_Eligible(t *testing.T) {
	p := NewPushGateway(&fakeStore{}, &fakeSender{}, testPushKinds, time.Second)

	assert.True(t, p.Eligible(KindNewMessage))
	assert.True(t, p.Eligible(KindScheduledMessageSent))
	assert.False(t, p.Eligible(KindTypingIndicator))
	assert.False(t, p.Eligible(KindTunnelStateChanged))

	var disabled *PushGateway
	assert.False(t, disabled.Eligible(KindNewMessage))
}

func TestPushGateway_NotifiesAllDevices(t *testing.T) {
	store := &fakeStore{devices: []Device{{Name: "pixel", Token: "t1"}, {Name: "tablet", Token: "t2"}}}
	sender := &fakeSender{}
	p := NewPushGateway(store, sender, testPushKinds, time.Second)

	evt := MustEvent(KindNewMessage, map[string]string{"guid": "m1"})
	require.NoError(t, p.Notify(context.Background(), evt))

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, evt.ID, sent[0].ID)
	assert.Equal(t, KindNewMessage, sent[0].Type)
	assert.JSONEq(t, `{"guid":"m1"}`, string(sent[0].Data))
	assert.Equal(t, []string{"t1", "t2"}, sender.tokens[0])
}

func TestPushGateway_IneligibleKindIsSkipped(t *testing.T) {
	store := &fakeStore{devices: []Device{{Name: "pixel", Token: "t1"}}}
	sender := &fakeSender{}
	p := NewPushGateway(store, sender, testPushKinds, time.Second)

	require.NoError(t, p.Notify(context.Background(), MustEvent(KindTypingIndicator, nil)))
	assert.Empty(t, sender.sent())
}

func TestPushGateway_RemovesUnregisteredDevices(t *testing.T) {
	store := &fakeStore{devices: []Device{{Name: "old", Token: "dead"}, {Name: "new", Token: "live"}}}
	sender := &fakeSender{failures: map[string]error{
		"dead": fmt.Errorf("NotRegistered: %w", ErrUnregisteredDevice),
	}}
	p := NewPushGateway(store, sender, testPushKinds, time.Second)

	require.NoError(t, p.Notify(context.Background(), MustEvent(KindNewMessage, nil)))
	assert.Equal(t, []string{"dead"}, store.removedTokens())
}

func TestPushGateway_GatewayFailureIsNotPropagated(t *testing.T) {
	store := &fakeStore{devices: []Device{{Name: "pixel", Token: "t1"}}}
	sender := &fakeSender{err: &TransientTransportError{Op: "push", Err: errors.New("down")}}
	p := NewPushGateway(store, sender, testPushKinds, time.Second)

	assert.NoError(t, p.Notify(context.Background(), MustEvent(KindNewMessage, nil)))
	assert.Empty(t, store.removedTokens())
}

func TestBuildPushMessage_DropsOversizedData(t *testing.T) {
	small := MustEvent(KindNewMessage, map[string]string{"text": "hi"})
	assert.NotEmpty(t, buildPushMessage(small).Data)

	big := MustEvent(KindNewMessage, map[string]string{"text": strings.Repeat("x", 5000)})
	msg := buildPushMessage(big)
	assert.Nil(t, msg.Data)
	assert.Equal(t, big.ID, msg.ID)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), maxPushPayload)
}

func TestNewHTTPPushSender_Configuration(t *testing.T) {
	sender, err := NewHTTPPushSender("", "", time.Second)
	assert.NoError(t, err)
	assert.Nil(t, sender)

	_, err = NewHTTPPushSender("https://push.example.com", "", time.Second)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestHTTPPushSender_Send(t *testing.T) {
	var got pushRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"results":[{"message_id":"1"},{"error":"NotRegistered"},{"error":"Unavailable"}]}`))
	}))
	defer srv.Close()

	sender, err := NewHTTPPushSender(srv.URL, "server-key", time.Second)
	require.NoError(t, err)

	results, err := sender.Send(context.Background(), []string{"a", "b", "c"}, PushMessage{ID: "1", Type: KindNewMessage})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrUnregisteredDevice)
	assert.Error(t, results[2].Err)
	assert.NotErrorIs(t, results[2].Err, ErrUnregisteredDevice)

	assert.Equal(t, "key=server-key", auth)
	assert.Equal(t, "high", got.Priority)
	assert.Equal(t, []string{"a", "b", "c"}, got.RegistrationIDs)
}

func TestHTTPPushSender_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, func(t *testing.T, err error) {
			var e *ConfigurationError
			assert.ErrorAs(t, err, &e)
		}},
		{http.StatusBadGateway, func(t *testing.T, err error) {
			var e *TransientTransportError
			assert.ErrorAs(t, err, &e)
		}},
		{http.StatusBadRequest, func(t *testing.T, err error) {
			var e *PermanentRejectionError
			assert.ErrorAs(t, err, &e)
		}},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sender, err := NewHTTPPushSender(srv.URL, "k", time.Second)
			require.NoError(t, err)
			_, err = sender.Send(context.Background(), []string{"a"}, PushMessage{})
			tt.check(t, err)
		})
	}
}
