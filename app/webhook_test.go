package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listener struct {
	mu      sync.Mutex
	bodies  []WebhookBody
	headers []http.Header
	status  int
	delay   time.Duration
	server  *httptest.Server
}

func newListener(t *testing.T, status int) *listener {
	t.Helper()
	l := &listener{status: status}
	l.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body WebhookBody
		json.Unmarshal(raw, &body)
		time.Sleep(l.delay)
		l.mu.Lock()
		l.bodies = append(l.bodies, body)
		l.headers = append(l.headers, r.Header.Clone())
		l.mu.Unlock()
		w.WriteHeader(l.status)
	}))
	t.Cleanup(l.server.Close)
	return l
}

func (l *listener) received() []WebhookBody {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]WebhookBody(nil), l.bodies...)
}

func (l *listener) header(i int) http.Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headers[i]
}

func waitWebhooks(t *testing.T, d *WebhookDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestWebhookDispatcher_SendsToMatchingListeners(t *testing.T) {
	all := newListener(t, http.StatusOK)
	groups := newListener(t, http.StatusOK)
	store := &fakeStore{companyID: "HEYOH", apiKey: "secret", subs: []Subscription{
		{ListenerID: "a", URL: all.server.URL, InterestSet: []string{"*"}},
		{ListenerID: "b", URL: groups.server.URL, InterestSet: []string{"group-*"}},
	}}
	d := NewWebhookDispatcher(store, time.Second, 4)

	evt := MustEvent(KindNewMessage, map[string]string{"guid": "m1"})
	n, err := d.Dispatch(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitWebhooks(t, d)

	got := all.received()
	require.Len(t, got, 1)
	assert.Equal(t, KindNewMessage, got[0].Type)
	assert.JSONEq(t, `{"guid":"m1"}`, string(got[0].Data))
	assert.Empty(t, groups.received())

	h := all.header(0)
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "HEYOH", h.Get("x-company-id"))
	assert.Equal(t, "secret", h.Get("x-api-key"))
}

func TestWebhookDispatcher_OmitsEmptyAPIKey(t *testing.T) {
	l := newListener(t, http.StatusOK)
	store := &fakeStore{companyID: "HEYOH", subs: []Subscription{{URL: l.server.URL, InterestSet: []string{"*"}}}}
	d := NewWebhookDispatcher(store, time.Second, 1)

	_, err := d.Dispatch(context.Background(), MustEvent(KindNewServer, nil))
	require.NoError(t, err)
	waitWebhooks(t, d)

	_, present := l.header(0)["X-Api-Key"]
	assert.False(t, present)
}

func TestWebhookDispatcher_SendsEachListenerItsOwnSecret(t *testing.T) {
	withSecret := newListener(t, http.StatusOK)
	without := newListener(t, http.StatusOK)
	store := &fakeStore{subs: []Subscription{
		{ListenerID: "a", URL: withSecret.server.URL, Secret: "hunter2", InterestSet: []string{"*"}},
		{ListenerID: "b", URL: without.server.URL, InterestSet: []string{"*"}},
	}}
	d := NewWebhookDispatcher(store, time.Second, 2)

	evt := MustEvent(KindNewMessage, nil)
	evt.ID = "evt-1"
	_, err := d.Dispatch(context.Background(), evt)
	require.NoError(t, err)
	waitWebhooks(t, d)

	require.Len(t, withSecret.received(), 1)
	require.Len(t, without.received(), 1)
	assert.Equal(t, "hunter2", withSecret.header(0).Get("x-courier-secret"))
	assert.Equal(t, "evt-1", withSecret.header(0).Get("x-event-id"))
	_, present := without.header(0)["X-Courier-Secret"]
	assert.False(t, present)
	assert.Equal(t, "evt-1", without.header(0).Get("x-event-id"))
}

func TestWebhookDispatcher_FailureIsolation(t *testing.T) {
	broken := newListener(t, http.StatusInternalServerError)
	healthy := newListener(t, http.StatusOK)
	store := &fakeStore{subs: []Subscription{
		{URL: broken.server.URL, InterestSet: []string{"*"}},
		{URL: "http://127.0.0.1:1/unreachable", InterestSet: []string{"*"}},
		{URL: healthy.server.URL, InterestSet: []string{"*"}},
	}}
	d := NewWebhookDispatcher(store, time.Second, 2)

	n, err := d.Dispatch(context.Background(), MustEvent(KindNewMessage, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	waitWebhooks(t, d)

	assert.Len(t, broken.received(), 1, "each listener is called exactly once")
	assert.Len(t, healthy.received(), 1)
}

func TestWebhookDispatcher_DoesNotWaitForListeners(t *testing.T) {
	slow := newListener(t, http.StatusOK)
	slow.delay = 200 * time.Millisecond
	store := &fakeStore{subs: []Subscription{{URL: slow.server.URL, InterestSet: []string{"*"}}}}
	d := NewWebhookDispatcher(store, time.Second, 1)

	start := time.Now()
	_, err := d.Dispatch(context.Background(), MustEvent(KindNewMessage, nil))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	waitWebhooks(t, d)
	assert.Len(t, slow.received(), 1)
}

func TestWebhookDispatcher_SkipsInternalKinds(t *testing.T) {
	l := newListener(t, http.StatusOK)
	store := &fakeStore{subs: []Subscription{{URL: l.server.URL, InterestSet: []string{"*"}}}}
	d := NewWebhookDispatcher(store, time.Second, 1)

	n, err := d.Dispatch(context.Background(), MustEvent(KindTunnelStateChanged, nil))
	require.NoError(t, err)
	assert.Zero(t, n)
	waitWebhooks(t, d)
	assert.Empty(t, l.received())
}
