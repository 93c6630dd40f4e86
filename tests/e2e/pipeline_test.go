package e2e

import (
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

// webhookRecorder is a listener endpoint that records every delivery.
type webhookRecorder struct {
	mu      sync.Mutex
	bodies  []map[string]any
	headers []http.Header
	status  int
	server  *httptest.Server
}

func newWebhookRecorder(t *testing.T, status int) *webhookRecorder {
	t.Helper()
	rec := &webhookRecorder{status: status}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		json.Unmarshal(raw, &body)
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, body)
		rec.headers = append(rec.headers, r.Header.Clone())
		rec.mu.Unlock()
		w.WriteHeader(rec.status)
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (r *webhookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *webhookRecorder) first() (map[string]any, http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[0], r.headers[0]
}

func registerWebhook(t *testing.T, s *testServer, url string, events ...string) {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/webhooks", map[string]any{"url": url, "events": events})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func publish(t *testing.T, s *testServer, kind string, data any) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/events", map[string]any{"type": kind, "data": data})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var evt struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&evt))
	return evt.ID
}

func TestPipeline_EventReachesWebhookAndRealtimeClient(t *testing.T) {
	s := startServer(t)
	hook := newWebhookRecorder(t, http.StatusOK)
	registerWebhook(t, s, hook.server.URL, "*")
	conn := s.dialClient(t, "phone-1", "")

	id := publish(t, s, "new-message", map[string]any{"guid": "m1", "text": "hello"})

	frame := readUntil(t, conn, "new-message")
	assert.Equal(t, id, frame["id"])
	assert.Equal(t, "hello", frame["data"].(map[string]any)["text"])

	require.Eventually(t, func() bool { return hook.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	body, headers := hook.first()
	assert.Equal(t, "new-message", body["type"])
	assert.Equal(t, "m1", body["data"].(map[string]any)["guid"])
	assert.Equal(t, "HEYOH", headers.Get("x-company-id"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
}

func TestPipeline_FailingWebhookDoesNotAffectOthers(t *testing.T) {
	s := startServer(t)
	broken := newWebhookRecorder(t, http.StatusInternalServerError)
	healthy := newWebhookRecorder(t, http.StatusOK)
	registerWebhook(t, s, broken.server.URL, "*")
	registerWebhook(t, s, healthy.server.URL, "*")

	publish(t, s, "new-message", map[string]any{"guid": "m1"})
	publish(t, s, "updated-message", map[string]any{"guid": "m1"})

	require.Eventually(t, func() bool { return healthy.count() == 2 && broken.count() == 2 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, broken.count(), "failed webhook calls are not retried")
}

func TestPipeline_InterestSetFiltersKinds(t *testing.T) {
	s := startServer(t)
	groups := newWebhookRecorder(t, http.StatusOK)
	messages := newWebhookRecorder(t, http.StatusOK)
	registerWebhook(t, s, groups.server.URL, "group-*")
	registerWebhook(t, s, messages.server.URL, "new-message")

	publish(t, s, "group-name-change", map[string]any{"name": "fam"})
	publish(t, s, "new-message", map[string]any{"guid": "m1"})

	require.Eventually(t, func() bool { return groups.count() == 1 && messages.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	body, _ := groups.first()
	assert.Equal(t, "group-name-change", body["type"])
	body, _ = messages.first()
	assert.Equal(t, "new-message", body["type"])
}

func TestPipeline_StoredCompanyIDAppliesToNextDelivery(t *testing.T) {
	s := startServer(t)
	hook := newWebhookRecorder(t, http.StatusOK)
	registerWebhook(t, s, hook.server.URL, "*")

	resp := s.do(t, http.MethodPut, "/api/config/companyId", map[string]any{"value": "ACME"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	publish(t, s, "typing-indicator", map[string]any{"display": true})

	require.Eventually(t, func() bool { return hook.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	_, headers := hook.first()
	assert.Equal(t, "ACME", headers.Get("x-company-id"))
}

func TestPipeline_RejectsMissingAPIKey(t *testing.T) {
	s := startServer(t)

	resp, err := http.Post(s.URL+"/api/events", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(s.URL + "/api/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
