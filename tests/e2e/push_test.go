package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweater-ventures/courier/config"
)

type pushGateway struct {
	mu       sync.Mutex
	requests []map[string]any
	server   *httptest.Server
}

// newPushGateway answers every token in order, reporting the tokens listed
// in unregistered as NotRegistered.
func newPushGateway(t *testing.T, unregistered ...string) *pushGateway {
	t.Helper()
	gw := &pushGateway{}
	gw.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		gw.mu.Lock()
		gw.requests = append(gw.requests, req)
		gw.mu.Unlock()

		var results []map[string]string
		for _, tok := range req["registration_ids"].([]any) {
			res := map[string]string{"message_id": "1"}
			for _, u := range unregistered {
				if tok == u {
					res = map[string]string{"error": "NotRegistered"}
				}
			}
			results = append(results, res)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	t.Cleanup(gw.server.Close)
	return gw
}

func (g *pushGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func TestPush_EligibleEventsReachDevicesAndDeadTokensArePruned(t *testing.T) {
	gw := newPushGateway(t, "dead-token")
	s := startServer(t, func(c *config.AppConfig) {
		c.PushGatewayURL = gw.server.URL
		c.PushServerKey = "server-key"
	})

	for _, tok := range []string{"live-token", "dead-token"} {
		resp := s.do(t, http.MethodPost, "/api/devices", map[string]any{"name": tok, "token": tok})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	publish(t, s, "typing-indicator", map[string]any{"display": true})
	publish(t, s, "new-message", map[string]any{"guid": "m1"})

	require.Eventually(t, func() bool {
		devices, err := s.App.DB.ListDevices(context.Background())
		return err == nil && len(devices) == 1 && devices[0].Token == "live-token"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, gw.count(), "typing-indicator is not push eligible")
	gw.mu.Lock()
	data := gw.requests[0]["data"].(map[string]any)
	gw.mu.Unlock()
	assert.Equal(t, "new-message", data["type"])
}

func TestPush_FallbackSkipsAcknowledgedEvents(t *testing.T) {
	gw := newPushGateway(t)
	s := startServer(t, func(c *config.AppConfig) {
		c.PushGatewayURL = gw.server.URL
		c.PushServerKey = "server-key"
		c.PushPolicy = "fallback"
		c.PushGrace = 300 * time.Millisecond
	})
	resp := s.do(t, http.MethodPost, "/api/devices", map[string]any{"name": "phone", "token": "tok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn := s.dialClient(t, "desktop-1", "")

	acked := publish(t, s, "new-message", map[string]any{"guid": "m1"})
	frame := readUntil(t, conn, "new-message")
	require.Equal(t, acked, frame["id"])
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ack", "eventId": acked}))

	publish(t, s, "new-message", map[string]any{"guid": "m2"})
	readUntil(t, conn, "new-message")

	require.Eventually(t, func() bool { return gw.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, gw.count(), "only the unacknowledged event falls back to push")
}
