package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/testutil"
)

func TestGetTunnel_NoProviders(t *testing.T) {
	courier := testutil.NewTestApp(new(testutil.MockQuerier))

	var session app.TunnelSession
	testutil.AssertJSONResponse(t, callHandler(t, courier, getTunnelHandler, httptest.NewRequest(http.MethodGet, "/tunnel", nil)), http.StatusOK, &session)
	assert.Equal(t, app.TunnelDisconnected, session.State)
	assert.Empty(t, session.PublicURL)
}

func TestRotateTunnel_Accepted(t *testing.T) {
	courier := testutil.NewTestApp(new(testutil.MockQuerier))

	rec := callHandler(t, courier, rotateTunnelHandler, httptest.NewRequest(http.MethodPost, "/tunnel/rotate", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestListConnections_Empty(t *testing.T) {
	courier := testutil.NewTestApp(new(testutil.MockQuerier))

	var resp ConnectionsResponse
	testutil.AssertJSONResponse(t, callHandler(t, courier, listConnectionsHandler, httptest.NewRequest(http.MethodGet, "/connections", nil)), http.StatusOK, &resp)
	assert.Equal(t, 0, resp.Count)
	assert.Empty(t, resp.Clients)
}
