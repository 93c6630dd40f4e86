package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/testutil"
)

func newActionsApp(t *testing.T) *app.Application {
	t.Helper()
	courier := testutil.NewTestApp(new(testutil.MockQuerier))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		courier.Actions.Close(ctx)
	})
	return courier
}

func TestCreateAction_Accepted(t *testing.T) {
	courier := newActionsApp(t)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/actions", map[string]any{
		"targetKey": "chat-1",
		"operation": app.OpSendMessage,
		"arguments": map[string]any{"text": "hello"},
		"clientRef": "temp-1",
	})
	rec := callHandler(t, courier, createActionHandler, req)

	var action app.Action
	testutil.AssertJSONResponse(t, rec, http.StatusAccepted, &action)
	assert.NotZero(t, action.ID)
	assert.Equal(t, "chat-1", action.TargetKey)
	assert.Equal(t, "temp-1", action.ClientRef)
	assert.Equal(t, "api", action.Origin)
}

func TestCreateAction_Validation(t *testing.T) {
	courier := newActionsApp(t)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/actions", map[string]any{"operation": "send-message"})
	testutil.AssertJSONError(t, callHandler(t, courier, createActionHandler, req), http.StatusBadRequest, "targetKey is required")

	req = testutil.NewJSONRequest(t, http.MethodPost, "/actions", map[string]any{"targetKey": "chat-1"})
	testutil.AssertJSONError(t, callHandler(t, courier, createActionHandler, req), http.StatusBadRequest, "operation is required")
}

func TestCreateAction_QueueClosed(t *testing.T) {
	courier := newActionsApp(t)
	require.NoError(t, courier.Actions.Close(context.Background()))

	req := testutil.NewJSONRequest(t, http.MethodPost, "/actions", map[string]any{
		"targetKey": "chat-1",
		"operation": app.OpMarkRead,
	})
	rec := callHandler(t, courier, createActionHandler, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetAction_Lookup(t *testing.T) {
	courier := newActionsApp(t)

	action, err := courier.Actions.Enqueue(app.ActionRequest{TargetKey: "chat-2", Operation: app.OpMarkRead})
	require.NoError(t, err)

	id := strconv.FormatUint(action.ID, 10)
	req := httptest.NewRequest(http.MethodGet, "/actions/"+id, nil)
	req.SetPathValue("id", id)
	rec := callHandler(t, courier, getActionHandler, req)

	var got app.Action
	testutil.AssertJSONResponse(t, rec, http.StatusOK, &got)
	assert.Equal(t, action.ID, got.ID)
	assert.Equal(t, "chat-2", got.TargetKey)
}

func TestGetAction_NotFound(t *testing.T) {
	courier := newActionsApp(t)

	req := httptest.NewRequest(http.MethodGet, "/actions/42", nil)
	req.SetPathValue("id", "42")
	testutil.AssertJSONError(t, callHandler(t, courier, getActionHandler, req), http.StatusNotFound, "not found")
}

func TestCancelAction_BadID(t *testing.T) {
	courier := newActionsApp(t)

	req := httptest.NewRequest(http.MethodDelete, "/actions/abc", nil)
	req.SetPathValue("id", "abc")
	testutil.AssertJSONError(t, callHandler(t, courier, cancelActionHandler, req), http.StatusBadRequest, "positive integer")
}

func TestCancelAction_NotFound(t *testing.T) {
	courier := newActionsApp(t)

	req := httptest.NewRequest(http.MethodDelete, "/actions/7", nil)
	req.SetPathValue("id", "7")
	testutil.AssertJSONError(t, callHandler(t, courier, cancelActionHandler, req), http.StatusNotFound, "not found")
}
