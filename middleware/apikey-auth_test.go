package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/config"
	"github.com/sweater-ventures/courier/db"
	"github.com/sweater-ventures/courier/testutil"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func authApp(opts ...testutil.ConfigOpt) *app.Application {
	mockDB := new(testutil.MockQuerier)
	mockDB.On("GetConfigValue", mock.Anything, app.ConfigKeyAPIKey).Return(db.ConfigValue{}, pgx.ErrNoRows)
	return testutil.NewTestApp(mockDB, opts...)
}

func TestAPIKeyAuth_HeaderAccepted(t *testing.T) {
	handler := APIKeyAuthMiddleware(authApp())(okHandler)

	req := testutil.WithAPIKey(httptest.NewRequest(http.MethodGet, "/api/webhooks", nil), testutil.TestAPIKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuth_QueryAccepted(t *testing.T) {
	handler := APIKeyAuthMiddleware(authApp())(okHandler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/feed?guid="+testutil.TestAPIKey, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuth_WrongKey(t *testing.T) {
	handler := APIKeyAuthMiddleware(authApp())(okHandler)

	req := testutil.WithAPIKey(httptest.NewRequest(http.MethodPost, "/api/events", nil), "nope")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	testutil.AssertJSONError(t, rec, http.StatusUnauthorized, "missing or invalid API key")
}

func TestAPIKeyAuth_PublicPaths(t *testing.T) {
	handler := APIKeyAuthMiddleware(authApp())(okHandler)

	for _, path := range []string{"/api/ping", "/api/version", "/metrics", "/ws"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAPIKeyAuth_NoKeyConfigured(t *testing.T) {
	noKey := func(c *config.AppConfig) { c.APIKey = "" }

	rec := httptest.NewRecorder()
	APIKeyAuthMiddleware(authApp(noKey))(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhooks", nil))
	testutil.AssertJSONError(t, rec, http.StatusServiceUnavailable, "no API key configured")

	devMode := func(c *config.AppConfig) { c.DevMode = true }
	rec = httptest.NewRecorder()
	APIKeyAuthMiddleware(authApp(noKey, devMode))(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhooks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggingMiddleware_CapturesStatus(t *testing.T) {
	handler := AllStandardMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, r.Context().Value(config.LoggerContextKey))
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/anything", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
