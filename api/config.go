package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/db"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("GET /config", routeHandler(app, getConfigHandler))
		router.Handle("PUT /config/{key}", routeHandler(app, setConfigHandler))
	})
}

type ConfigResponse struct {
	CompanyID     string `json:"companyId"`
	APIKeyPresent bool   `json:"apiKeyPresent"`
	PushPolicy    string `json:"pushPolicy"`
	PushEnabled   bool   `json:"pushEnabled"`
}

type SetConfigRequest struct {
	Value string `json:"value"`
}

var settableConfigKeys = map[string]bool{
	app.ConfigKeyCompanyID: true,
	app.ConfigKeyAPIKey:    true,
}

func getConfigHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	writeJsonResponse(w, http.StatusOK, ConfigResponse{
		CompanyID:     courier.Store.CompanyID(r.Context()),
		APIKeyPresent: courier.Store.APIKey(r.Context()) != "",
		PushPolicy:    courier.Config.PushPolicy,
		PushEnabled:   courier.Push != nil,
	})
}

// setConfigHandler stores an identity value; it takes effect on the next
// dispatch since the store is read on every call.
func setConfigHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !settableConfigKeys[key] {
		writeJsonError(w, http.StatusBadRequest, "unknown config key "+key)
		return
	}
	var req SetConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	_, err := courier.DB.SetConfigValue(r.Context(), db.SetConfigValueParams{
		Key:       key,
		Value:     req.Value,
		UpdatedAt: pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
	})
	if err != nil {
		log(r.Context()).Error("Failed to set config value", "key", key, "error", err)
		writeJsonError(w, http.StatusInternalServerError, "Failed to set config value")
		return
	}
	log(r.Context()).Info("Config value updated", "key", key)
	w.WriteHeader(http.StatusNoContent)
}
