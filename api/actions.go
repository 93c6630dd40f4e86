package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sweater-ventures/courier/app"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("POST /actions", routeHandler(app, createActionHandler))
		router.Handle("GET /actions/{id}", routeHandler(app, getActionHandler))
		router.Handle("DELETE /actions/{id}", routeHandler(app, cancelActionHandler))
	})
}

type CreateActionRequest struct {
	TargetKey string          `json:"targetKey"`
	Operation string          `json:"operation"`
	Arguments json.RawMessage `json:"arguments"`
	ClientRef string          `json:"clientRef"`
}

func createActionHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	var req CreateActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TargetKey == "" {
		writeJsonError(w, http.StatusBadRequest, "targetKey is required")
		return
	}
	if req.Operation == "" {
		writeJsonError(w, http.StatusBadRequest, "operation is required")
		return
	}

	action, err := courier.Actions.Enqueue(app.ActionRequest{
		TargetKey: req.TargetKey,
		Operation: req.Operation,
		Arguments: req.Arguments,
		ClientRef: req.ClientRef,
		Origin:    "api",
	})
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	log(r.Context()).Info("Action enqueued", "action_id", action.ID, "target_key", action.TargetKey, "operation", action.Operation)
	writeJsonResponse(w, http.StatusAccepted, action)
}

func parseActionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeJsonError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func getActionHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	id, ok := parseActionID(w, r)
	if !ok {
		return
	}
	action, err := courier.Actions.Get(id)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJsonResponse(w, http.StatusOK, action)
}

func cancelActionHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	id, ok := parseActionID(w, r)
	if !ok {
		return
	}
	action, err := courier.Actions.Cancel(id)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJsonResponse(w, http.StatusOK, action)
}
