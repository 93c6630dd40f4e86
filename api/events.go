package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sweater-ventures/courier/app"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("POST /events", routeHandler(app, createEventHandler))
	})
}

type CreateEventRequest struct {
	ID   *string         `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	// Timestamp is optional; defaults to now.
	Timestamp *time.Time `json:"timestamp"`
}

// createEventHandler is the producer ingress: the event is published and
// distribution happens asynchronously.
func createEventHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Type == "" {
		writeJsonError(w, http.StatusBadRequest, "type is required")
		return
	}
	kind, err := app.ParseEventKind(req.Type)
	if err != nil {
		writeJsonError(w, http.StatusBadRequest, "unknown event type "+req.Type)
		return
	}
	if kind.Internal() {
		writeJsonError(w, http.StatusBadRequest, "event type "+req.Type+" cannot be published")
		return
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		writeJsonError(w, http.StatusBadRequest, "data must be valid JSON")
		return
	}

	evt, err := app.NewEvent(kind, req.Data)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	if req.ID != nil {
		parsed, err := uuid.Parse(*req.ID)
		if err != nil {
			writeJsonError(w, http.StatusBadRequest, "id must be a valid UUID")
			return
		}
		evt.ID = parsed.String()
	}
	if req.Timestamp != nil {
		evt.Timestamp = req.Timestamp.UTC()
	}

	log(r.Context()).Info("Event received", "event_id", evt.ID, "event_kind", evt.Kind)
	courier.Coordinator.Publish(evt)

	writeJsonResponse(w, http.StatusAccepted, evt)
}
