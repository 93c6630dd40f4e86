package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/db"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("GET /webhooks", routeHandler(app, listWebhooksHandler))
		router.Handle("POST /webhooks", routeHandler(app, createWebhookHandler))
		router.Handle("DELETE /webhooks/{id}", routeHandler(app, deleteWebhookHandler))
	})
}

type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type WebhookResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"createdAt"`
}

func webhookToResponse(w db.Webhook) WebhookResponse {
	events := w.Events
	if events == nil {
		events = []string{}
	}
	return WebhookResponse{
		ID:        app.UuidToString(w.ID),
		URL:       w.Url,
		Events:    events,
		CreatedAt: w.CreatedAt.Time,
	}
}

// validInterest accepts "*", a known kind, or a glob over kinds.
func validInterest(pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.ContainsAny(pattern, "*_") {
		return true
	}
	kind, err := app.ParseEventKind(pattern)
	return err == nil && !kind.Internal()
}

func listWebhooksHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	webhooks, err := courier.DB.ListWebhooks(r.Context())
	if err != nil {
		log(r.Context()).Error("Failed to list webhooks", "error", err)
		writeJsonError(w, http.StatusInternalServerError, "Failed to list webhooks")
		return
	}
	response := make([]WebhookResponse, 0, len(webhooks))
	for _, wh := range webhooks {
		response = append(response, webhookToResponse(wh))
	}
	writeJsonResponse(w, http.StatusOK, response)
}

func createWebhookHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URL == "" {
		writeJsonError(w, http.StatusBadRequest, "url is required")
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		writeJsonError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	if len(req.Events) == 0 {
		writeJsonError(w, http.StatusBadRequest, "events is required")
		return
	}
	for _, e := range req.Events {
		if !validInterest(e) {
			writeJsonError(w, http.StatusBadRequest, "unknown event type "+e)
			return
		}
	}

	webhook, err := courier.DB.CreateWebhook(r.Context(), db.CreateWebhookParams{
		ID:        pgtype.UUID{Bytes: uuid.Must(uuid.NewV7()), Valid: true},
		Url:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
		CreatedAt: pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
	})
	if err != nil {
		log(r.Context()).Error("Failed to create webhook", "error", err)
		writeJsonError(w, http.StatusInternalServerError, "Failed to create webhook")
		return
	}
	log(r.Context()).Info("Webhook registered", "webhook_id", app.UuidToString(webhook.ID), "url", webhook.Url)
	writeJsonResponse(w, http.StatusCreated, webhookToResponse(webhook))
}

func deleteWebhookHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	parsed, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJsonError(w, http.StatusBadRequest, "id must be a valid UUID")
		return
	}
	id := pgtype.UUID{Bytes: parsed, Valid: true}

	if _, err := courier.DB.GetWebhookByID(r.Context(), id); err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	if err := courier.DB.DeleteWebhook(r.Context(), id); err != nil {
		log(r.Context()).Error("Failed to delete webhook", "error", err)
		writeJsonError(w, http.StatusInternalServerError, "Failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
