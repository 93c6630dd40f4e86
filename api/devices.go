package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/db"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("GET /devices", routeHandler(app, listDevicesHandler))
		router.Handle("POST /devices", routeHandler(app, registerDeviceHandler))
		router.Handle("DELETE /devices/{token}", routeHandler(app, deleteDeviceHandler))
	})
}

type RegisterDeviceRequest struct {
	Name     string `json:"name"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type DeviceResponse struct {
	Name       string    `json:"name"`
	Token      string    `json:"token"`
	Platform   string    `json:"platform"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

func deviceToResponse(d db.Device) DeviceResponse {
	return DeviceResponse{
		Name:       d.Name,
		Token:      d.Token,
		Platform:   d.Platform,
		LastSeenAt: d.LastSeenAt.Time,
	}
}

func listDevicesHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	devices, err := courier.DB.ListDevices(r.Context())
	if err != nil {
		log(r.Context()).Error("Failed to list devices", "error", err)
		writeJsonError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}
	response := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		response = append(response, deviceToResponse(d))
	}
	writeJsonResponse(w, http.StatusOK, response)
}

// registerDeviceHandler upserts by token so a re-registering phone only
// refreshes its name and last-seen time.
func registerDeviceHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Token == "" {
		writeJsonError(w, http.StatusBadRequest, "token is required")
		return
	}
	if req.Name == "" {
		req.Name = "unknown"
	}
	if req.Platform == "" {
		req.Platform = "android"
	}

	device, err := courier.DB.UpsertDevice(r.Context(), db.UpsertDeviceParams{
		ID:        pgtype.UUID{Bytes: uuid.Must(uuid.NewV7()), Valid: true},
		Name:      req.Name,
		Token:     req.Token,
		Platform:  req.Platform,
		CreatedAt: pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
	})
	if err != nil {
		log(r.Context()).Error("Failed to register device", "error", err)
		writeJsonError(w, http.StatusInternalServerError, "Failed to register device")
		return
	}
	log(r.Context()).Info("Device registered", "device_name", device.Name, "platform", device.Platform)
	writeJsonResponse(w, http.StatusOK, deviceToResponse(device))
}

func deleteDeviceHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		writeJsonError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := courier.Store.RemoveDevice(r.Context(), token); err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
