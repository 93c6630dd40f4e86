package api

import (
	"net/http"

	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/config"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("GET /version", routeHandler(app, versionApiHandler))
		router.Handle("GET /ping", routeHandler(app, pingApiHandler))
	})
}

type VersionResponse struct {
	App     string `json:"app"`
	Version string `json:"version"`
}

func versionApiHandler(app *app.Application, w http.ResponseWriter, r *http.Request) {
	writeJsonResponse(w, http.StatusOK, VersionResponse{
		App:     "courier",
		Version: config.Version,
	})
}

// pingApiHandler is what tunnel health checks hit through the public URL.
func pingApiHandler(app *app.Application, w http.ResponseWriter, r *http.Request) {
	writeJsonResponse(w, http.StatusOK, map[string]string{"message": "pong"})
}
