package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/config"
)

type routeRegistrationFunc func(courier *app.Application, router *http.ServeMux)

var routes []routeRegistrationFunc

func registerRoute(r routeRegistrationFunc) {
	routes = append(routes, r)
}

func AddApis(courier *app.Application, router *http.ServeMux) {
	slog.Debug("Registering all API Endpoints", "count", len(routes))
	apiRouter := http.NewServeMux()
	for _, r := range routes {
		r(courier, apiRouter)
	}
	router.Handle("/api/", http.StripPrefix("/api", apiRouter))
}

func log(ctx context.Context) *slog.Logger {
	log := ctx.Value(config.LoggerContextKey)
	if log == nil {
		return slog.Default()
	} else {
		return log.(*slog.Logger)
	}
}

type appHandler func(courier *app.Application, w http.ResponseWriter, r *http.Request)

func routeHandler(courier *app.Application, handler appHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(courier, w, r)
	})
}

func writeJsonResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeJsonError(w http.ResponseWriter, statusCode int, message string) {
	writeJsonResponse(w, statusCode, map[string]string{"error": message})
}

// writeAppError maps the error taxonomy onto HTTP statuses.
func writeAppError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		permanent *app.PermanentRejectionError
		cfgErr    *app.ConfigurationError
		capErr    *app.CapacityError
		transient *app.TransientTransportError
	)
	switch {
	case errors.As(err, &permanent):
		writeJsonError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrActionNotFound), errors.Is(err, pgx.ErrNoRows):
		writeJsonError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrNotCancelable):
		writeJsonError(w, http.StatusConflict, err.Error())
	case errors.As(err, &capErr):
		writeJsonError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, app.ErrQueueClosed), errors.As(err, &cfgErr), errors.As(err, &transient):
		writeJsonError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log(ctx).Error("Request failed", "error", err)
		writeJsonError(w, http.StatusInternalServerError, "internal error")
	}
}
