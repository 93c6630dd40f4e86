package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sweater-ventures/courier/metrics"
)

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		capturingWriter := ExtendResponseWriter(w)

		next.ServeHTTP(capturingWriter, r)

		status := capturingWriter.StatusCode
		if status == 0 {
			// hijacked for a websocket, or the handler wrote nothing
			status = http.StatusSwitchingProtocols
			if !capturingWriter.Hijacked {
				status = http.StatusOK
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()

		level := slog.LevelInfo
		if r.URL.Path == "/api/ping" {
			level = slog.LevelDebug
		}
		log(r.Context()).Log(r.Context(), level, fmt.Sprintf("Request %s %s %d %s", r.Method, r.URL.Path, status, http.StatusText(status)),
			slog.String("method", r.Method),
			slog.String("host", r.Host),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", capturingWriter.WriteBegin.Sub(start)),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
