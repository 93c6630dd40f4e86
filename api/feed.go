package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sweater-ventures/courier/app"
)

const feedKeepAlive = 25 * time.Second

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("GET /feed", routeHandler(app, feedHandler))
	})
}

// feedHandler streams the local feed as server-sent events until the
// client goes away or the feed is closed.
func feedHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJsonError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	messages, unsubscribe := courier.Feed.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(feedKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-messages:
			if !ok {
				return
			}
			data, err := json.Marshal(msg.Event)
			if err != nil {
				log(r.Context()).Warn("Failed to encode feed message", "event_id", msg.Event.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Seq, msg.Event.Kind, data)
			flusher.Flush()
		}
	}
}
