package api

import (
	"net/http"

	"github.com/sweater-ventures/courier/app"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("GET /tunnel", routeHandler(app, getTunnelHandler))
		router.Handle("POST /tunnel/rotate", routeHandler(app, rotateTunnelHandler))
		router.Handle("GET /connections", routeHandler(app, listConnectionsHandler))
	})
}

func getTunnelHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	writeJsonResponse(w, http.StatusOK, courier.Tunnel.Session())
}

func rotateTunnelHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	log(r.Context()).Info("Tunnel rotation requested")
	courier.Tunnel.Rotate()
	writeJsonResponse(w, http.StatusAccepted, courier.Tunnel.Session())
}

type ConnectionsResponse struct {
	Count   int                    `json:"count"`
	Clients []app.ConnectionRecord `json:"clients"`
}

func listConnectionsHandler(courier *app.Application, w http.ResponseWriter, r *http.Request) {
	live := courier.Connections.Live()
	if live == nil {
		live = []app.ConnectionRecord{}
	}
	writeJsonResponse(w, http.StatusOK, ConnectionsResponse{Count: len(live), Clients: live})
}
