// Package server wires HTTP handlers into a ServeMux for the relay
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes configures and returns an HTTP ServeMux with all application
// routes: health check, the WebSocket endpoint, online presence, and
// metrics.
func (srv *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/ws", srv.WebSocketHandler)
	mux.HandleFunc("/online", srv.OnlineUsersHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
