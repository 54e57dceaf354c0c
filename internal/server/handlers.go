// Package server exposes HTTP handlers: the authenticated WebSocket upgrade
// endpoint, health checks, and the online-presence listing.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// WebSocketHandler is the gateway entry point. The bearer token must verify
// before the connection is upgraded; a request that fails verification or
// upgrade leaves no registered state behind.
func (srv *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}
	identity, err := srv.validator.Verify(token)
	if err != nil {
		srv.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected upgrade: token verification failed")
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response; nothing was registered.
		srv.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	session := NewSession(identity, conn, srv.registry, srv.router, srv.cfg, srv.log, srv.metrics)
	srv.registry.Register(identity, session)
	session.Start()
}

// HealthHandler provides a simple health check endpoint that returns server
// status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

// OnlineUsersHandler lists the user identities that currently hold at least
// one live session.
func (srv *Server) OnlineUsersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	users := srv.registry.OnlineUsers()
	if users == nil {
		users = []int64{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"online": users}); err != nil {
		srv.log.Debug().Err(err).Msg("error writing online users response")
	}
}
