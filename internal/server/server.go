// Package server wires the registry, router, and gateway into an HTTP
// service with graceful shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Dependencies are the collaborators a Server consumes. Resolver and Store
// are external to the fan-out core; Registry, Validator, and Metrics default
// to the in-process implementations when nil.
type Dependencies struct {
	Resolver  MembershipResolver
	Store     MessageStore
	Registry  Registry
	Validator TokenValidator
	Metrics   *Metrics
	Logger    zerolog.Logger
}

// Server owns the live-connection state for one process: the registry of
// sessions, the router that fans events out to them, and the HTTP surface
// that admits new connections.
type Server struct {
	cfg       Config
	registry  Registry
	router    *Router
	validator TokenValidator
	upgrader  websocket.Upgrader
	metrics   *Metrics
	log       zerolog.Logger

	http *http.Server
}

// NewServer assembles a server from configuration and collaborators.
func NewServer(cfg Config, deps Dependencies) *Server {
	logger := deps.Logger

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.DefaultRegisterer)
	}

	registry := deps.Registry
	if registry == nil {
		registry = NewMemoryRegistry(logger, metrics)
	}

	validator := deps.Validator
	if validator == nil {
		validator = NewJWTValidator(cfg.Auth.JWTSecret)
	}

	policy := DeliveryPolicy{
		EchoMessagesToSender: cfg.Delivery.EchoMessagesToSender,
		EchoTypingToSender:   cfg.Delivery.EchoTypingToSender,
	}
	router := NewRouter(registry, deps.Resolver, deps.Store, policy, logger, metrics)

	checker := newOriginChecker(cfg.Server.AllowedOrigins, logger)

	return &Server{
		cfg:       cfg,
		registry:  registry,
		router:    router,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checker.check,
		},
		metrics: metrics,
		log:     logger,
	}
}

// Registry exposes the connection registry, mainly for tests and shutdown
// coordination.
func (srv *Server) Registry() Registry { return srv.registry }

// Router exposes the event router.
func (srv *Server) Router() *Router { return srv.router }

// Start begins listening for connections and blocks until the listener
// stops.
func (srv *Server) Start() error {
	srv.http = &http.Server{
		Addr:         srv.cfg.Server.ListenAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv.log.Info().Str("addr", srv.cfg.Server.ListenAddr).Msg("server listening")
	return srv.http.ListenAndServe()
}

// Shutdown stops accepting new connections, then closes every live session.
// It returns once the HTTP server has drained or the context expires.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.log.Info().Msg("shutting down")

	var err error
	if srv.http != nil {
		err = srv.http.Shutdown(ctx)
	}
	srv.registry.CloseAll()
	return err
}
