// Package server implements the live-connection core of the relay: the
// connection registry, the event router, and per-session read/write pumps.
//
// The implementation is organized into specialized files for configuration,
// the registry, sessions, routing, authentication, and HTTP handlers to keep
// the codebase maintainable and testable as the project grows.
package server
