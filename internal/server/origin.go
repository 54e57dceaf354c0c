// Package server normalizes and validates HTTP origins for WebSocket
// requests to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// originChecker holds the normalized allow-list for one server instance.
type originChecker struct {
	allowAll bool
	allowed  map[string]struct{}
	log      zerolog.Logger
}

func newOriginChecker(origins []string, logger zerolog.Logger) *originChecker {
	c := &originChecker{
		allowed: make(map[string]struct{}, len(origins)),
		log:     logger,
	}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			c.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}
		c.allowed[normalized] = struct{}{}
	}
	return c
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (c *originChecker) check(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		// Non-browser clients send no Origin header; the bearer token is
		// their access control.
		return true
	}

	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if c.allowAll {
		return true
	}
	if _, exists := c.allowed[normalized]; exists {
		return true
	}

	c.log.Warn().Str("origin", originHeader).Msg("blocked WebSocket connection from disallowed origin")
	return false
}
