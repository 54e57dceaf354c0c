// Package server validates the identity claim carried by an upgrade request
// before any session is constructed.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers missing, malformed, expired, and badly signed
// tokens. The upgrade request is rejected before any session state exists.
var ErrInvalidToken = errors.New("invalid token")

// TokenValidator verifies a bearer token and returns the user identity it
// was issued to.
type TokenValidator interface {
	Verify(token string) (int64, error)
}

// JWTValidator validates HS256 JWTs whose sub claim carries the user id.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator over a shared HMAC secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Verify parses and validates the token and extracts the user identity.
func (v *JWTValidator) Verify(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}
	return subjectID(claims)
}

// subjectID accepts both numeric and string-encoded sub claims; token
// issuers differ on which they emit.
func subjectID(claims jwt.MapClaims) (int64, error) {
	switch sub := claims["sub"].(type) {
	case float64:
		return int64(sub), nil
	case string:
		id, err := strconv.ParseInt(sub, 10, 64)
		if err != nil {
			return 0, ErrInvalidToken
		}
		return id, nil
	default:
		return 0, ErrInvalidToken
	}
}

// bearerToken extracts the token from the request: the token query parameter
// (browser WebSocket clients cannot set headers) or an Authorization: Bearer
// header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
