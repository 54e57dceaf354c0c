package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationServer(t *testing.T, resolver MembershipResolver) (*Server, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = testSecret

	srv := NewServer(cfg, Dependencies{
		Resolver: resolver,
		Logger:   zerolog.Nop(),
		Metrics:  NewMetrics(prometheus.NewRegistry()),
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server, identity int64) *websocket.Conn {
	t.Helper()

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": fmt.Sprintf("%d", identity),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitOnline(t *testing.T, reg Registry, identity int64, sessions int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(reg.SessionsFor(identity)) >= sessions {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user %d never reached %d sessions", identity, sessions)
}

func readEvent(t *testing.T, conn *websocket.Conn) *Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt Event
	require.NoError(t, json.Unmarshal(raw, &evt))
	return &evt
}

func TestWebSocketRequiresToken(t *testing.T) {
	_, ts := newIntegrationServer(t, nil)

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketRejectsInvalidToken(t *testing.T) {
	_, ts := newIntegrationServer(t, nil)

	resp, err := http.Get(ts.URL + "/ws?token=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketRejectsNonGet(t *testing.T) {
	_, ts := newIntegrationServer(t, nil)

	resp, err := http.Post(ts.URL+"/ws", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newIntegrationServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOnlineEndpoint(t *testing.T) {
	srv, ts := newIntegrationServer(t, nil)

	dialWS(t, ts, 5)
	waitOnline(t, srv.Registry(), 5, 1)

	resp, err := http.Get(ts.URL + "/online")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Online []int64 `json:"online"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Online, int64(5))
}

func TestDirectMessageFanOut(t *testing.T) {
	srv, ts := newIntegrationServer(t, nil)

	sender := dialWS(t, ts, 1)
	recvA := dialWS(t, ts, 2)
	recvB := dialWS(t, ts, 2)
	waitOnline(t, srv.Registry(), 1, 1)
	waitOnline(t, srv.Registry(), 2, 2)

	// The client-supplied user_id is deliberately wrong; the server must
	// replace it with the authenticated identity.
	frame := `{"event_type":"message","user_id":999,"receiver_id":2,"content":"hi"}`
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte(frame)))

	for _, conn := range []*websocket.Conn{recvA, recvB} {
		evt := readEvent(t, conn)
		assert.Equal(t, EventMessage, evt.Type)
		assert.Equal(t, int64(1), evt.UserID)
		require.NotNil(t, evt.Content)
		assert.Equal(t, "hi", *evt.Content)
	}

	// The sender's own connection receives nothing.
	require.NoError(t, sender.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := sender.ReadMessage()
	assert.Error(t, err)
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	srv, ts := newIntegrationServer(t, nil)

	sender := dialWS(t, ts, 1)
	receiver := dialWS(t, ts, 2)
	waitOnline(t, srv.Registry(), 1, 1)
	waitOnline(t, srv.Registry(), 2, 1)

	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"message"`)))
	frame := `{"event_type":"message","user_id":1,"receiver_id":2,"content":"still here"}`
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte(frame)))

	evt := readEvent(t, receiver)
	require.NotNil(t, evt.Content)
	assert.Equal(t, "still here", *evt.Content)
}

func TestDisconnectUnregisters(t *testing.T) {
	srv, ts := newIntegrationServer(t, nil)

	conn := dialWS(t, ts, 9)
	waitOnline(t, srv.Registry(), 9, 1)

	require.NoError(t, conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !srv.Registry().IsOnline(9) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("disconnected session was never unregistered")
}
