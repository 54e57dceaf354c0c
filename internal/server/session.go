// Package server manages individual WebSocket sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait is the deadline for a single write to the transport.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// loop gives up on it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second
)

// Session lifecycle states. Connecting exists only during construction;
// Closed is terminal and triggers exactly one registry removal.
const (
	StateConnecting int32 = iota
	StateOpen
	StateClosing
	StateClosed
)

var (
	// ErrQueueFull is returned by Enqueue when the outbound queue is at
	// capacity. The delivery for this session is dropped; the session
	// stays open.
	ErrQueueFull = errors.New("session outbound queue full")
	// ErrSessionClosed is returned by Enqueue once the session has left
	// the Open state.
	ErrSessionClosed = errors.New("session closed")
)

// Session represents one live connection: the owning user identity, the
// bounded outbound queue drained by the write pump, and the read pump that
// decodes inbound frames and hands them to the router.
type Session struct {
	id       string
	identity int64

	conn *websocket.Conn
	send chan []byte

	state     atomic.Int32
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	registry Registry
	router   *Router
	limiter  *rateLimiter
	metrics  *Metrics
	log      zerolog.Logger

	maxMessageSize int64
}

// NewSession wraps an upgraded connection for the given identity. The
// returned session is Open; Start launches the pump goroutines. conn may be
// nil in tests that only exercise the queue.
func NewSession(identity int64, conn *websocket.Conn, reg Registry, router *Router, cfg Config, logger zerolog.Logger, metrics *Metrics) *Session {
	s := &Session{
		id:             uuid.NewString(),
		identity:       identity,
		conn:           conn,
		send:           make(chan []byte, cfg.Limits.SendQueueSize),
		registry:       reg,
		router:         router,
		limiter:        newRateLimiter(cfg.Limits.RateLimitBurst, cfg.Limits.rateLimitRefill()),
		metrics:        metrics,
		maxMessageSize: cfg.Limits.MaxMessageSize,
	}
	s.log = logger.With().Str("session_id", s.id).Int64("user_id", identity).Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if conn != nil {
		conn.SetReadLimit(cfg.Limits.MaxMessageSize)
	}
	s.state.Store(StateOpen)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Identity returns the authenticated user this session belongs to.
func (s *Session) Identity() int64 { return s.identity }

// State returns the current lifecycle state.
func (s *Session) State() int32 { return s.state.Load() }

// Start launches the read and write pumps. The pumps share no mutable state
// beyond the outbound queue and the state flag.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// Enqueue attempts a non-blocking push of a serialized frame onto the
// outbound queue. Accepted frames are written to the transport in enqueue
// order.
func (s *Session) Enqueue(payload []byte) error {
	if s.state.Load() != StateOpen {
		return ErrSessionClosed
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close shuts the session down. It is safe to call from either pump or from
// an external shutdown path; the registry removal happens exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(StateClosing)
		s.cancel()
		if s.conn != nil {
			deadline := time.Now().Add(writeWait)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
				s.log.Debug().Err(err).Msg("error closing connection")
			}
		}
		s.state.Store(StateClosed)
		if s.registry != nil {
			s.registry.Unregister(s.identity, s)
		}
		s.log.Info().Msg("session closed")
	})
}

func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Debug().Err(err).Msg("error setting initial read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs a transport failure at a severity matching how
// expected it is. Any read error is fatal to the session.
func (s *Session) handleReadError(err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		s.log.Warn().Int64("limit", s.maxMessageSize).Msg("inbound frame exceeded size limit")
		return
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		s.log.Info().Err(err).Msg("client disconnected")
		return
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		s.log.Info().Err(err).Msg("connection closed")
		return
	}

	s.log.Warn().Err(err).Msg("websocket read error")
}

// processFrame decodes and routes one inbound frame. Malformed frames are
// dropped; the connection stays up.
func (s *Session) processFrame(raw []byte) {
	evt, err := DecodeEvent(raw)
	if err != nil {
		s.metrics.recordDecodeError()
		s.log.Debug().Err(err).Msg("discarding malformed frame")
		return
	}

	// The authenticated identity wins over whatever the client put in the
	// frame.
	evt.UserID = s.identity

	report, err := s.router.Route(s.ctx, s, evt)
	if err != nil {
		s.metrics.recordDecodeError()
		s.log.Debug().Err(err).Msg("discarding unroutable frame")
		return
	}
	s.log.Debug().
		Str("event_type", evt.Type).
		Int("delivered", report.Delivered).
		Int("dropped", report.Dropped).
		Int("offline", len(report.Offline)).
		Msg("routed event")
}

func (s *Session) readPump() {
	defer s.Close()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if s.limiter != nil && !s.limiter.allow() {
			s.log.Debug().Msg("rate limit exceeded; discarding frame")
			continue
		}

		s.processFrame(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.send:
			if !s.writeFrame(payload) {
				return
			}
		case <-ticker.C:
			if !s.writePing() {
				return
			}
		}
	}
}

// writeFrame writes one frame plus any frames already queued behind it,
// newline-separated within a single websocket message.
func (s *Session) writeFrame(payload []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Debug().Err(err).Msg("error setting write deadline")
		return false
	}

	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		s.log.Debug().Err(err).Msg("error creating frame writer")
		return false
	}
	if _, err := w.Write(payload); err != nil {
		s.log.Debug().Err(err).Msg("error writing frame")
		return false
	}

	queued := len(s.send)
	for i := 0; i < queued; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return false
		}
		if _, err := w.Write(<-s.send); err != nil {
			return false
		}
	}

	if err := w.Close(); err != nil {
		s.log.Debug().Err(err).Msg("error closing frame writer")
		return false
	}
	return true
}

func (s *Session) writePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Debug().Err(err).Msg("error writing ping")
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
