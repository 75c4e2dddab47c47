// ABOUTME: One live dashboard connection with its identity, topics and liveness
// ABOUTME: Serializes writes to the underlying socket

package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/switchboard-gateway/internal/auth"
)

// Socket is the write side of a websocket connection. *websocket.Conn
// satisfies it.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one attached connection.
type Session struct {
	ID          string
	Identity    auth.Identity
	ConnectedAt time.Time

	socket       Socket
	writeTimeout time.Duration
	limiter      *rate.Limiter

	writeMu sync.Mutex
	alive   atomic.Bool
	closed  atomic.Bool

	// guarded by Hub.mu
	topics map[string]struct{}
}

func newSession(id string, identity auth.Identity, socket Socket, cfg Config, now time.Time) *Session {
	s := &Session{
		ID:           id,
		Identity:     identity,
		ConnectedAt:  now,
		socket:       socket,
		writeTimeout: cfg.WriteTimeout,
		topics:       make(map[string]struct{}),
	}
	if cfg.MaxFramesPerSecond > 0 {
		burst := cfg.FrameBurst
		if burst <= 0 {
			burst = int(cfg.MaxFramesPerSecond) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFramesPerSecond), burst)
	}
	s.alive.Store(true)
	return s
}

// write sends one text frame. It returns false once the session is closed or
// the write fails.
func (s *Session) write(data []byte) bool {
	if s.closed.Load() {
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.socket.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.socket.WriteMessage(websocket.TextMessage, data) == nil
}

// probe sends a websocket ping.
func (s *Session) probe() bool {
	if s.closed.Load() {
		return false
	}
	deadline := time.Now().Add(s.writeTimeout)
	if s.writeTimeout <= 0 {
		deadline = time.Now().Add(10 * time.Second)
	}
	return s.socket.WriteControl(websocket.PingMessage, nil, deadline) == nil
}

// allow reports whether another inbound frame fits the rate limit.
func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// markAlive records a liveness acknowledgment.
func (s *Session) markAlive() {
	s.alive.Store(true)
}

// close marks the session closed and closes the socket once.
func (s *Session) close() {
	if s.closed.Swap(true) {
		return
	}
	_ = s.socket.Close()
}
