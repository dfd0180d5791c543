// Package server manages individual participant sessions, handling the write
// pump, state transitions, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionState tracks a session through its lifecycle. Transitions only ever
// move forward; Closed is terminal and no further operations are valid on the
// session after it is reached.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAdmitted
	StateAwaitingInit
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAdmitted:
		return "admitted"
	case StateAwaitingInit:
		return "awaiting_init"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
)

// Session represents one connected participant. It exclusively owns its
// transport handle; all writes go through the buffered send channel drained
// by the write pump. The owning room is referenced by code, not by pointer.
type Session struct {
	ID       string
	RoomCode string
	Addr     string
	JoinedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	state   atomic.Int32
	limiter *messageLimiter

	// publicKey is written once during the init handshake by the session's
	// own read goroutine and read only from that goroutine afterwards.
	publicKey string

	closeOnce   sync.Once
	closeMu     sync.Mutex
	closeCode   int
	closeReason string
}

// newSession creates a session for an accepted transport. The short random id
// is unique within the room for the session's lifetime; ids are not reused
// across the uuid space in practice.
func newSession(conn *websocket.Conn, roomCode, remoteAddr string, cfg Config) *Session {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	s := &Session{
		ID:       strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		RoomCode: normalizeRoomCode(roomCode),
		Addr:     clientAddr(remoteAddr),
		JoinedAt: time.Now(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		limiter:  newMessageLimiter(cfg.MessageLimit),
	}
	s.closeCode = websocket.CloseNormalClosure

	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// enqueue hands a payload to the write pump without blocking. It reports
// false when the session is closing, its buffer is full, or the send channel
// has already been closed; a failed enqueue is a per-recipient delivery
// failure and never affects other recipients.
func (s *Session) enqueue(payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	if s.State() >= StateClosing {
		return false
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// enqueueFrame marshals and enqueues an outbound envelope.
func (s *Session) enqueueFrame(env *Envelope) bool {
	payload, err := encodeEnvelope(env)
	if err != nil {
		log.Printf("Error encoding frame for %s: %v", s.ID, err)
		return false
	}
	return s.enqueue(payload)
}

// beginClose moves the session to Closing and closes the send channel exactly
// once. Frames already buffered are flushed by the write pump before it
// writes the close control message with the recorded status code.
func (s *Session) beginClose(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.closeMu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.closeMu.Unlock()
		close(s.send)
	})
}

func (s *Session) closeStatus() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeReason
}

// setupReadConnection configures read deadlines and the pong handler.
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", s.Addr, err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", s.Addr, err)
		}
		return nil
	})
}

// handleReadError logs an appropriate message for a failed read and always
// reports that the read loop should stop.
func (s *Session) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Message from %s exceeded the maximum frame size", s.Addr)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Session %s disconnected: %v", s.ID, err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Session %s connection closed: %v", s.ID, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", s.Addr, err)
	return true
}

// writePump drains the send channel onto the transport, batching queued
// frames and keeping the connection alive with periodic pings. It exits when
// the send channel is closed or a write fails, then closes the transport.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
		s.setState(StateClosed)
	}()

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				s.writeCloseMessage()
				return
			}
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

// writeFrame writes one envelope as its own text frame. Envelopes are never
// batched into a shared frame; clients parse exactly one JSON document per
// frame.
func (s *Session) writeFrame(payload []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", s.Addr, err)
		return false
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing frame to %s: %v", s.Addr, err)
		}
		return false
	}

	return true
}

// writeCloseMessage sends the close control frame with the status recorded by
// beginClose, so clients can tell a policy rejection from a graceful close.
func (s *Session) writeCloseMessage() {
	code, reason := s.closeStatus()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for close to %s: %v", s.Addr, err)
		return
	}

	message := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteMessage(websocket.CloseMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", s.Addr, err)
		}
	}
}

// writePing sends a keepalive ping.
func (s *Session) writePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", s.Addr, err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing ping message to %s: %v", s.Addr, err)
		}
		return false
	}
	return true
}

func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection for %s: %v", s.Addr, err)
		}
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
