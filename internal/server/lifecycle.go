// Package server coordinates the full lifecycle of a relay connection:
// admission, the init handshake, the message loop, and teardown.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// limiterSweepInterval controls how often stale per-address rate-limit state
// is pruned.
const limiterSweepInterval = time.Minute

// Server composes the registry, rate limiters, and origin checker behind the
// HTTP surface and drives every connection through the session state machine.
// All shared state hangs off this struct; nothing is process-global.
type Server struct {
	cfg         Config
	registry    *Registry
	connLimiter *addressLimiter
	httpLimiter *addressLimiter
	origins     *originChecker
	upgrader    websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewServer wires up a relay server from configuration. Call Run in a
// goroutine to start background maintenance, and Shutdown to tear down.
func NewServer(cfg Config) *Server {
	cfg = sanitizeConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		registry:    NewRegistry(cfg.RoomCapacity),
		connLimiter: newAddressLimiter(cfg.ConnectLimit),
		httpLimiter: newAddressLimiter(cfg.RequestLimit),
		origins:     newOriginChecker(cfg.AllowedOrigins),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}

	return s
}

// Registry exposes the room registry for introspection and tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Run performs periodic maintenance until Shutdown is called. This method
// should be called in a separate goroutine as it blocks indefinitely.
func (s *Server) Run() {
	defer close(s.done)

	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connLimiter.sweep()
			s.httpLimiter.sweep()
		}
	}
}

// runSession drives one accepted transport through the state machine. It owns
// the read side of the connection; the session's write pump owns the write
// side. The method returns only when the session has reached Closed.
func (s *Server) runSession(conn *websocket.Conn, roomCode, remoteAddr string) {
	sess := newSession(conn, roomCode, remoteAddr, s.cfg)
	sess.setState(StateConnecting)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.writePump()
	}()

	if !s.admit(sess) {
		return
	}

	log.Printf("Session %s joined room %s from %s", sess.ID, sess.RoomCode, sess.Addr)
	defer s.teardown(sess)

	sess.setupReadConnection()

	if !s.awaitInit(sess) {
		return
	}

	s.messageLoop(sess)
}

// admit checks the rate limiter and room state before registering the
// session. A rejected session is told why with an error frame, then closed
// with a policy-violation code; it never counts as a room join.
func (s *Server) admit(sess *Session) bool {
	if !s.connLimiter.allow(sess.Addr) {
		log.Printf("Connection from %s rejected: %v", sess.Addr, ErrRateLimited)
		s.reject(sess, "Too many connection attempts, try again later")
		return false
	}

	if err := s.registry.AddSession(sess.RoomCode, sess); err != nil {
		log.Printf("Connection from %s rejected for room %s: %v", sess.Addr, sess.RoomCode, err)
		switch err {
		case ErrRoomFull:
			s.reject(sess, "Room is full")
		default:
			s.reject(sess, "Room not found")
		}
		return false
	}

	sess.setState(StateAdmitted)
	return true
}

// reject notifies the session and closes its transport with a
// policy-violation code. The error frame is buffered ahead of the channel
// close, so the write pump flushes it before the close control frame.
func (s *Server) reject(sess *Session, reason string) {
	sess.enqueueFrame(errorFrame(reason))
	sess.beginClose(websocket.ClosePolicyViolation, reason)
}

// awaitInit runs the handshake: the first frame must be a valid init. The
// declared key is published to the room, the session receives init_response
// with its assigned id and the full key directory, and every other active
// session is told about the newcomer. Any other first frame is fatal.
func (s *Server) awaitInit(sess *Session) bool {
	sess.setState(StateAwaitingInit)

	_, raw, err := sess.conn.ReadMessage()
	if err != nil {
		sess.handleReadError(err)
		sess.beginClose(websocket.CloseNormalClosure, "")
		return false
	}

	env, err := decodeEnvelope(raw)
	if err == nil {
		err = env.validateInit()
	}
	if err != nil {
		log.Printf("Handshake failed for %s: %v", sess.ID, err)
		s.reject(sess, "Invalid handshake: "+err.Error())
		return false
	}

	room, lookupErr := s.registry.Lookup(sess.RoomCode)
	if lookupErr != nil {
		// The room cannot have been collected while this session is still
		// registered in it; treat a miss as a fatal internal condition.
		log.Printf("Room %s vanished during handshake of %s", sess.RoomCode, sess.ID)
		s.reject(sess, "Room not found")
		return false
	}

	sess.publicKey = env.PublicKey
	room.setPublicKey(sess.ID, env.PublicKey)
	sess.setState(StateActive)

	snap := room.snapshot()
	sess.enqueueFrame(&Envelope{
		Type:       TypeInitResponse,
		UserID:     sess.ID,
		PublicKeys: snap.publicKeys,
	})

	joined := &Envelope{
		Type:      TypeUserJoined,
		UserID:    sess.ID,
		PublicKey: env.PublicKey,
	}
	if deliveries, err := routeNotification(snap, sess, joined); err != nil {
		log.Printf("Error building user_joined frame for %s: %v", sess.ID, err)
	} else {
		s.deliver(deliveries, TypeUserJoined)
	}

	return true
}

// messageLoop relays frames until the transport disconnects or a fatal error
// occurs. Malformed frames and unknown types are not fatal here; the offender
// is told via an error frame and the loop continues.
func (s *Server) messageLoop(sess *Session) {
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			sess.handleReadError(err)
			return
		}

		env, err := decodeEnvelope(raw)
		if err != nil {
			log.Printf("Malformed frame from %s: %v", sess.ID, err)
			sess.enqueueFrame(errorFrame("Invalid message format"))
			continue
		}

		switch env.Type {
		case TypeMessage:
			s.handleChatMessage(sess, env)
		case TypeTyping:
			s.handleTyping(sess, env)
		default:
			// Unknown types are ignored so protocol additions stay
			// backward compatible.
		}
	}
}

// handleChatMessage validates, throttles, logs, and routes one chat frame.
func (s *Server) handleChatMessage(sess *Session, env *Envelope) {
	if !sess.limiter.allow() {
		log.Printf("Session %s exceeded the message rate limit", sess.ID)
		sess.enqueueFrame(errorFrame("Rate limit exceeded, message not delivered"))
		return
	}

	if err := env.validateMessage(); err != nil {
		sess.enqueueFrame(errorFrame("Invalid message: " + err.Error()))
		return
	}

	room, err := s.registry.Lookup(sess.RoomCode)
	if err != nil {
		return
	}

	deliveries, outbound, err := routeMessage(room.snapshot(), sess, env)
	if err != nil {
		log.Printf("Error routing message from %s: %v", sess.ID, err)
		return
	}

	room.logMessage(outbound)
	s.deliver(deliveries, TypeMessage)
}

// handleTyping relays a typing indicator. Typing frames share the session's
// rate counter but a throttled indicator is dropped without a reply.
func (s *Server) handleTyping(sess *Session, env *Envelope) {
	if !sess.limiter.allow() {
		return
	}

	if err := env.validateTyping(); err != nil {
		sess.enqueueFrame(errorFrame("Invalid typing frame: " + err.Error()))
		return
	}

	room, err := s.registry.Lookup(sess.RoomCode)
	if err != nil {
		return
	}

	deliveries, err := routeTyping(room.snapshot(), sess, env)
	if err != nil {
		log.Printf("Error routing typing frame from %s: %v", sess.ID, err)
		return
	}

	s.deliver(deliveries, TypeTyping)
}

// deliver hands each payload to its recipient's write pump. Delivery is
// fire-and-forget per recipient: one slow or closed peer never blocks the
// rest and failures are recorded, not surfaced to the sender.
func (s *Server) deliver(deliveries []Delivery, frameType string) {
	for _, d := range deliveries {
		if !d.Recipient.enqueue(d.Payload) {
			log.Printf("Dropped %s frame for session %s: send buffer unavailable", frameType, d.Recipient.ID)
		}
	}
}

// teardown drives a session to Closed: it is removed from the registry, its
// public-key entry is purged, and the remaining active sessions each receive
// a user_left notification. Safe to reach from any state after admission.
func (s *Server) teardown(sess *Session) {
	sess.beginClose(websocket.CloseNormalClosure, "")

	peers := s.registry.RemoveSession(sess.RoomCode, sess.ID)
	log.Printf("Session %s left room %s", sess.ID, sess.RoomCode)

	if len(peers) == 0 {
		return
	}

	left := &Envelope{
		Type:   TypeUserLeft,
		UserID: sess.ID,
	}
	deliveries, err := routeNotification(roomSnapshot{sessions: peers}, sess, left)
	if err != nil {
		log.Printf("Error building user_left frame for %s: %v", sess.ID, err)
		return
	}
	s.deliver(deliveries, TypeUserLeft)
}

// Shutdown stops maintenance, closes every live transport, and waits for all
// session goroutines to finish. Pending messages are not drained.
func (s *Server) Shutdown(timeout time.Duration) error {
	log.Println("Initiating relay shutdown...")

	s.cancel()
	<-s.done

	sessions := s.registry.AllSessions()
	for _, sess := range sessions {
		sess.beginClose(websocket.CloseGoingAway, "server shutting down")
		sess.closeConnection()
	}
	log.Printf("Closed %d session connections", len(sessions))

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Println("Relay shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Relay shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
