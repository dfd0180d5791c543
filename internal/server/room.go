// Package server models a single chat room: its member sessions, the declared
// public-key directory, and a bounded log of recently relayed frames.
package server

import (
	"sync"
	"time"
)

// recentLogSize bounds the per-room log of relayed message frames. The log
// exists for introspection and the room-info message count, not for replay.
const recentLogSize = 128

// Room is an ephemeral, capacity-bounded group identified by a short code.
// The registry exclusively owns all rooms; a room exclusively owns its session
// list and public-key directory. Sessions reference their room by code, never
// by pointer, so no ownership cycle exists.
type Room struct {
	Code      string
	MaxUsers  int
	CreatedAt time.Time

	mu           sync.RWMutex
	sessions     []*Session // join order
	publicKeys   map[string]string
	recent       []*Envelope
	messageCount int
}

// RoomInfo is the introspection snapshot returned by the room-info endpoint.
type RoomInfo struct {
	RoomCode     string    `json:"room_code"`
	UserCount    int       `json:"user_count"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	MaxUsers     int       `json:"max_users"`
}

// roomSnapshot is an immutable view of a room's membership taken under the
// read lock. Routing works from snapshots so that per-recipient sends never
// happen while the room lock is held.
type roomSnapshot struct {
	sessions   []*Session
	publicKeys map[string]string
}

func newRoom(code string, maxUsers int) *Room {
	return &Room{
		Code:       code,
		MaxUsers:   maxUsers,
		CreatedAt:  time.Now(),
		publicKeys: make(map[string]string),
	}
}

// addSession appends a session in join order, rejecting at capacity.
func (r *Room) addSession(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.MaxUsers {
		return ErrRoomFull
	}

	r.sessions = append(r.sessions, s)
	return nil
}

// removeSession drops the session and purges its public key. It reports
// whether the session was present and whether the room is now empty.
func (r *Room) removeSession(userID string) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.sessions {
		if s.ID == userID {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			removed = true
			break
		}
	}

	delete(r.publicKeys, userID)
	return removed, len(r.sessions) == 0
}

// setPublicKey records a session's declared key after a successful handshake.
func (r *Room) setPublicKey(userID, publicKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publicKeys[userID] = publicKey
}

// snapshot copies the membership and key directory under the read lock.
func (r *Room) snapshot() roomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, len(r.sessions))
	copy(sessions, r.sessions)

	keys := make(map[string]string, len(r.publicKeys))
	for id, key := range r.publicKeys {
		keys[id] = key
	}

	return roomSnapshot{sessions: sessions, publicKeys: keys}
}

// logMessage appends a relayed frame to the bounded recent log.
func (r *Room) logMessage(env *Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent = append(r.recent, env)
	if len(r.recent) > recentLogSize {
		r.recent = r.recent[len(r.recent)-recentLogSize:]
	}
	r.messageCount++
}

func (r *Room) userCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Room) info() RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RoomInfo{
		RoomCode:     r.Code,
		UserCount:    len(r.sessions),
		MessageCount: r.messageCount,
		CreatedAt:    r.CreatedAt,
		MaxUsers:     r.MaxUsers,
	}
}
