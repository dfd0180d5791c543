// Package server provides the registry that owns the room table and
// serializes membership changes across concurrent connections.
package server

import (
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Terminal admission errors. All of them are reported to the client with an
// error frame before the transport closes with a policy-violation code.
var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrRoomCodesExhausted = errors.New("room code space exhausted")
)

// roomCodeAttempts bounds collision retries during code generation. With a
// 16^6 code space the loop terminates on the first attempt in practice.
const roomCodeAttempts = 32

// Registry owns the mapping from room code to room state. A single mutex
// guards the table and membership changes; per-room locks cover routing reads
// so sends never queue behind table mutations.
//
// The registry is created at process start, passed explicitly to every
// component that needs it, and torn down at shutdown by closing all held
// transports.
type Registry struct {
	mu           sync.RWMutex
	rooms        map[string]*Room
	roomCapacity int
}

// RegistryStats aggregates live counts for the health endpoint.
type RegistryStats struct {
	Rooms    int `json:"rooms"`
	Sessions int `json:"sessions"`
	Messages int `json:"messages"`
}

// NewRegistry creates an empty registry whose rooms admit at most
// roomCapacity sessions each.
func NewRegistry(roomCapacity int) *Registry {
	return &Registry{
		rooms:        make(map[string]*Room),
		roomCapacity: roomCapacity,
	}
}

// CreateRoom generates a short unique code, regenerating on collision, and
// inserts an empty room. Codes are six uppercase hex characters drawn from a
// random UUID, so they stay human-shareable.
func (reg *Registry) CreateRoom() (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for attempt := 0; attempt < roomCodeAttempts; attempt++ {
		code := generateRoomCode()
		if _, exists := reg.rooms[code]; exists {
			continue
		}

		room := newRoom(code, reg.roomCapacity)
		reg.rooms[code] = room
		log.Printf("Room %s created", code)
		return room, nil
	}

	return nil, ErrRoomCodesExhausted
}

// Lookup returns the room for a code, normalizing case first.
func (reg *Registry) Lookup(code string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, exists := reg.rooms[normalizeRoomCode(code)]
	if !exists {
		return nil, ErrRoomNotFound
	}

	return room, nil
}

// Info returns the introspection snapshot for a room.
func (reg *Registry) Info(code string) (RoomInfo, error) {
	room, err := reg.Lookup(code)
	if err != nil {
		return RoomInfo{}, err
	}

	return room.info(), nil
}

// AddSession admits a session into a room. Holding the registry lock across
// the membership change keeps admission serialized with room deletion, so a
// session is never added to a room that has already been collected.
func (reg *Registry) AddSession(code string, s *Session) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, exists := reg.rooms[normalizeRoomCode(code)]
	if !exists {
		return ErrRoomNotFound
	}

	return room.addSession(s)
}

// RemoveSession removes the session from its room and purges its public key.
// A room that becomes empty is deleted immediately; rooms are not retained
// after the last departure. The remaining peers are returned so the caller
// can broadcast the departure outside the registry lock.
func (reg *Registry) RemoveSession(code, userID string) []*Session {
	normalized := normalizeRoomCode(code)

	reg.mu.Lock()
	room, exists := reg.rooms[normalized]
	if !exists {
		reg.mu.Unlock()
		return nil
	}

	removed, empty := room.removeSession(userID)
	if empty {
		delete(reg.rooms, normalized)
	}
	reg.mu.Unlock()

	if !removed {
		return nil
	}

	if empty {
		log.Printf("Room %s is empty and has been removed", normalized)
		return nil
	}

	return room.snapshot().sessions
}

// Stats aggregates live room, session, and relayed-message counts.
func (reg *Registry) Stats() RegistryStats {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	stats := RegistryStats{Rooms: len(reg.rooms)}
	for _, room := range reg.rooms {
		info := room.info()
		stats.Sessions += info.UserCount
		stats.Messages += info.MessageCount
	}

	return stats
}

// AllSessions snapshots every live session across all rooms. Used during
// shutdown to close each held transport.
func (reg *Registry) AllSessions() []*Session {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var sessions []*Session
	for _, room := range reg.rooms {
		sessions = append(sessions, room.snapshot().sessions...)
	}

	return sessions
}

func normalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateRoomCode() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(hex[:6])
}
