// Package server exposes the HTTP surface: room creation, room introspection,
// health checks, and the WebSocket upgrade endpoint.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Routes configures the relay's HTTP router. The room-creation and room-info
// paths sit behind the per-address request limiter; the WebSocket path has
// its own connection limiter applied during admission.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/{room_code}", s.handleWebSocket).Methods(http.MethodGet)

	limited := r.NewRoute().Subrouter()
	limited.Use(s.requestLimitMiddleware)
	limited.HandleFunc("/create-room", s.handleCreateRoom).Methods(http.MethodGet)
	limited.HandleFunc("/room/{code}/info", s.handleRoomInfo).Methods(http.MethodGet)

	return r
}

// requestLimitMiddleware rejects clients that exceed the per-address HTTP
// request ceiling. This limiter is independent of the WebSocket limiters.
func (s *Server) requestLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r.RemoteAddr)
		if !s.httpLimiter.allow(addr) {
			log.Printf("HTTP request from %s rejected: %v", addr, ErrRateLimited)
			writeJSONError(w, http.StatusTooManyRequests, "Too many requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCreateRoom creates an empty room and returns its shareable code.
func (s *Server) handleCreateRoom(w http.ResponseWriter, _ *http.Request) {
	room, err := s.registry.CreateRoom()
	if err != nil {
		log.Printf("Room creation failed: %v", err)
		writeJSONError(w, http.StatusServiceUnavailable, "Could not create room, try again later")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"room_code":  room.Code,
		"status":     "success",
		"created_at": room.CreatedAt,
	})
}

// handleRoomInfo returns the introspection snapshot for a room, or 404 when
// the code is unknown or the room has already been collected.
func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	info, err := s.registry.Info(code)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Room not found")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleHealth reports liveness plus aggregate room and session counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  s.registry.Stats(),
		"time":   time.Now(),
	})
}

// handleWebSocket upgrades the connection and hands it to the session state
// machine. Admission checks run after the upgrade so rejections can be
// explained with an error frame before the policy-violation close.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomCode := mux.Vars(r)["room_code"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(conn, roomCode, r.RemoteAddr)
	}()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error writing JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":  message,
		"status": "error",
	})
}
