// Package server implements the sliding-window rate limiters that protect the
// relay from connection floods and message spam.
package server

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrRateLimited marks a rejected connection attempt. It is terminal for
// admission; message throttling is a soft limit and never carries an error
// value, the offending frame simply is not routed.
var ErrRateLimited = errors.New("rate limited")

// addressLimiter tracks recent event timestamps per client address over a
// sliding window. It backs both the connection-attempt limiter and the HTTP
// request limiter.
type addressLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	history map[string][]time.Time
}

func newAddressLimiter(cfg RateLimitConfig) *addressLimiter {
	return &addressLimiter{
		limit:   cfg.Limit,
		window:  cfg.Window,
		history: make(map[string][]time.Time),
	}
}

// allow records an attempt for addr and reports whether it is under the
// ceiling for the current window.
func (l *addressLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	recent := l.history[addr][:0]
	for _, t := range l.history[addr] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.limit {
		l.history[addr] = recent
		return false
	}

	l.history[addr] = append(recent, now)
	return true
}

// sweep drops addresses whose entire history has aged out of the window,
// keeping the map from growing with one entry per address ever seen.
func (l *addressLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	for addr, attempts := range l.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(l.history, addr)
		}
	}
}

// messageLimiter throttles a single session's inbound frames. The counter
// resets once the window elapses: a true sliding window, matching the stated
// per-minute semantics rather than a lifetime cap. A throttled frame gets an
// error reply and is not routed, but the connection stays open.
type messageLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time
}

func newMessageLimiter(cfg RateLimitConfig) *messageLimiter {
	return &messageLimiter{
		limit:  cfg.Limit,
		window: cfg.Window,
	}
}

func (l *messageLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 1
		return true
	}

	if l.count >= l.limit {
		return false
	}

	l.count++
	return true
}

// clientAddr strips the ephemeral port from a RemoteAddr so rate limiting
// keys on the host address alone.
func clientAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
