package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddressLimiterEnforcesCeiling(t *testing.T) {
	limiter := newAddressLimiter(RateLimitConfig{Limit: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.allow("10.0.0.1"), "attempt %d should be allowed", i+1)
	}
	assert.False(t, limiter.allow("10.0.0.1"), "attempt over the ceiling must be rejected")

	// Other addresses are tracked independently.
	assert.True(t, limiter.allow("10.0.0.2"))
}

func TestAddressLimiterWindowSlides(t *testing.T) {
	limiter := newAddressLimiter(RateLimitConfig{Limit: 2, Window: 50 * time.Millisecond})

	assert.True(t, limiter.allow("10.0.0.1"))
	assert.True(t, limiter.allow("10.0.0.1"))
	assert.False(t, limiter.allow("10.0.0.1"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, limiter.allow("10.0.0.1"), "attempts age out of the window")
}

func TestAddressLimiterSweep(t *testing.T) {
	limiter := newAddressLimiter(RateLimitConfig{Limit: 5, Window: 10 * time.Millisecond})

	limiter.allow("10.0.0.1")
	limiter.allow("10.0.0.2")

	time.Sleep(20 * time.Millisecond)
	limiter.sweep()

	limiter.mu.Lock()
	remaining := len(limiter.history)
	limiter.mu.Unlock()
	assert.Zero(t, remaining, "stale addresses should be pruned")
}

func TestMessageLimiterSoftThrottle(t *testing.T) {
	limiter := newMessageLimiter(RateLimitConfig{Limit: 2, Window: time.Minute})

	assert.True(t, limiter.allow())
	assert.True(t, limiter.allow())
	assert.False(t, limiter.allow())
	assert.False(t, limiter.allow())
}

func TestMessageLimiterResetsAfterWindow(t *testing.T) {
	limiter := newMessageLimiter(RateLimitConfig{Limit: 1, Window: 40 * time.Millisecond})

	assert.True(t, limiter.allow())
	assert.False(t, limiter.allow())

	time.Sleep(50 * time.Millisecond)
	assert.True(t, limiter.allow(), "counter resets once the window elapses")
}

func TestClientAddr(t *testing.T) {
	assert.Equal(t, "192.168.1.5", clientAddr("192.168.1.5:54321"))
	assert.Equal(t, "::1", clientAddr("[::1]:8080"))
	assert.Equal(t, "no-port-here", clientAddr("no-port-here"))
}
