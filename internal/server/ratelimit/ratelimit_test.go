package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestConnectionsPerIP(t *testing.T) {
	rl := New(2, 5, clockwork.NewFakeClock())

	assert.True(t, rl.TryConnect("1.1.1.1"))
	assert.True(t, rl.TryConnect("1.1.1.1"))
	assert.False(t, rl.TryConnect("1.1.1.1"))
	assert.True(t, rl.TryConnect("2.2.2.2"))
	assert.Equal(t, 2, rl.Connections("1.1.1.1"))

	rl.RemoveConnection("1.1.1.1")
	assert.True(t, rl.TryConnect("1.1.1.1"))

	rl.RemoveConnection("2.2.2.2")
	assert.Equal(t, 0, rl.Connections("2.2.2.2"))
}

func TestAuthAttemptsRefillOverAMinute(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := New(10, 3, clock)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.CanAuth("1.1.1.1"), "attempt %d", i)
	}
	assert.False(t, rl.CanAuth("1.1.1.1"))
	assert.True(t, rl.CanAuth("2.2.2.2"))

	clock.Advance(20 * time.Second)
	assert.True(t, rl.CanAuth("1.1.1.1"))
	assert.False(t, rl.CanAuth("1.1.1.1"))

	clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.CanAuth("1.1.1.1"))
	}
}

func TestCleanupDropsIdleBuckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := New(10, 1, clock)
	assert.True(t, rl.CanAuth("1.1.1.1"))
	assert.False(t, rl.CanAuth("1.1.1.1"))

	clock.Advance(2 * time.Minute)
	rl.cleanup()
	assert.Empty(t, rl.authAttempts)
	assert.True(t, rl.CanAuth("1.1.1.1"))
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", GetClientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", GetClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.3")
	assert.Equal(t, "203.0.113.7", GetClientIP(r))
}
