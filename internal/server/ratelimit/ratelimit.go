package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/cloudzz-dev/cldzshop/internal/server/metrics"
)

const idleAfter = time.Minute

type authBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter caps concurrent websocket connections and auth attempts
// per client IP.
type RateLimiter struct {
	mu           sync.Mutex
	connections  map[string]int // IP -> connection count
	authAttempts map[string]*authBucket
	maxConns     int
	maxAuth      int
	clock        clockwork.Clock
}

func New(maxConnsPerIP, authAttemptsPerMin int, clock clockwork.Clock) *RateLimiter {
	if maxConnsPerIP <= 0 {
		maxConnsPerIP = 10
	}
	if authAttemptsPerMin <= 0 {
		authAttemptsPerMin = 5
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		connections:  make(map[string]int),
		authAttempts: make(map[string]*authBucket),
		maxConns:     maxConnsPerIP,
		maxAuth:      authAttemptsPerMin,
		clock:        clock,
	}
}

// Run drops idle auth buckets once a minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := rl.clock.NewTicker(idleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-idleAfter)
	for ip, b := range rl.authAttempts {
		if b.seen.Before(cutoff) {
			delete(rl.authAttempts, ip)
		}
	}
}

// TryConnect reserves a connection slot for ip. Release it with
// RemoveConnection.
func (rl *RateLimiter) TryConnect(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.connections[ip] >= rl.maxConns {
		metrics.RateLimitHits.WithLabelValues("connections").Inc()
		return false
	}
	rl.connections[ip]++
	return true
}

func (rl *RateLimiter) RemoveConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]--
	if rl.connections[ip] <= 0 {
		delete(rl.connections, ip)
	}
}

func (rl *RateLimiter) Connections(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.connections[ip]
}

// CanAuth spends one auth attempt for ip. The bucket holds maxAuth
// attempts and refills over a minute.
func (rl *RateLimiter) CanAuth(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	b, ok := rl.authAttempts[ip]
	if !ok {
		b = &authBucket{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.maxAuth)), rl.maxAuth)}
		rl.authAttempts[ip] = b
	}
	b.seen = now
	if !b.limiter.AllowN(now, 1) {
		metrics.RateLimitHits.WithLabelValues("auth").Inc()
		return false
	}
	return true
}

// GetClientIP prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the socket address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
