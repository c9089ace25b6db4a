package ws

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/auth"
	"github.com/cloudzz-dev/cldzshop/internal/server/chat"
	"github.com/cloudzz-dev/cldzshop/internal/server/metrics"
	"github.com/cloudzz-dev/cldzshop/internal/server/ratelimit"
)

// Hub owns the live connections. Each connection hosts its own chat
// screen; the hub only tracks them and reacts to sign-outs.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	signedOut  chan string
	done       chan struct{}
	clients    map[*Client]struct{}
	count      atomic.Int64

	Auth    *auth.Service
	Limiter *ratelimit.RateLimiter
	Chat    chat.Deps
	logger  zerolog.Logger
}

func NewHub(authSvc *auth.Service, limiter *ratelimit.RateLimiter, deps chat.Deps, logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		signedOut:  make(chan string, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		Auth:       authSvc,
		Limiter:    limiter,
		Chat:       deps,
		logger:     logger.With().Str("component", "ws").Logger(),
	}
}

// Run serves registrations until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	unsubscribe := h.Auth.Subscribe(func(c auth.Change) {
		if c.Kind != auth.SignedOut {
			return
		}
		select {
		case h.signedOut <- c.UserID:
		case <-h.done:
		default:
			h.logger.Warn().Str("user_id", c.UserID).Msg("sign-out queue full")
		}
	})
	defer unsubscribe()

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			metrics.WebsocketConnections.Inc()
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				h.count.Add(-1)
				metrics.WebsocketConnections.Dec()
			}
		case userID := <-h.signedOut:
			// Other devices of the user keep their own sessions; each
			// connection checks whether its token is still live.
			for c := range h.clients {
				if c.UserID() == userID {
					go c.revalidate()
				}
			}
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
				metrics.WebsocketConnections.Dec()
			}
			h.count.Store(0)
			h.logger.Info().Msg("hub stopped")
			return
		}
	}
}

// Connections is the number of registered connections.
func (h *Hub) Connections() int {
	return int(h.count.Load())
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
