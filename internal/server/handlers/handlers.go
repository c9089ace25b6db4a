package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cloudzz-dev/cldzshop/internal/server/ratelimit"
	"github.com/cloudzz-dev/cldzshop/internal/server/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HealthCheck reports liveness and the number of open chat connections.
func HealthCheck(hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": hub.Connections(),
		})
	}
}

func HandleWebSocket(hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := ratelimit.GetClientIP(r)
		logger := hub.Chat.Logger.With().Str("ip", clientIP).Logger()

		if !hub.Limiter.TryConnect(clientIP) {
			http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
			logger.Warn().Msg("rate limited connection")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.Limiter.RemoveConnection(clientIP)
			logger.Error().Err(err).Msg("upgrade")
			return
		}

		client := ws.NewClient(hub, conn, clientIP)
		hub.Register(client)

		go client.WritePump()
		go func() {
			defer hub.Limiter.RemoveConnection(clientIP)
			client.ReadPump()
		}()
	}
}
