package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/auth"
	"github.com/cloudzz-dev/cldzshop/internal/server/chat"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Client is one websocket connection. After a successful auth it hosts
// a chat.Screen whose events are written back to the socket.
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn
	IP   string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger

	mu       sync.Mutex
	token    string
	identity *auth.Identity
	screen   *chat.Screen
}

func NewClient(hub *Hub, conn *websocket.Conn, ip string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Hub:    hub,
		Conn:   conn,
		IP:     ip,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: hub.logger.With().Str("ip", ip).Logger(),
	}
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type authSuccess struct {
	Token     string        `json:"token"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	User      auth.Identity `json:"user"`
}

type authError struct {
	Code  apperr.Code `json:"code"`
	Error string      `json:"error"`
}

type authRequired struct {
	Message string `json:"message"`
}

// UserID is the signed-in user, or "" before auth.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

func (c *Client) ReadPump() {
	defer func() {
		c.endSession()
		c.Hub.Unregister(c)
		c.close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msgBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read")
			}
			return
		}

		var wsMsg models.WSMessage
		if err := json.Unmarshal(msgBytes, &wsMsg); err != nil {
			c.Emit(chat.Notice{Severity: chat.SeverityWarning, Code: apperr.CodeInvalidArgument, Message: "malformed message"})
			continue
		}
		c.ProcessMessage(wsMsg)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.Conn.Close()
	})
}

// Emit implements chat.Sink. It never blocks: a connection that cannot
// keep up is closed.
func (c *Client) Emit(e chat.Event) {
	c.SendJSON(envelope{Type: e.Kind(), Payload: e})
}

func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("marshal outgoing message")
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn().Msg("send buffer full, closing connection")
		c.close()
	}
}

func (c *Client) sendAuthRequired() {
	c.SendJSON(envelope{Type: "auth_required", Payload: authRequired{Message: apperr.Message(auth.ErrAuthRequired)}})
}

func (c *Client) sendAuthError(err error) {
	c.SendJSON(envelope{Type: "auth_error", Payload: authError{Code: apperr.CodeOf(err), Error: apperr.Message(err)}})
}

func (c *Client) ProcessMessage(msg models.WSMessage) {
	switch msg.Type {
	case "auth":
		c.handleAuth(msg.Payload)
		return
	case "sign_out":
		c.handleSignOut()
		return
	}

	c.mu.Lock()
	screen := c.screen
	c.mu.Unlock()
	if screen == nil {
		c.sendAuthRequired()
		return
	}

	var err error
	switch msg.Type {
	case "get_conversations":
		err = screen.Refresh(c.ctx)

	case "select_conversation":
		var payload models.SelectConversationPayload
		if !c.decode(msg.Payload, &payload) {
			return
		}
		err = screen.Select(c.ctx, payload.ConversationID)

	case "typing":
		screen.Keystroke()

	case "send_message":
		var payload models.SendMessagePayload
		if !c.decode(msg.Payload, &payload) {
			return
		}
		err = screen.Send(c.ctx, payload.Content)

	case "list_candidates":
		err = screen.Candidates(c.ctx)

	case "create_group":
		var payload models.CreateGroupPayload
		if !c.decode(msg.Payload, &payload) {
			return
		}
		err = screen.CreateGroup(c.ctx, payload.Name, payload.MemberIDs)

	default:
		c.Emit(chat.Notice{Severity: chat.SeverityWarning, Code: apperr.CodeInvalidArgument, Message: "unknown message type " + msg.Type})
		return
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("type", msg.Type).Msg("chat operation")
	}
}

func (c *Client) decode(raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.Emit(chat.Notice{Severity: chat.SeverityWarning, Code: apperr.CodeInvalidArgument, Message: "malformed payload"})
		return false
	}
	return true
}

func (c *Client) handleAuth(raw json.RawMessage) {
	if !c.Hub.Limiter.CanAuth(c.IP) {
		c.sendAuthError(apperr.InvalidArg("Too many login attempts. Please wait a minute."))
		return
	}

	var payload models.AuthPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.sendAuthError(apperr.InvalidArg("malformed payload"))
		return
	}

	var res authSuccess
	switch payload.Action {
	case "register", "login":
		var grant *auth.Grant
		var err error
		if payload.Action == "register" {
			grant, err = c.Hub.Auth.Register(c.ctx, payload.Email, payload.Password)
		} else {
			grant, err = c.Hub.Auth.SignIn(c.ctx, payload.Email, payload.Password)
		}
		if err != nil {
			c.sendAuthError(err)
			return
		}
		res = authSuccess{Token: grant.Token, ExpiresAt: &grant.ExpiresAt, User: grant.Identity}
	case "resume":
		id, err := c.Hub.Auth.Resolve(c.ctx, payload.Token)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeUnauthenticated {
				c.sendAuthRequired()
			} else {
				c.sendAuthError(err)
			}
			return
		}
		res = authSuccess{Token: payload.Token, User: id}
	default:
		c.sendAuthError(apperr.InvalidArg("unknown auth action"))
		return
	}

	screen := c.startSession(res.Token, res.User)
	c.SendJSON(envelope{Type: "auth_success", Payload: res})
	_ = screen.Refresh(c.ctx)
}

// startSession replaces any previous screen with one for id.
func (c *Client) startSession(token string, id auth.Identity) *chat.Screen {
	c.endSession()

	deps := c.Hub.Chat
	deps.Logger = c.logger
	screen := chat.NewScreen(deps, chat.Identity{UserID: id.UserID, Username: id.Username}, c)

	c.mu.Lock()
	c.token = token
	c.identity = &id
	c.screen = screen
	c.mu.Unlock()
	c.logger.Info().Str("user_id", id.UserID).Msg("session started")
	return screen
}

// endSession closes the screen, if any, and forgets the token. It
// returns the token that was in use.
func (c *Client) endSession() string {
	c.mu.Lock()
	token, screen := c.token, c.screen
	c.token, c.identity, c.screen = "", nil, nil
	c.mu.Unlock()
	if screen != nil {
		screen.Close()
	}
	return token
}

func (c *Client) handleSignOut() {
	token := c.endSession()
	if token != "" {
		if err := c.Hub.Auth.SignOut(c.ctx, token); err != nil {
			c.logger.Error().Err(err).Msg("sign out")
		}
	}
	c.sendAuthRequired()
}

// revalidate drops the session when its token no longer resolves.
func (c *Client) revalidate() {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return
	}
	if _, err := c.Hub.Auth.Resolve(c.ctx, token); apperr.CodeOf(err) != apperr.CodeUnauthenticated {
		return
	}

	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return
	}
	screen := c.screen
	c.token, c.identity, c.screen = "", nil, nil
	c.mu.Unlock()
	if screen != nil {
		screen.Close()
	}
	c.sendAuthRequired()
}
