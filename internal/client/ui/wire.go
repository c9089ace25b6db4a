package ui

import (
	"encoding/json"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/cloudzz-dev/cldzshop/internal/client/debug"
)

// Wire types mirror the gateway's JSON envelope.

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type profile struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

type rosterEntry struct {
	ID          string    `json:"id"`
	IsGroup     bool      `json:"is_group"`
	UpdatedAt   time.Time `json:"updated_at"`
	DisplayName string    `json:"display_name"`
	Initials    string    `json:"initials"`
}

type entry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Sender         *profile  `json:"sender,omitempty"`
}

type identity struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type authSuccess struct {
	Token string   `json:"token"`
	User  identity `json:"user"`
}

type authError struct {
	Error string `json:"error"`
}

type rosterPayload struct {
	Conversations []rosterEntry `json:"conversations"`
}

type timelinePayload struct {
	ConversationID string  `json:"conversation_id"`
	Messages       []entry `json:"messages"`
}

type appendPayload struct {
	ConversationID string `json:"conversation_id"`
	Message        entry  `json:"message"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type candidatesPayload struct {
	Profiles []profile `json:"profiles"`
}

type groupPayload struct {
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

type noticePayload struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Tea messages produced by the connection.

type wsIncoming struct {
	msg wsMessage
}

type wsError struct {
	err error
}

type wsConnected struct {
	conn *Conn
}

// Conn serializes writes to the socket; reads happen on one goroutine.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *Conn) Send(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	debug.Log.Debug().Str("type", msgType).Msg("send")
	return c.ws.WriteJSON(wsMessage{Type: msgType, Payload: raw})
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

func connect(url string) tea.Cmd {
	return func() tea.Msg {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return wsError{err: err}
		}
		return wsConnected{conn: &Conn{ws: ws}}
	}
}

func listen(c *Conn) tea.Cmd {
	return func() tea.Msg {
		var msg wsMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return wsError{err: err}
		}
		debug.Log.Debug().Str("type", msg.Type).Msg("recv")
		return wsIncoming{msg: msg}
	}
}
