// Package ui is the terminal chat client: sign-in, the conversation
// roster, the selected conversation's timeline with its typing line,
// and the create-group dialog.
package ui

import (
	"encoding/json"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/cloudzz-dev/cldzshop/internal/client/debug"
	"github.com/cloudzz-dev/cldzshop/internal/client/session"
)

type viewState int

const (
	viewAuth viewState = iota
	viewChat
	viewNewGroup
)

type focus int

const (
	focusRoster focus = iota
	focusComposer
)

type sender interface {
	Send(msgType string, payload any) error
}

// SessionStore persists the token between runs.
type SessionStore interface {
	Load() *session.Session
	Save(session.Session) error
	Clear()
}

// ProfileStore keeps the session in the per-profile config directory.
type ProfileStore struct {
	Profile string
}

func (p ProfileStore) Load() *session.Session      { return session.Load(p.Profile) }
func (p ProfileStore) Save(s session.Session) error { return session.Save(p.Profile, s) }
func (p ProfileStore) Clear()                      { session.Clear(p.Profile) }

type notice struct {
	severity string
	message  string
}

func (n *notice) blocking() bool { return n != nil && n.severity == "error" }

type Model struct {
	serverURL string
	store     SessionStore
	conn      *Conn
	out       sender
	connected bool

	// Auth
	authAction    string // "login" or "register"
	emailInput    textinput.Model
	passwordInput textinput.Model
	authFocused   int // 0=email, 1=password
	authError     string
	resuming      bool
	signingOut    bool
	email         string

	me identity

	// Roster and timeline
	roster     []rosterEntry
	cursor     int
	currentID  string
	messages   []entry
	typingText string
	focus      focus
	composer   textinput.Model
	timeline   viewport.Model

	// Create-group dialog
	groupName    textinput.Model
	candidates   []profile
	groupCursor  int
	picked       map[string]bool
	groupOnNames bool

	notice *notice

	view   viewState
	width  int
	height int
	err    error
}

func New(serverURL string, store SessionStore) Model {
	email := textinput.New()
	email.Placeholder = "Email"
	email.Focus()
	email.CharLimit = 254
	email.Width = 30

	password := textinput.New()
	password.Placeholder = "Password"
	password.EchoMode = textinput.EchoPassword
	password.CharLimit = 72
	password.Width = 30

	composer := textinput.New()
	composer.Placeholder = "Type a message..."
	composer.CharLimit = 1000
	composer.Width = 50

	groupName := textinput.New()
	groupName.Placeholder = "Group name"
	groupName.CharLimit = 64
	groupName.Width = 30

	return Model{
		serverURL:     serverURL,
		store:         store,
		authAction:    "login",
		emailInput:    email,
		passwordInput: password,
		composer:      composer,
		groupName:     groupName,
		timeline:      viewport.New(60, 20),
		picked:        make(map[string]bool),
		view:          viewAuth,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, connect(m.serverURL))
}

func (m Model) send(msgType string, payload any) {
	if m.out == nil {
		return
	}
	if err := m.out.Send(msgType, payload); err != nil {
		debug.Log.Error().Err(err).Str("type", msgType).Msg("send failed")
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.timeline.Width = max(msg.Width-rosterWidth-6, 20)
		m.timeline.Height = max(msg.Height-9, 5)
		m.renderTimeline()
		return m, nil

	case wsConnected:
		m.conn = msg.conn
		m.out = msg.conn
		m.connected = true
		if s := m.storedSession(); s != nil {
			m.resuming = true
			m.email = s.Email
			m.send("auth", map[string]string{"action": "resume", "token": s.Token})
		}
		return m, listen(m.conn)

	case wsError:
		m.err = msg.err
		return m, nil

	case wsIncoming:
		m = m.handleIncoming(msg.msg)
		if m.conn != nil {
			return m, listen(m.conn)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) storedSession() *session.Session {
	if m.store == nil {
		return nil
	}
	s := m.store.Load()
	if s == nil || s.ServerURL != m.serverURL {
		return nil
	}
	return s
}

func decodeInto(raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		debug.Log.Warn().Err(err).Msg("decode payload")
		return false
	}
	return true
}

func (m Model) handleIncoming(msg wsMessage) Model {
	switch msg.Type {
	case "auth_success":
		var p authSuccess
		if !decodeInto(msg.Payload, &p) {
			return m
		}
		m.me = p.User
		m.authError = ""
		m.resuming = false
		m.passwordInput.SetValue("")
		m.view = viewChat
		m.setFocus(focusRoster)
		if m.store != nil {
			email := p.User.Email
			if email == "" {
				email = m.email
			}
			if err := m.store.Save(session.Session{ServerURL: m.serverURL, Email: email, Token: p.Token}); err != nil {
				debug.Log.Error().Err(err).Msg("save session")
			}
		}

	case "auth_error":
		var p authError
		if decodeInto(msg.Payload, &p) {
			m.authError = p.Error
		}

	case "auth_required":
		if m.store != nil {
			m.store.Clear()
		}
		if m.view != viewAuth && !m.resuming && !m.signingOut {
			m.authError = "Your session has ended. Please sign in again."
		}
		m = m.signedOut()

	case "conversations":
		var p rosterPayload
		if !decodeInto(msg.Payload, &p) {
			return m
		}
		m.roster = p.Conversations
		m.cursor = 0
		for i, c := range m.roster {
			if c.ID == m.currentID {
				m.cursor = i
			}
		}

	case "timeline":
		var p timelinePayload
		if !decodeInto(msg.Payload, &p) || p.ConversationID != m.currentID {
			return m
		}
		m.messages = p.Messages
		m.typingText = ""
		m.renderTimeline()

	case "new_message":
		var p appendPayload
		if !decodeInto(msg.Payload, &p) || p.ConversationID != m.currentID {
			return m
		}
		m.messages = append(m.messages, p.Message)
		m.renderTimeline()

	case "typing":
		var p typingPayload
		if decodeInto(msg.Payload, &p) && p.ConversationID == m.currentID {
			m.typingText = p.Text
		}

	case "candidates":
		var p candidatesPayload
		if decodeInto(msg.Payload, &p) {
			m.candidates = p.Profiles
			m.groupCursor = 0
		}

	case "group_created":
		var p groupPayload
		if !decodeInto(msg.Payload, &p) {
			return m
		}
		m.view = viewChat
		m = m.selectConversation(p.Conversation.ID)

	case "notice":
		var p noticePayload
		if decodeInto(msg.Payload, &p) {
			m.notice = &notice{severity: p.Severity, message: p.Message}
		}
	}
	return m
}

func (m Model) signedOut() Model {
	m.view = viewAuth
	m.me = identity{}
	m.roster = nil
	m.messages = nil
	m.currentID = ""
	m.typingText = ""
	m.notice = nil
	m.resuming = false
	m.signingOut = false
	m.authFocused = 0
	m.emailInput.Focus()
	m.passwordInput.Blur()
	return m
}

func (m Model) selectConversation(id string) Model {
	if id == "" {
		return m
	}
	m.currentID = id
	m.messages = nil
	m.typingText = ""
	for i, c := range m.roster {
		if c.ID == id {
			m.cursor = i
		}
	}
	m.renderTimeline()
	m.setFocus(focusComposer)
	m.send("select_conversation", map[string]string{"conversation_id": id})
	return m
}

func (m *Model) setFocus(f focus) {
	m.focus = f
	if f == focusComposer {
		m.composer.Focus()
	} else {
		m.composer.Blur()
	}
}

func (m Model) currentName() string {
	for _, c := range m.roster {
		if c.ID == m.currentID {
			return c.DisplayName
		}
	}
	return ""
}

func (m Model) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	if k.String() == "ctrl+c" {
		return m, tea.Quit
	}

	// An error notice blocks until acknowledged.
	if m.notice.blocking() {
		if k.String() == "enter" || k.String() == "esc" {
			m.notice = nil
		}
		return m, nil
	}

	switch m.view {
	case viewAuth:
		return m.authKey(k)
	case viewChat:
		return m.chatKey(k)
	case viewNewGroup:
		return m.groupKey(k)
	}
	return m, nil
}

func (m Model) authKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "tab", "shift+tab":
		if m.authFocused == 0 {
			m.authFocused = 1
			m.emailInput.Blur()
			m.passwordInput.Focus()
		} else {
			m.authFocused = 0
			m.passwordInput.Blur()
			m.emailInput.Focus()
		}
		return m, nil

	case "ctrl+r":
		if m.authAction == "login" {
			m.authAction = "register"
		} else {
			m.authAction = "login"
		}
		return m, nil

	case "enter":
		email := strings.TrimSpace(m.emailInput.Value())
		if email == "" || m.passwordInput.Value() == "" {
			m.authError = "Please enter your email and password."
			return m, nil
		}
		m.email = email
		m.send("auth", map[string]string{
			"action":   m.authAction,
			"email":    email,
			"password": m.passwordInput.Value(),
		})
		return m, nil
	}

	var cmd tea.Cmd
	if m.authFocused == 0 {
		m.emailInput, cmd = m.emailInput.Update(k)
	} else {
		m.passwordInput, cmd = m.passwordInput.Update(k)
	}
	return m, cmd
}

func (m Model) chatKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "esc":
		m.notice = nil
		return m, nil
	case "tab":
		if m.focus == focusRoster && m.currentID != "" {
			m.setFocus(focusComposer)
		} else {
			m.setFocus(focusRoster)
		}
		return m, nil
	case "ctrl+n":
		m.view = viewNewGroup
		m.groupName.SetValue("")
		m.groupName.Focus()
		m.groupOnNames = true
		m.picked = make(map[string]bool)
		m.candidates = nil
		m.send("list_candidates", struct{}{})
		return m, nil
	case "ctrl+l":
		m.signingOut = true
		m.send("sign_out", struct{}{})
		return m, nil
	case "ctrl+r":
		m.send("get_conversations", struct{}{})
		return m, nil
	}

	if m.focus == focusRoster {
		switch k.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.roster)-1 {
				m.cursor++
			}
		case "enter":
			if len(m.roster) > 0 {
				m = m.selectConversation(m.roster[m.cursor].ID)
			}
		}
		return m, nil
	}

	switch k.Type {
	case tea.KeyEnter:
		text := m.composer.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.composer.SetValue("")
		m.send("send_message", map[string]string{"content": text})
		return m, nil
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(k)
		return m, cmd
	}

	before := m.composer.Value()
	var cmd tea.Cmd
	m.composer, cmd = m.composer.Update(k)
	if m.composer.Value() != before {
		m.send("typing", struct{}{})
	}
	return m, cmd
}

func (m Model) groupKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "esc":
		m.view = viewChat
		m.groupName.Blur()
		return m, nil
	case "tab":
		m.groupOnNames = !m.groupOnNames
		if m.groupOnNames {
			m.groupName.Focus()
		} else {
			m.groupName.Blur()
		}
		return m, nil
	case "ctrl+s":
		return m.submitGroup(), nil
	}

	if m.groupOnNames {
		if k.Type == tea.KeyEnter {
			return m.submitGroup(), nil
		}
		var cmd tea.Cmd
		m.groupName, cmd = m.groupName.Update(k)
		return m, cmd
	}

	switch k.String() {
	case "up", "k":
		if m.groupCursor > 0 {
			m.groupCursor--
		}
	case "down", "j":
		if m.groupCursor < len(m.candidates)-1 {
			m.groupCursor++
		}
	case " ", "enter":
		if len(m.candidates) > 0 {
			id := m.candidates[m.groupCursor].UserID
			m.picked[id] = !m.picked[id]
		}
	}
	return m, nil
}

// submitGroup sends the dialog as is; the server validates it.
func (m Model) submitGroup() Model {
	var ids []string
	for _, c := range m.candidates {
		if m.picked[c.UserID] {
			ids = append(ids, c.UserID)
		}
	}
	m.send("create_group", map[string]any{
		"name":       m.groupName.Value(),
		"member_ids": ids,
	})
	return m
}
