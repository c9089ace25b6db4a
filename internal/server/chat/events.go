package chat

import (
	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

// Event is a view-state change published by a Screen. Kind doubles as
// the websocket message type.
type Event interface {
	Kind() string
}

type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type RosterLoaded struct {
	Conversations []RosterEntry `json:"conversations"`
}

type TimelineReset struct {
	ConversationID string  `json:"conversation_id"`
	Messages       []Entry `json:"messages"`
}

type MessageAppended struct {
	ConversationID string `json:"conversation_id"`
	Message        Entry  `json:"message"`
}

type TypingChanged struct {
	ConversationID string   `json:"conversation_id"`
	Usernames      []string `json:"usernames"`
	Text           string   `json:"text"`
}

type GroupCreated struct {
	Conversation models.Conversation `json:"conversation"`
}

type Candidates struct {
	Profiles []models.Profile `json:"profiles"`
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is a user-visible notification. Warnings are dismissible;
// errors block until acknowledged.
type Notice struct {
	Severity Severity    `json:"severity"`
	Code     apperr.Code `json:"code"`
	Message  string      `json:"message"`
}

func (RosterLoaded) Kind() string    { return "conversations" }
func (TimelineReset) Kind() string   { return "timeline" }
func (MessageAppended) Kind() string { return "new_message" }
func (TypingChanged) Kind() string   { return "typing" }
func (GroupCreated) Kind() string    { return "group_created" }
func (Candidates) Kind() string      { return "candidates" }
func (Notice) Kind() string          { return "notice" }

func noticeFor(severity Severity, err error) Notice {
	return Notice{Severity: severity, Code: apperr.CodeOf(err), Message: apperr.Message(err)}
}
