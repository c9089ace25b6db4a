package chat

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

const (
	UnnamedGroup = "Unnamed Group"
	UnknownUser  = "Unknown User"
)

// RosterEntry is one conversation in the left pane.
type RosterEntry struct {
	ID          string          `json:"id"`
	Name        *string         `json:"name,omitempty"`
	IsGroup     bool            `json:"is_group"`
	UpdatedAt   time.Time       `json:"updated_at"`
	OtherUser   *models.Profile `json:"other_user,omitempty"`
	DisplayName string          `json:"display_name"`
	Initials    string          `json:"initials"`
}

type Roster struct {
	conversations backend.Conversations
	directory     Directory
	logger        zerolog.Logger
}

func NewRoster(conversations backend.Conversations, directory Directory, logger zerolog.Logger) *Roster {
	return &Roster{conversations: conversations, directory: directory, logger: logger}
}

// Load lists the conversations userID belongs to, most recently updated
// first. Direct conversations with exactly one other member carry that
// member's profile. Enrichment failures are logged and leave the entry
// with placeholder identity.
func (r *Roster) Load(ctx context.Context, userID string) ([]RosterEntry, error) {
	ids, err := r.conversations.MemberConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []RosterEntry{}, nil
	}

	convs, err := r.conversations.ConversationsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	entries := make([]RosterEntry, 0, len(convs))
	for _, c := range convs {
		var other *models.Profile
		if !c.IsGroup {
			other = r.counterpart(ctx, c.ID, userID)
		}
		name := DisplayName(c, other)
		entries = append(entries, RosterEntry{
			ID:          c.ID,
			Name:        c.Name,
			IsGroup:     c.IsGroup,
			UpdatedAt:   c.UpdatedAt,
			OtherUser:   other,
			DisplayName: name,
			Initials:    Initials(name),
		})
	}
	return entries, nil
}

func (r *Roster) counterpart(ctx context.Context, conversationID, userID string) *models.Profile {
	log := r.logger.With().Str("conversation_id", conversationID).Logger()

	others, err := r.conversations.OtherMembers(ctx, conversationID, userID)
	if err != nil {
		log.Warn().Err(err).Msg("roster: other member lookup")
		return nil
	}
	if len(others) != 1 {
		log.Debug().Int("others", len(others)).Msg("roster: direct conversation without a single counterpart")
		return nil
	}

	p, err := r.directory.Lookup(ctx, others[0])
	if err != nil {
		log.Warn().Err(err).Str("user_id", others[0]).Msg("roster: profile lookup")
		return nil
	}
	return p
}

// DisplayName is the roster label for c.
func DisplayName(c models.Conversation, other *models.Profile) string {
	if c.IsGroup {
		if c.Name != nil && *c.Name != "" {
			return *c.Name
		}
		return UnnamedGroup
	}
	if other != nil {
		if other.FullName != "" {
			return other.FullName
		}
		if other.Username != "" {
			return other.Username
		}
	}
	return UnknownUser
}

// Initials upper-cases the first two characters of name.
func Initials(name string) string {
	r := []rune(name)
	if len(r) > 2 {
		r = r[:2]
	}
	return strings.ToUpper(string(r))
}
