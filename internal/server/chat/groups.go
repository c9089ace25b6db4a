package chat

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/metrics"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

var (
	ErrGroupNameRequired = apperr.InvalidArg("please enter a group name")
	ErrMembersRequired   = apperr.InvalidArg("please select at least one member")
)

type Groups struct {
	conversations backend.Conversations
	logger        zerolog.Logger
}

func NewGroups(conversations backend.Conversations, logger zerolog.Logger) *Groups {
	return &Groups{conversations: conversations, logger: logger}
}

// Create makes a named group conversation holding the creator and the
// selected members. Validation happens before any write. If adding the
// members fails the conversation is deleted again.
func (g *Groups) Create(ctx context.Context, creatorID, name string, memberIDs []string) (*models.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrGroupNameRequired
	}
	members := groupMembers(creatorID, memberIDs)
	if len(members) < 2 {
		return nil, ErrMembersRequired
	}

	conv, err := g.conversations.CreateConversation(ctx, models.Conversation{
		Name:      &name,
		IsGroup:   true,
		CreatedBy: creatorID,
	})
	if err != nil {
		return nil, err
	}

	rows := make([]models.Membership, 0, len(members))
	for _, id := range members {
		rows = append(rows, models.Membership{ConversationID: conv.ID, UserID: id})
	}
	if err := g.conversations.AddMembers(ctx, rows); err != nil {
		metrics.GroupCompensations.Inc()
		if derr := g.conversations.DeleteConversation(context.WithoutCancel(ctx), conv.ID); derr != nil {
			g.logger.Error().Err(derr).Str("conversation_id", conv.ID).Msg("groups: orphaned conversation")
		}
		return nil, err
	}

	metrics.GroupsCreated.Inc()
	return conv, nil
}

// groupMembers is the creator followed by the distinct selected ids.
func groupMembers(creatorID string, selected []string) []string {
	out := []string{creatorID}
	seen := map[string]struct{}{creatorID: {}}
	for _, id := range selected {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
