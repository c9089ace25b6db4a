package chat

import (
	"context"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/metrics"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

var ErrEmptyMessage = apperr.InvalidArg("message is empty")

type Composer struct {
	messages      backend.Messages
	conversations backend.Conversations
	clock         clockwork.Clock
	logger        zerolog.Logger
}

func NewComposer(client *backend.Client, clock clockwork.Clock, logger zerolog.Logger) *Composer {
	return &Composer{
		messages:      client.Messages,
		conversations: client.Conversations,
		clock:         clock,
		logger:        logger,
	}
}

// Send writes one message and bumps the conversation's updated_at.
// Blank content writes nothing. The message is not echoed back here;
// it reaches the sender through the timeline subscription.
func (c *Composer) Send(ctx context.Context, conversationID, senderID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	m, err := c.messages.InsertMessage(ctx, models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesSent.Inc()

	// Last write wins; a failed bump only affects roster order.
	if err := c.conversations.TouchConversation(ctx, conversationID, c.clock.Now().UTC()); err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("composer: touch conversation")
	}
	return m, nil
}
