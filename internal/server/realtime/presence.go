package realtime

import (
	"errors"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
)

var ErrChannelClosed = errors.New("realtime: presence channel closed")

// PresenceTopic names the ephemeral channel of a conversation.
func PresenceTopic(conversationID string) string {
	return "typing:" + conversationID
}

func cloneState(s backend.PresenceState) backend.PresenceState {
	out := make(backend.PresenceState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
