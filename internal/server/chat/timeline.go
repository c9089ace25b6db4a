package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

// Entry is a message with its sender's profile, when one was found.
type Entry struct {
	models.Message
	Sender *models.Profile `json:"sender,omitempty"`
}

// Timeline keeps the history of one conversation current. The insert
// subscription is opened before history is read, and live events whose
// id was already seen are dropped, so nothing committed in between is
// lost or shown twice.
type Timeline struct {
	conversationID string
	sub            backend.Subscription
	directory      Directory
	logger         zerolog.Logger

	seen map[string]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	started sync.Once
	done    chan struct{}
	closed  sync.Once
}

// OpenTimeline subscribes to conversationID's inserts and returns the
// history ordered by created_at. Live delivery begins with Start.
func OpenTimeline(ctx context.Context, client *backend.Client, directory Directory, conversationID string, logger zerolog.Logger) (*Timeline, []Entry, error) {
	sub, err := client.Feed.SubscribeMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	history, err := client.Messages.Messages(ctx, conversationID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})

	t := &Timeline{
		conversationID: conversationID,
		sub:            sub,
		directory:      directory,
		logger:         logger.With().Str("conversation_id", conversationID).Logger(),
		seen:           make(map[string]struct{}, len(history)),
		done:           make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	senders := make([]string, 0, len(history))
	for _, m := range history {
		t.seen[m.ID] = struct{}{}
		senders = append(senders, m.SenderID)
	}
	profiles, err := directory.LookupMany(ctx, senders)
	if err != nil {
		t.logger.Warn().Err(err).Msg("timeline: sender lookup")
	}

	entries := make([]Entry, 0, len(history))
	for _, m := range history {
		e := Entry{Message: m}
		if p, ok := profiles[m.SenderID]; ok {
			e.Sender = &p
		}
		entries = append(entries, e)
	}
	return t, entries, nil
}

func (t *Timeline) ConversationID() string { return t.conversationID }

// Start delivers live inserts to onAppend, in arrival order, until Close.
func (t *Timeline) Start(onAppend func(Entry)) {
	t.started.Do(func() {
		go t.run(onAppend)
	})
}

func (t *Timeline) run(onAppend func(Entry)) {
	defer close(t.done)
	for m := range t.sub.Events() {
		if _, dup := t.seen[m.ID]; dup {
			continue
		}
		t.seen[m.ID] = struct{}{}

		e := Entry{Message: m}
		p, err := t.directory.Lookup(t.ctx, m.SenderID)
		if err != nil {
			t.logger.Warn().Err(err).Str("sender_id", m.SenderID).Msg("timeline: sender lookup")
		} else {
			e.Sender = p
		}
		if t.ctx.Err() != nil {
			return
		}
		onAppend(e)
	}
}

// Close ends the subscription. When it returns no further entries
// will be delivered.
func (t *Timeline) Close() {
	t.closed.Do(func() {
		t.cancel()
		t.sub.Close()
		// never started: nothing to wait for
		t.started.Do(func() { close(t.done) })
		<-t.done
	})
}
