package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

// MessageInsertChannel is the NOTIFY channel the messages insert
// trigger publishes on. See storage/schema.sql.
const MessageInsertChannel = "message_inserts"

const loadTimeout = 5 * time.Second

// MessageLoader reads a stored message by id.
type MessageLoader interface {
	Message(ctx context.Context, id string) (*models.Message, error)
}

// MessageRef is the payload of an insert notification.
type MessageRef struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// PGFeed turns Postgres NOTIFY events for message inserts into
// per-conversation subscriptions. Notifications carry ids only; the row
// is loaded before it is published.
type PGFeed struct {
	listener *pq.Listener
	loader   MessageLoader
	broker   *Broker
	logger   zerolog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewPGFeed(dsn string, loader MessageLoader, broker *Broker, logger zerolog.Logger) (*PGFeed, error) {
	logger = logger.With().Str("component", "pgfeed").Logger()
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(ev)).Msg("listener event")
		}
	})
	if err := listener.Listen(MessageInsertChannel); err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "pgfeed.Listen")
	}

	f := &PGFeed{
		listener: listener,
		loader:   loader,
		broker:   broker,
		logger:   logger,
		done:     make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

var _ backend.Feed = (*PGFeed)(nil)

func (f *PGFeed) SubscribeMessages(ctx context.Context, conversationID string) (backend.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.broker.Subscribe(conversationID), nil
}

func (f *PGFeed) run() {
	defer f.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-f.done:
			return
		case n := <-f.listener.Notify:
			// nil after a reconnect; inserts during the gap are lost
			if n == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
			if err := f.deliver(ctx, []byte(n.Extra)); err != nil {
				f.logger.Warn().Err(err).Msg("deliver notification")
			}
			cancel()
		case <-ping.C:
			if err := f.listener.Ping(); err != nil {
				f.logger.Warn().Err(err).Msg("listener ping")
			}
		}
	}
}

// deliver loads the notified message and publishes it. Conversations
// nobody on this node watches are skipped without a read.
func (f *PGFeed) deliver(ctx context.Context, payload []byte) error {
	ref, err := DecodeMessageNotification(payload)
	if err != nil {
		return err
	}
	if f.broker.Subscribers(ref.ConversationID) == 0 {
		return nil
	}
	m, err := f.loader.Message(ctx, ref.ID)
	if err != nil {
		return errors.Wrapf(err, "load message %s", ref.ID)
	}
	f.broker.Publish(*m)
	return nil
}

// DecodeMessageNotification parses the payload sent by the insert
// trigger.
func DecodeMessageNotification(payload []byte) (MessageRef, error) {
	var ref MessageRef
	if err := json.Unmarshal(payload, &ref); err != nil {
		return ref, errors.Wrap(err, "decode notification")
	}
	if ref.ID == "" || ref.ConversationID == "" {
		return ref, errors.New("decode notification: missing id")
	}
	return ref, nil
}

func (f *PGFeed) Close() error {
	close(f.done)
	f.wg.Wait()
	return f.listener.Close()
}
