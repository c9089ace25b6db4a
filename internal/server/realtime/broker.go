package realtime

import (
	"sync"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

const defaultBuffer = 64

// Broker fans committed message inserts out to subscribers whose
// filter matches the message's conversation id. Delivery is best
// effort: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{} // conversationID -> subscribers
	buffer int
	onDrop func(conversationID string)
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
	}
}

// OnDrop registers a callback for events dropped on a full subscriber.
func (b *Broker) OnDrop(fn func(conversationID string)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

func (b *Broker) Subscribe(conversationID string) backend.Subscription {
	s := &subscription{
		broker:         b,
		conversationID: conversationID,
		events:         make(chan models.Message, b.buffer),
	}
	b.mu.Lock()
	room := b.subs[conversationID]
	if room == nil {
		room = make(map[*subscription]struct{})
		b.subs[conversationID] = room
	}
	room[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers m to every subscriber of m.ConversationID and
// returns how many received it.
func (b *Broker) Publish(m models.Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for s := range b.subs[m.ConversationID] {
		select {
		case s.events <- m:
			delivered++
		default:
			if b.onDrop != nil {
				b.onDrop(m.ConversationID)
			}
		}
	}
	return delivered
}

// Subscribers reports the live subscriber count for a conversation.
func (b *Broker) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[conversationID])
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.subs[s.conversationID]
	if room == nil {
		return
	}
	if _, ok := room[s]; !ok {
		return
	}
	delete(room, s)
	if len(room) == 0 {
		delete(b.subs, s.conversationID)
	}
	close(s.events)
}

type subscription struct {
	broker         *Broker
	conversationID string
	events         chan models.Message
	once           sync.Once
}

func (s *subscription) Events() <-chan models.Message { return s.events }

func (s *subscription) Close() error {
	s.once.Do(func() { s.broker.remove(s) })
	return nil
}
