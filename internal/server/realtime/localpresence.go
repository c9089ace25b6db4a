package realtime

import (
	"context"
	"sync"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
)

// LocalPresence keeps presence channels in process memory. It backs the
// in-memory backend and single-node deployments without Redis.
type LocalPresence struct {
	mu     sync.Mutex
	topics map[string]*localTopic
}

type localTopic struct {
	state   backend.PresenceState
	members map[*localChannel]struct{}
}

func NewLocalPresence() *LocalPresence {
	return &LocalPresence{topics: make(map[string]*localTopic)}
}

var _ backend.Presence = (*LocalPresence)(nil)

func (p *LocalPresence) Join(ctx context.Context, topic, key string) (backend.PresenceChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &localChannel{
		hub:   p,
		topic: topic,
		key:   key,
		syncs: make(chan backend.PresenceState, 1),
	}

	p.mu.Lock()
	t := p.topics[topic]
	if t == nil {
		t = &localTopic{
			state:   make(backend.PresenceState),
			members: make(map[*localChannel]struct{}),
		}
		p.topics[topic] = t
	}
	t.members[ch] = struct{}{}
	ch.offer(cloneState(t.state))
	p.mu.Unlock()
	return ch, nil
}

// Keys returns the presence keys currently tracked on topic.
func (p *LocalPresence) Keys(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.topics[topic]
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.state))
	for k := range t.state {
		keys = append(keys, k)
	}
	return keys
}

// broadcastLocked pushes the current snapshot to every member.
func (t *localTopic) broadcastLocked() {
	for m := range t.members {
		m.offer(cloneState(t.state))
	}
}

type localChannel struct {
	hub    *LocalPresence
	topic  string
	key    string
	syncs  chan backend.PresenceState
	closed bool
}

// offer replaces any undelivered snapshot with snap. Caller holds hub.mu.
func (c *localChannel) offer(snap backend.PresenceState) {
	c.drain()
	c.syncs <- snap
}

// drain discards an undelivered snapshot. Caller holds hub.mu.
func (c *localChannel) drain() {
	select {
	case <-c.syncs:
	default:
	}
}

func (c *localChannel) Track(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	t := c.hub.topics[c.topic]
	t.state[c.key] = append([]byte(nil), payload...)
	t.broadcastLocked()
	return nil
}

func (c *localChannel) Syncs() <-chan backend.PresenceState { return c.syncs }

func (c *localChannel) Close() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.drain()
	close(c.syncs)

	t := c.hub.topics[c.topic]
	delete(t.members, c)
	delete(t.state, c.key)
	if len(t.members) == 0 {
		delete(c.hub.topics, c.topic)
		return nil
	}
	t.broadcastLocked()
	return nil
}
