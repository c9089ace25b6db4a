package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
)

const (
	// memberTTL bounds how long a crashed node's state outlives it.
	memberTTL    = 30 * time.Second
	keepAlive    = memberTTL / 3
	presenceTTL  = time.Hour
	redisTimeout = 5 * time.Second
)

// RedisPresence keeps one expiring key per member and a set naming the
// members of each topic. Changes are announced on a pub/sub channel and
// every announcement makes members re-read the state, so subscribers
// always see a full snapshot. Live channels refresh their key; a member
// whose node dies drops out once its key expires.
type RedisPresence struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisPresence(client *redis.Client, logger zerolog.Logger) *RedisPresence {
	return &RedisPresence{
		client: client,
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

var _ backend.Presence = (*RedisPresence)(nil)

func membersKey(topic string) string     { return "presence:" + topic + ":members" }
func memberKey(topic, key string) string { return "presence:" + topic + ":member:" + key }
func syncKey(topic string) string        { return "presence:" + topic + ":sync" }

func (p *RedisPresence) Join(ctx context.Context, topic, key string) (backend.PresenceChannel, error) {
	ps := p.client.Subscribe(ctx, syncKey(topic))
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "presence.Join.Subscribe")
	}

	ch := &redisChannel{
		presence: p,
		topic:    topic,
		key:      key,
		pubsub:   ps,
		syncs:    make(chan backend.PresenceState, 1),
		stop:     make(chan struct{}),
	}
	snap, err := p.snapshot(ctx, topic)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	ch.offer(snap)

	ch.wg.Add(2)
	go ch.run()
	go ch.keepAlive()
	return ch, nil
}

// snapshot reads every member whose key is still live. Expired members
// are skipped; Close removes them from the set.
func (p *RedisPresence) snapshot(ctx context.Context, topic string) (backend.PresenceState, error) {
	keys, err := p.client.SMembers(ctx, membersKey(topic)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "presence.snapshot.SMembers")
	}
	state := make(backend.PresenceState, len(keys))
	if len(keys) == 0 {
		return state, nil
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = memberKey(topic, k)
	}
	vals, err := p.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "presence.snapshot.MGet")
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			state[keys[i]] = []byte(s)
		}
	}
	return state, nil
}

type redisChannel struct {
	presence *RedisPresence
	topic    string
	key      string
	pubsub   *redis.PubSub
	syncs    chan backend.PresenceState
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// offer replaces any undelivered snapshot. Only run (and Join before
// run starts) call it.
func (c *redisChannel) offer(snap backend.PresenceState) {
	c.drain()
	c.syncs <- snap
}

func (c *redisChannel) drain() {
	select {
	case <-c.syncs:
	default:
	}
}

func (c *redisChannel) run() {
	defer c.wg.Done()
	for range c.pubsub.Channel() {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		snap, err := c.presence.snapshot(ctx, c.topic)
		cancel()
		if err != nil {
			c.presence.logger.Warn().Err(err).Str("topic", c.topic).Msg("presence sync")
			continue
		}
		c.offer(snap)
	}
}

// keepAlive renews the member key while the channel is open. EXPIRE on
// a key that was never tracked is a no-op.
func (c *redisChannel) keepAlive() {
	defer c.wg.Done()
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
			err := c.presence.client.Expire(ctx, memberKey(c.topic, c.key), memberTTL).Err()
			cancel()
			if err != nil {
				c.presence.logger.Warn().Err(err).Str("topic", c.topic).Msg("presence keepalive")
			}
		}
	}
}

func (c *redisChannel) Track(ctx context.Context, payload []byte) error {
	client := c.presence.client
	_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, memberKey(c.topic, c.key), payload, memberTTL)
		pipe.SAdd(ctx, membersKey(c.topic), c.key)
		pipe.Expire(ctx, membersKey(c.topic), presenceTTL)
		pipe.Publish(ctx, syncKey(c.topic), c.key)
		return nil
	})
	return errors.Wrap(err, "presence.Track")
}

func (c *redisChannel) Syncs() <-chan backend.PresenceState { return c.syncs }

func (c *redisChannel) Close() error {
	var err error
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()
		client := c.presence.client
		_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, memberKey(c.topic, c.key))
			pipe.SRem(ctx, membersKey(c.topic), c.key)
			pipe.Publish(ctx, syncKey(c.topic), c.key)
			return nil
		})
		close(c.stop)
		if cerr := c.pubsub.Close(); err == nil {
			err = cerr
		}
		c.wg.Wait()
		c.drain()
		close(c.syncs)
	})
	return errors.Wrap(err, "presence.Close")
}
