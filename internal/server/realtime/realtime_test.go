package realtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

func TestBrokerFiltersByConversation(t *testing.T) {
	b := NewBroker(4)
	a := b.Subscribe("conv-a")
	other := b.Subscribe("conv-b")
	defer other.Close()

	n := b.Publish(models.Message{ID: "m1", ConversationID: "conv-a"})
	assert.Equal(t, 1, n)

	select {
	case m := <-a.Events():
		assert.Equal(t, "m1", m.ID)
	default:
		t.Fatal("expected event on conv-a")
	}
	select {
	case m := <-other.Events():
		t.Fatalf("unexpected event on conv-b: %+v", m)
	default:
	}

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, open := <-a.Events()
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers("conv-a"))
	assert.Equal(t, 0, b.Publish(models.Message{ID: "m2", ConversationID: "conv-a"}))
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker(1)
	dropped := 0
	b.OnDrop(func(string) { dropped++ })
	s := b.Subscribe("c")
	defer s.Close()

	b.Publish(models.Message{ID: "1", ConversationID: "c"})
	b.Publish(models.Message{ID: "2", ConversationID: "c"})
	assert.Equal(t, 1, dropped)
	assert.Equal(t, "1", (<-s.Events()).ID)
}

func TestDecodeMessageNotification(t *testing.T) {
	ref, err := DecodeMessageNotification([]byte(`{"id":"m1","conversation_id":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageRef{ID: "m1", ConversationID: "c1"}, ref)

	_, err = DecodeMessageNotification([]byte(`{"content":"x"}`))
	assert.Error(t, err)
	_, err = DecodeMessageNotification([]byte(`not json`))
	assert.Error(t, err)
}

type loaderFunc func(ctx context.Context, id string) (*models.Message, error)

func (f loaderFunc) Message(ctx context.Context, id string) (*models.Message, error) {
	return f(ctx, id)
}

func TestFeedLoadsLongMessagesByID(t *testing.T) {
	long := strings.Repeat("x", 64<<10)
	loads := 0
	f := &PGFeed{
		broker: NewBroker(4),
		logger: zerolog.Nop(),
		loader: loaderFunc(func(_ context.Context, id string) (*models.Message, error) {
			loads++
			return &models.Message{ID: id, ConversationID: "c1", SenderID: "u1", Content: long}, nil
		}),
	}
	ctx := context.Background()

	// Nobody watching: no read.
	require.NoError(t, f.deliver(ctx, []byte(`{"id":"m0","conversation_id":"c1"}`)))
	assert.Equal(t, 0, loads)

	sub, err := f.SubscribeMessages(ctx, "c1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.deliver(ctx, []byte(`{"id":"m1","conversation_id":"c1"}`)))
	assert.Equal(t, 1, loads)
	select {
	case m := <-sub.Events():
		assert.Equal(t, "m1", m.ID)
		assert.Len(t, m.Content, 64<<10)
	default:
		t.Fatal("expected the loaded message")
	}

	f.loader = loaderFunc(func(context.Context, string) (*models.Message, error) {
		return nil, backend.ErrNotFound
	})
	assert.ErrorIs(t, f.deliver(ctx, []byte(`{"id":"gone","conversation_id":"c1"}`)), backend.ErrNotFound)
	assert.Error(t, f.deliver(ctx, []byte(`{}`)))
}

func nextSync(t *testing.T, ch backend.PresenceChannel) backend.PresenceState {
	t.Helper()
	select {
	case s, ok := <-ch.Syncs():
		require.True(t, ok, "sync channel closed")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence sync")
		return nil
	}
}

func waitFor(t *testing.T, ch backend.PresenceChannel, cond func(backend.PresenceState) bool) backend.PresenceState {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch.Syncs():
			require.True(t, ok, "sync channel closed")
			if cond(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for presence state")
			return nil
		}
	}
}

func exercisePresence(t *testing.T, p backend.Presence) {
	ctx := context.Background()
	topic := PresenceTopic("conv-1")

	alice, err := p.Join(ctx, topic, "alice")
	require.NoError(t, err)
	assert.Empty(t, nextSync(t, alice))

	bob, err := p.Join(ctx, topic, "bob")
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, alice.Track(ctx, []byte(`{"typing":true,"username":"alice"}`)))
	s := waitFor(t, bob, func(s backend.PresenceState) bool { return len(s["alice"]) > 0 })
	assert.JSONEq(t, `{"typing":true,"username":"alice"}`, string(s["alice"]))

	require.NoError(t, alice.Close())
	waitFor(t, bob, func(s backend.PresenceState) bool {
		_, ok := s["alice"]
		return !ok
	})

	_, open := <-alice.Syncs()
	assert.False(t, open)
}

func TestLocalPresence(t *testing.T) {
	p := NewLocalPresence()
	exercisePresence(t, p)
	assert.Empty(t, p.Keys(PresenceTopic("conv-1")))
}

func TestLocalPresenceTrackAfterClose(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()
	ch, err := p.Join(ctx, "t", "k")
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Track(ctx, []byte(`{}`)), ErrChannelClosed)
}

func TestRedisPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exercisePresence(t, NewRedisPresence(client, zerolog.Nop()))
	assert.False(t, mr.Exists(memberKey(PresenceTopic("conv-1"), "alice")))
	alice, err := mr.IsMember(membersKey(PresenceTopic("conv-1")), "alice")
	require.NoError(t, err)
	assert.False(t, alice)
}

// closeDropsPendingSnapshot closes a channel that has an unread snapshot
// queued; nothing may be delivered after Close.
func closeDropsPendingSnapshot(t *testing.T, p backend.Presence) {
	ctx := context.Background()
	topic := PresenceTopic("conv-2")

	alice, err := p.Join(ctx, topic, "alice")
	require.NoError(t, err)
	nextSync(t, alice)

	bob, err := p.Join(ctx, topic, "bob")
	require.NoError(t, err)
	defer bob.Close()
	require.NoError(t, bob.Track(ctx, []byte(`{"typing":true,"username":"bob"}`)))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, alice.Close())
	_, open := <-alice.Syncs()
	assert.False(t, open)
}

func TestLocalPresenceCloseDropsPendingSnapshot(t *testing.T) {
	closeDropsPendingSnapshot(t, NewLocalPresence())
}

func TestRedisPresenceCloseDropsPendingSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	closeDropsPendingSnapshot(t, NewRedisPresence(client, zerolog.Nop()))
}

func TestRedisPresenceExpiresMembersThatStopRefreshing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	p := NewRedisPresence(client, zerolog.Nop())
	ctx := context.Background()
	topic := PresenceTopic("conv-3")

	// carol's node dies without closing: her key is never refreshed.
	carol, err := p.Join(ctx, topic, "carol")
	require.NoError(t, err)
	defer carol.Close()
	require.NoError(t, carol.Track(ctx, []byte(`{"typing":true,"username":"carol"}`)))

	dave, err := p.Join(ctx, topic, "dave")
	require.NoError(t, err)
	defer dave.Close()
	assert.Contains(t, nextSync(t, dave), "carol")

	mr.FastForward(memberTTL + time.Second)

	bob, err := p.Join(ctx, topic, "bob")
	require.NoError(t, err)
	defer bob.Close()
	assert.NotContains(t, nextSync(t, bob), "carol")
}
