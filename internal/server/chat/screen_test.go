package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudzz-dev/cldzshop/internal/server/memory"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
	"github.com/cloudzz-dev/cldzshop/internal/server/realtime"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *recorder) appended() []MessageAppended {
	var out []MessageAppended
	for _, e := range r.all() {
		if m, ok := e.(MessageAppended); ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) notices() []Notice {
	var out []Notice
	for _, e := range r.all() {
		if n, ok := e.(Notice); ok {
			out = append(out, n)
		}
	}
	return out
}

func newScreen(t *testing.T, mem *memory.Backend, user string) (*Screen, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := NewScreen(Deps{
		Client: mem.Client(),
		Clock:  clockwork.NewFakeClockAt(t0.Add(24 * time.Hour)),
		Logger: zerolog.Nop(),
	}, Identity{UserID: user, Username: user}, rec)
	t.Cleanup(s.Close)
	return s, rec
}

func TestScreenRefreshEmitsRoster(t *testing.T) {
	mem := seed(t)
	s, rec := newScreen(t, mem, "alice")
	require.NoError(t, s.Refresh(context.Background()))

	events := rec.all()
	require.Len(t, events, 1)
	loaded := events[0].(RosterLoaded)
	assert.Len(t, loaded.Conversations, 2)
}

func TestScreenRefreshFailureDegradesToEmpty(t *testing.T) {
	mem := seed(t)
	mem.FailOn("ConversationsByIDs", errors.New("read failed"))
	s, rec := newScreen(t, mem, "alice")

	assert.Error(t, s.Refresh(context.Background()))
	notices := rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, SeverityWarning, notices[0].Severity)
	assert.Equal(t, "internal error", notices[0].Message)

	last := rec.all()[len(rec.all())-1].(RosterLoaded)
	assert.NotNil(t, last.Conversations)
	assert.Empty(t, last.Conversations)
}

func TestScreenSelectTearsDownPreviousConversation(t *testing.T) {
	mem := seed(t)
	ctx := context.Background()
	s, rec := newScreen(t, mem, "alice")
	topicA := realtime.PresenceTopic("dm-ab")

	require.NoError(t, s.Select(ctx, "dm-ab"))
	assert.Equal(t, 1, mem.Broker().Subscribers("dm-ab"))
	assert.Equal(t, []string{"alice"}, mem.Presence().Keys(topicA))

	require.NoError(t, s.Select(ctx, "grp"))
	assert.Equal(t, 0, mem.Broker().Subscribers("dm-ab"))
	assert.Empty(t, mem.Presence().Keys(topicA))
	assert.Equal(t, 1, mem.Broker().Subscribers("grp"))
	assert.Equal(t, "grp", s.Selected())

	rec.reset()
	_, err := mem.InsertMessage(ctx, models.Message{ConversationID: "dm-ab", SenderID: "bob", Content: "to A"})
	require.NoError(t, err)
	bob, err := mem.Presence().Join(ctx, topicA, "bob")
	require.NoError(t, err)
	defer bob.Close()
	require.NoError(t, bob.Track(ctx, []byte(`{"typing":true,"username":"bob"}`)))

	_, err = mem.InsertMessage(ctx, models.Message{ConversationID: "grp", SenderID: "bob", Content: "to B"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.appended()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	for _, e := range rec.all() {
		switch ev := e.(type) {
		case MessageAppended:
			assert.Equal(t, "grp", ev.ConversationID)
			assert.Equal(t, "to B", ev.Message.Content)
		case TypingChanged:
			assert.Equal(t, "grp", ev.ConversationID)
		}
	}
}

func TestScreenSelectRejectsForeignConversation(t *testing.T) {
	mem := seed(t)
	mem.PutConversation(models.Conversation{ID: "private", UpdatedAt: t0}, "bob", "carol")
	s, rec := newScreen(t, mem, "alice")

	err := s.Select(context.Background(), "private")
	assert.ErrorIs(t, err, ErrNotAMember)
	assert.Equal(t, "", s.Selected())
	assert.Equal(t, 0, mem.Broker().Subscribers("private"))
	assert.Len(t, rec.notices(), 1)
}

func TestScreenSendRoundTripsThroughSubscription(t *testing.T) {
	mem := seed(t)
	ctx := context.Background()
	s, rec := newScreen(t, mem, "alice")
	require.NoError(t, s.Select(ctx, "dm-ab"))
	rec.reset()

	require.NoError(t, s.Send(ctx, "hello bob"))

	// No local echo: the entry comes back from the feed.
	require.Eventually(t, func() bool { return len(rec.appended()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := rec.appended()[0]
	assert.Equal(t, "hello bob", got.Message.Content)
	require.NotNil(t, got.Message.Sender)
	assert.Equal(t, "alice", got.Message.Sender.UserID)
	assert.Equal(t, 1, mem.Calls("TouchConversation"))

	var roster *RosterLoaded
	for _, e := range rec.all() {
		if r, ok := e.(RosterLoaded); ok {
			roster = &r
		}
	}
	require.NotNil(t, roster, "roster reloaded after send")
	assert.Equal(t, "dm-ab", roster.Conversations[0].ID)
}

func TestScreenSendBlankIsSilent(t *testing.T) {
	mem := seed(t)
	s, rec := newScreen(t, mem, "alice")
	require.NoError(t, s.Select(context.Background(), "dm-ab"))
	rec.reset()

	assert.ErrorIs(t, s.Send(context.Background(), "   "), ErrEmptyMessage)
	assert.Empty(t, rec.notices())
	assert.Equal(t, 0, mem.Calls("InsertMessage"))
}

func TestScreenSendFailureIsBlockingNotice(t *testing.T) {
	mem := seed(t)
	s, rec := newScreen(t, mem, "alice")
	require.NoError(t, s.Select(context.Background(), "dm-ab"))
	mem.FailOn("InsertMessage", errors.New("write failed"))

	assert.Error(t, s.Send(context.Background(), "hi"))
	notices := rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, SeverityError, notices[0].Severity)
}

func TestScreenSendWithoutSelection(t *testing.T) {
	s, _ := newScreen(t, seed(t), "alice")
	assert.ErrorIs(t, s.Send(context.Background(), "hi"), ErrNoSelection)
}

func TestScreenCreateGroup(t *testing.T) {
	mem := seed(t)
	s, rec := newScreen(t, mem, "alice")

	require.NoError(t, s.CreateGroup(context.Background(), "Team Alpha", []string{"bob", "carol"}))
	events := rec.all()
	require.Len(t, events, 2)
	roster := events[0].(RosterLoaded)
	assert.Len(t, roster.Conversations, 3)
	created := events[1].(GroupCreated)
	assert.Equal(t, "Team Alpha", *created.Conversation.Name)

	rec.reset()
	assert.ErrorIs(t, s.CreateGroup(context.Background(), "Team Beta", nil), ErrMembersRequired)
	notices := rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "please select at least one member", notices[0].Message)
}

func TestScreenCandidatesExcludeSelf(t *testing.T) {
	s, rec := newScreen(t, seed(t), "alice")
	require.NoError(t, s.Candidates(context.Background()))

	c := rec.all()[0].(Candidates)
	var names []string
	for _, p := range c.Profiles {
		names = append(names, p.Username)
	}
	assert.Equal(t, []string{"bob", "carol"}, names)
}

func TestScreenCloseStopsEverything(t *testing.T) {
	mem := seed(t)
	s, rec := newScreen(t, mem, "alice")
	require.NoError(t, s.Select(context.Background(), "grp"))

	s.Close()
	assert.Equal(t, 0, mem.Broker().Subscribers("grp"))
	assert.Empty(t, mem.Presence().Keys(realtime.PresenceTopic("grp")))
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrScreenClosed)

	rec.reset()
	_, err := mem.InsertMessage(context.Background(), models.Message{ConversationID: "grp", SenderID: "bob", Content: "late"})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.all())
}
