package chat

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

var (
	ErrNoSelection  = apperr.InvalidArg("no conversation selected")
	ErrNotAMember   = apperr.NotFound("conversation not found")
	ErrScreenClosed = errors.New("chat: screen closed")
)

// Identity is the signed-in user a Screen acts for.
type Identity struct {
	UserID   string
	Username string
}

type Deps struct {
	Client        *backend.Client
	Clock         clockwork.Clock
	TypingTimeout time.Duration
	Logger        zerolog.Logger
}

// Screen is the chat page of one signed-in user: the roster, the
// selected conversation's timeline and typing channel, the composer
// and the create-group dialog. Operations are serialized; events from
// subscriptions reach the sink only while their selection is current.
type Screen struct {
	client   *backend.Client
	id       Identity
	sink     Sink
	clock    clockwork.Clock
	timeout  time.Duration
	logger   zerolog.Logger
	roster   *Roster
	groups   *Groups
	composer *Composer
	dir      Directory

	op       sync.Mutex
	gen      atomic.Uint64
	selected string
	timeline *Timeline
	typing   *Typing
	closed   bool
}

func NewScreen(deps Deps, id Identity, sink Sink) *Screen {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	logger := deps.Logger.With().Str("user_id", id.UserID).Logger()
	dir := NewDirectory(deps.Client.Directory)
	return &Screen{
		client:   deps.Client,
		id:       id,
		sink:     sink,
		clock:    deps.Clock,
		timeout:  deps.TypingTimeout,
		logger:   logger,
		roster:   NewRoster(deps.Client.Conversations, dir, logger),
		groups:   NewGroups(deps.Client.Conversations, logger),
		composer: NewComposer(deps.Client, deps.Clock, logger),
		dir:      dir,
	}
}

// Selected returns the current conversation id, or "".
func (s *Screen) Selected() string {
	s.op.Lock()
	defer s.op.Unlock()
	return s.selected
}

// Refresh reloads the roster. On failure the roster is shown empty with
// a dismissible notice.
func (s *Screen) Refresh(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if s.closed {
		return ErrScreenClosed
	}
	return s.refreshLocked(ctx)
}

func (s *Screen) refreshLocked(ctx context.Context) error {
	entries, err := s.roster.Load(ctx, s.id.UserID)
	if err != nil {
		s.logger.Error().Err(err).Msg("screen: load conversations")
		s.sink.Emit(noticeFor(SeverityWarning, err))
		entries = []RosterEntry{}
	}
	s.sink.Emit(RosterLoaded{Conversations: entries})
	return err
}

// Select switches to conversationID. The previous timeline and typing
// channel are closed before this returns, so nothing from them is
// emitted afterwards.
func (s *Screen) Select(ctx context.Context, conversationID string) error {
	s.op.Lock()
	defer s.op.Unlock()
	if s.closed {
		return ErrScreenClosed
	}

	gen := s.gen.Add(1)
	s.teardownLocked()

	if err := s.checkMember(ctx, conversationID); err != nil {
		s.sink.Emit(noticeFor(SeverityWarning, err))
		return err
	}
	s.selected = conversationID
	log := s.logger.With().Str("conversation_id", conversationID).Logger()

	tl, history, err := OpenTimeline(ctx, s.client, s.dir, conversationID, log)
	if err != nil {
		log.Error().Err(err).Msg("screen: open timeline")
		s.sink.Emit(noticeFor(SeverityWarning, err))
		history = []Entry{}
	}
	s.sink.Emit(TimelineReset{ConversationID: conversationID, Messages: history})
	if tl != nil {
		s.timeline = tl
		tl.Start(func(e Entry) {
			if s.gen.Load() != gen {
				return
			}
			s.sink.Emit(MessageAppended{ConversationID: conversationID, Message: e})
		})
	}

	typing, err := JoinTyping(ctx, s.client.Presence, conversationID, s.id, TypingOptions{
		Clock:   s.clock,
		Timeout: s.timeout,
		Logger:  log,
		OnChange: func(names []string) {
			if s.gen.Load() != gen {
				return
			}
			s.sink.Emit(TypingChanged{ConversationID: conversationID, Usernames: names, Text: TypingText(names)})
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("screen: join typing channel")
		s.sink.Emit(noticeFor(SeverityWarning, err))
		return nil
	}
	s.typing = typing
	return nil
}

func (s *Screen) checkMember(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoSelection
	}
	ids, err := s.client.Conversations.MemberConversationIDs(ctx, s.id.UserID)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, conversationID) {
		return ErrNotAMember
	}
	return nil
}

func (s *Screen) teardownLocked() {
	if s.timeline != nil {
		s.timeline.Close()
		s.timeline = nil
	}
	if s.typing != nil {
		s.typing.Close()
		s.typing = nil
	}
	s.selected = ""
}

// Keystroke reports local input in the composer.
func (s *Screen) Keystroke() {
	s.op.Lock()
	defer s.op.Unlock()
	if s.typing != nil {
		s.typing.Keystroke()
	}
}

// Send writes text to the selected conversation. Blank text is ignored
// without a notice. The roster is reloaded to reflect the new recency.
func (s *Screen) Send(ctx context.Context, text string) error {
	s.op.Lock()
	defer s.op.Unlock()
	if s.closed {
		return ErrScreenClosed
	}
	if s.selected == "" {
		s.sink.Emit(noticeFor(SeverityError, ErrNoSelection))
		return ErrNoSelection
	}
	if s.typing != nil {
		s.typing.Sent()
	}

	_, err := s.composer.Send(ctx, s.selected, s.id.UserID, text)
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return err
	case err != nil:
		s.logger.Error().Err(err).Str("conversation_id", s.selected).Msg("screen: send message")
		s.sink.Emit(noticeFor(SeverityError, err))
		return err
	}
	_ = s.refreshLocked(ctx)
	return nil
}

// CreateGroup runs the create-group dialog's submit. On success the
// roster is reloaded and a GroupCreated event follows it.
func (s *Screen) CreateGroup(ctx context.Context, name string, memberIDs []string) error {
	s.op.Lock()
	defer s.op.Unlock()
	if s.closed {
		return ErrScreenClosed
	}

	conv, err := s.groups.Create(ctx, s.id.UserID, name, memberIDs)
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeInvalidArgument {
			s.logger.Error().Err(err).Msg("screen: create group")
		}
		s.sink.Emit(noticeFor(SeverityError, err))
		return err
	}
	_ = s.refreshLocked(ctx)
	s.sink.Emit(GroupCreated{Conversation: *conv})
	return nil
}

// Candidates lists the profiles that can be added to a group.
func (s *Screen) Candidates(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if s.closed {
		return ErrScreenClosed
	}
	profiles, err := s.client.Directory.ProfilesExcept(ctx, s.id.UserID)
	if err != nil {
		s.logger.Error().Err(err).Msg("screen: list candidates")
		s.sink.Emit(noticeFor(SeverityWarning, err))
		profiles = nil
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}
	s.sink.Emit(Candidates{Profiles: profiles})
	return err
}

// Close tears down the selection. The Screen emits nothing afterwards.
func (s *Screen) Close() {
	s.op.Lock()
	defer s.op.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen.Add(1)
	s.teardownLocked()
}
