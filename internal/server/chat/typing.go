package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
	"github.com/cloudzz-dev/cldzshop/internal/server/realtime"
)

const DefaultTypingTimeout = 2 * time.Second

const announceTimeout = 5 * time.Second

type ChannelState int

const (
	Disconnected ChannelState = iota
	Subscribing
	Synced
)

func (s ChannelState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Synced:
		return "synced"
	default:
		return "disconnected"
	}
}

// Typing is the local user's membership in a conversation's presence
// channel. It announces the user's typing flag and reports which other
// members are typing.
type Typing struct {
	key      string
	username string
	clock    clockwork.Clock
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	state   ChannelState
	channel backend.PresenceChannel
	timer   clockwork.Timer
	armed   uint64 // bumped whenever the pending timer is replaced or cancelled

	done chan struct{}
}

type TypingOptions struct {
	Clock   clockwork.Clock
	Timeout time.Duration
	Logger  zerolog.Logger
	// OnChange receives the sorted usernames of other members typing,
	// whenever that set changes.
	OnChange func(usernames []string)
}

// JoinTyping joins the presence channel of conversationID under the
// identity's user id and announces typing=false once synced.
func JoinTyping(ctx context.Context, presence backend.Presence, conversationID string, id Identity, opts TypingOptions) (*Typing, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTypingTimeout
	}
	t := &Typing{
		key:      id.UserID,
		username: id.Username,
		clock:    opts.Clock,
		timeout:  opts.Timeout,
		logger:   opts.Logger.With().Str("conversation_id", conversationID).Logger(),
		state:    Subscribing,
		done:     make(chan struct{}),
	}

	ch, err := presence.Join(ctx, realtime.PresenceTopic(conversationID), t.key)
	if err != nil {
		t.state = Disconnected
		return nil, err
	}

	t.mu.Lock()
	t.channel = ch
	t.state = Synced
	t.announceLocked(false)
	t.mu.Unlock()

	go t.watch(opts.OnChange)
	return t, nil
}

func (t *Typing) State() ChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Keystroke announces typing=true and restarts the inactivity window.
// It does nothing until the channel is synced.
func (t *Typing) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Synced {
		return
	}
	t.stopTimerLocked()
	t.announceLocked(true)

	armed := t.armed
	t.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(armed) })
}

// Sent announces typing=false and cancels the inactivity window.
func (t *Typing) Sent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
	if t.state == Synced {
		t.announceLocked(false)
	}
}

func (t *Typing) expire(armed uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if armed != t.armed || t.state != Synced {
		return
	}
	t.timer = nil
	t.announceLocked(false)
}

func (t *Typing) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.armed++
}

func (t *Typing) announceLocked(typing bool) {
	payload, err := json.Marshal(models.TypingState{Typing: typing, Username: t.username})
	if err != nil {
		t.logger.Error().Err(err).Msg("typing: encode")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	if err := t.channel.Track(ctx, payload); err != nil {
		t.logger.Warn().Err(err).Bool("typing", typing).Msg("typing: announce")
	}
}

func (t *Typing) watch(onChange func([]string)) {
	defer close(t.done)
	var last []string
	for snap := range t.channel.Syncs() {
		names := TypingSet(snap, t.key)
		if slices.Equal(names, last) {
			continue
		}
		last = names
		if onChange != nil {
			onChange(names)
		}
	}
}

// Close releases the presence key. When it returns the timer is stopped
// and no further changes will be reported.
func (t *Typing) Close() {
	t.mu.Lock()
	if t.state == Disconnected {
		t.mu.Unlock()
		return
	}
	t.state = Disconnected
	t.stopTimerLocked()
	ch := t.channel
	t.mu.Unlock()

	if err := ch.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("typing: close channel")
	}
	<-t.done
}

// TypingSet lists the usernames of members other than localKey whose
// payload says they are typing, sorted. Payloads that do not decode
// count as not typing.
func TypingSet(state backend.PresenceState, localKey string) []string {
	var names []string
	for key, raw := range state {
		if key == localKey {
			continue
		}
		var ts models.TypingState
		if err := json.Unmarshal(raw, &ts); err != nil {
			continue
		}
		if ts.Typing && ts.Username != "" {
			names = append(names, ts.Username)
		}
	}
	sort.Strings(names)
	return names
}

// TypingText phrases a typing set for display.
func TypingText(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing"
	case 2:
		return names[0] + " and " + names[1] + " are typing"
	default:
		return fmt.Sprintf("%s and %d others are typing", names[0], len(names)-1)
	}
}
