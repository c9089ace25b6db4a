// Package memory implements every backend capability in process. It is
// the backend of tests and of `server -memory`.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
	"github.com/cloudzz-dev/cldzshop/internal/server/realtime"
)

type Backend struct {
	mu sync.Mutex

	users         map[string]models.User // id -> user
	sessions      map[string]models.Session
	profiles      map[string]models.Profile
	conversations map[string]models.Conversation
	members       map[string]map[string]struct{} // conversationID -> userIDs
	messages      map[string][]models.Message    // conversationID -> history in insert order
	posts         []models.Post
	products      []models.Product
	orders        []models.Order
	reviews       []models.Review
	follows       map[[2]string]models.Follow
	blobs         map[string][]byte

	calls    map[string]int
	failures map[string]error

	broker   *realtime.Broker
	presence *realtime.LocalPresence
	now      func() time.Time
}

func New() *Backend {
	return &Backend{
		users:         make(map[string]models.User),
		sessions:      make(map[string]models.Session),
		profiles:      make(map[string]models.Profile),
		conversations: make(map[string]models.Conversation),
		members:       make(map[string]map[string]struct{}),
		messages:      make(map[string][]models.Message),
		follows:       make(map[[2]string]models.Follow),
		blobs:         make(map[string][]byte),
		calls:         make(map[string]int),
		failures:      make(map[string]error),
		broker:        realtime.NewBroker(0),
		presence:      realtime.NewLocalPresence(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ backend.Sessions      = (*Backend)(nil)
	_ backend.Directory     = (*Backend)(nil)
	_ backend.Conversations = (*Backend)(nil)
	_ backend.Messages      = (*Backend)(nil)
	_ backend.Feed          = (*Backend)(nil)
	_ backend.Blobs         = (*Backend)(nil)
	_ backend.Posts         = (*Backend)(nil)
	_ backend.Catalog       = (*Backend)(nil)
	_ backend.Follows       = (*Backend)(nil)
)

// Client exposes b as every capability of a backend.Client.
func (b *Backend) Client() *backend.Client {
	return &backend.Client{
		Sessions:      b,
		Directory:     b,
		Conversations: b,
		Messages:      b,
		Feed:          b,
		Presence:      b.presence,
		Blobs:         b,
		Posts:         b,
		Catalog:       b,
		Follows:       b,
	}
}

// SetNow replaces the clock used for generated timestamps.
func (b *Backend) SetNow(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// FailOn makes the named operation return err until cleared with nil.
func (b *Backend) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Calls reports how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) Presence() *realtime.LocalPresence { return b.presence }
func (b *Backend) Broker() *realtime.Broker          { return b.broker }

// enter records a call and returns the injected failure. Caller holds b.mu.
func (b *Backend) enter(op string) error {
	b.calls[op]++
	return b.failures[op]
}

// Seeding helpers

func (b *Backend) PutProfile(p models.Profile) {
	b.mu.Lock()
	b.profiles[p.UserID] = p
	b.mu.Unlock()
}

func (b *Backend) PutConversation(c models.Conversation, memberIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[c.ID] = c
	set := b.members[c.ID]
	if set == nil {
		set = make(map[string]struct{})
		b.members[c.ID] = set
	}
	for _, id := range memberIDs {
		set[id] = struct{}{}
	}
}

// PutMessage stores m without publishing it to subscribers.
func (b *Backend) PutMessage(m models.Message) {
	b.mu.Lock()
	b.messages[m.ConversationID] = append(b.messages[m.ConversationID], m)
	b.mu.Unlock()
}

func (b *Backend) PutProduct(p models.Product) {
	b.mu.Lock()
	b.products = append(b.products, p)
	b.mu.Unlock()
}

func (b *Backend) PutOrder(o models.Order) {
	b.mu.Lock()
	b.orders = append(b.orders, o)
	b.mu.Unlock()
}

func (b *Backend) PutReview(r models.Review) {
	b.mu.Lock()
	b.reviews = append(b.reviews, r)
	b.mu.Unlock()
}

// Inspection helpers

func (b *Backend) Conversation(id string) (models.Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	return c, ok
}

func (b *Backend) ConversationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conversations)
}

func (b *Backend) Members(conversationID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.members[conversationID]))
	for id := range b.members[conversationID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Backend) MessageCount(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[conversationID])
}

func (b *Backend) Blob(bucket, path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[bucket+"/"+path]
	return data, ok
}

// Sessions

func (b *Backend) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CreateUser"); err != nil {
		return nil, err
	}
	for _, u := range b.users {
		if strings.EqualFold(u.Email, email) {
			return nil, backend.ErrConflict
		}
	}
	u := models.User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash, CreatedAt: b.now()}
	b.users[u.ID] = u
	return &u, nil
}

func (b *Backend) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("UserByEmail"); err != nil {
		return nil, err
	}
	for _, u := range b.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, backend.ErrNotFound
}

func (b *Backend) UserByID(ctx context.Context, id string) (*models.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("UserByID"); err != nil {
		return nil, err
	}
	u, ok := b.users[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &u, nil
}

func (b *Backend) CreateSession(ctx context.Context, s models.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CreateSession"); err != nil {
		return err
	}
	b.sessions[s.Token] = s
	return nil
}

func (b *Backend) Session(ctx context.Context, token string) (*models.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Session"); err != nil {
		return nil, err
	}
	s, ok := b.sessions[token]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &s, nil
}

func (b *Backend) DeleteSession(ctx context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("DeleteSession"); err != nil {
		return err
	}
	delete(b.sessions, token)
	return nil
}

// Directory

func (b *Backend) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Profile"); err != nil {
		return nil, err
	}
	p, ok := b.profiles[userID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &p, nil
}

func (b *Backend) Profiles(ctx context.Context, userIDs []string) (map[string]models.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Profiles"); err != nil {
		return nil, err
	}
	out := make(map[string]models.Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := b.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (b *Backend) ProfilesExcept(ctx context.Context, userID string) ([]models.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ProfilesExcept"); err != nil {
		return nil, err
	}
	var out []models.Profile
	for id, p := range b.profiles {
		if id != userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (b *Backend) usernameTakenLocked(username, exceptUserID string) bool {
	for id, p := range b.profiles {
		if id != exceptUserID && strings.EqualFold(p.Username, username) {
			return true
		}
	}
	return false
}

func (b *Backend) CreateProfile(ctx context.Context, p models.Profile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CreateProfile"); err != nil {
		return err
	}
	if _, exists := b.profiles[p.UserID]; exists || b.usernameTakenLocked(p.Username, p.UserID) {
		return backend.ErrConflict
	}
	b.profiles[p.UserID] = p
	return nil
}

func (b *Backend) UpdateProfile(ctx context.Context, p models.Profile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("UpdateProfile"); err != nil {
		return err
	}
	cur, ok := b.profiles[p.UserID]
	if !ok {
		return backend.ErrNotFound
	}
	if b.usernameTakenLocked(p.Username, p.UserID) {
		return backend.ErrConflict
	}
	p.FollowersCount = cur.FollowersCount
	p.FollowingCount = cur.FollowingCount
	p.IsAdmin = cur.IsAdmin
	b.profiles[p.UserID] = p
	return nil
}

// Conversations

func (b *Backend) MemberConversationIDs(ctx context.Context, userID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("MemberConversationIDs"); err != nil {
		return nil, err
	}
	var ids []string
	for convID, set := range b.members {
		if _, ok := set[userID]; ok {
			ids = append(ids, convID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) ConversationsByIDs(ctx context.Context, ids []string) ([]models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ConversationsByIDs"); err != nil {
		return nil, err
	}
	out := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		if c, ok := b.conversations[id]; ok {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (b *Backend) OtherMembers(ctx context.Context, conversationID, userID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("OtherMembers"); err != nil {
		return nil, err
	}
	var out []string
	for id := range b.members[conversationID] {
		if id != userID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) CreateConversation(ctx context.Context, c models.Conversation) (*models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CreateConversation"); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := b.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	b.conversations[c.ID] = c
	return &c, nil
}

func (b *Backend) AddMembers(ctx context.Context, rows []models.Membership) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("AddMembers"); err != nil {
		return err
	}
	for _, r := range rows {
		if _, ok := b.conversations[r.ConversationID]; !ok {
			return errors.Wrapf(backend.ErrNotFound, "memory: conversation %s", r.ConversationID)
		}
	}
	for _, r := range rows {
		set := b.members[r.ConversationID]
		if set == nil {
			set = make(map[string]struct{})
			b.members[r.ConversationID] = set
		}
		set[r.UserID] = struct{}{}
	}
	return nil
}

func (b *Backend) DeleteConversation(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("DeleteConversation"); err != nil {
		return err
	}
	delete(b.conversations, id)
	delete(b.members, id)
	delete(b.messages, id)
	return nil
}

func (b *Backend) TouchConversation(ctx context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("TouchConversation"); err != nil {
		return err
	}
	c, ok := b.conversations[id]
	if !ok {
		return backend.ErrNotFound
	}
	c.UpdatedAt = at
	b.conversations[id] = c
	return nil
}

// Messages and feed

func (b *Backend) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Messages"); err != nil {
		return nil, err
	}
	out := append([]models.Message(nil), b.messages[conversationID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InsertMessage stores m and publishes it to the conversation's
// subscribers once committed.
func (b *Backend) InsertMessage(ctx context.Context, m models.Message) (*models.Message, error) {
	b.mu.Lock()
	if err := b.enter("InsertMessage"); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = b.now()
	}
	b.messages[m.ConversationID] = append(b.messages[m.ConversationID], m)
	b.mu.Unlock()

	b.broker.Publish(m)
	return &m, nil
}

func (b *Backend) SubscribeMessages(ctx context.Context, conversationID string) (backend.Subscription, error) {
	b.mu.Lock()
	err := b.enter("SubscribeMessages")
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.broker.Subscribe(conversationID), nil
}

// Blobs

func (b *Backend) Upload(ctx context.Context, bucket, path, contentType string, r io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Upload"); err != nil {
		return err
	}
	b.blobs[bucket+"/"+path] = buf.Bytes()
	return nil
}

func (b *Backend) PublicURL(bucket, path string) string {
	return "memory://" + bucket + "/" + path
}

// Posts

func (b *Backend) PostsByUser(ctx context.Context, userID string) ([]models.Post, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("PostsByUser"); err != nil {
		return nil, err
	}
	var out []models.Post
	for _, p := range b.posts {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) InsertPost(ctx context.Context, p models.Post) (*models.Post, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("InsertPost"); err != nil {
		return nil, err
	}
	p.ID = uuid.NewString()
	p.CreatedAt = b.now()
	b.posts = append(b.posts, p)
	return &p, nil
}

// Catalog

func (b *Backend) Products(ctx context.Context, category string) ([]models.Product, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Products"); err != nil {
		return nil, err
	}
	var out []models.Product
	for _, p := range b.products {
		if category == "" || strings.EqualFold(p.Category, category) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) OrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("OrdersByUser"); err != nil {
		return nil, err
	}
	var out []models.Order
	for _, o := range b.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderDate.After(out[j].OrderDate) })
	return out, nil
}

func (b *Backend) ReviewsByUser(ctx context.Context, userID string) ([]models.Review, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ReviewsByUser"); err != nil {
		return nil, err
	}
	var out []models.Review
	for _, r := range b.reviews {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) Stats(ctx context.Context) (*models.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Stats"); err != nil {
		return nil, err
	}
	s := &models.Stats{
		Users:    int64(len(b.users)),
		Products: int64(len(b.products)),
		Orders:   int64(len(b.orders)),
		Posts:    int64(len(b.posts)),
	}
	for _, o := range b.orders {
		s.RevenueCents += o.TotalCents
	}
	return s, nil
}

// Follows

func (b *Backend) Follow(ctx context.Context, followerID, followingID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Follow"); err != nil {
		return err
	}
	key := [2]string{followerID, followingID}
	if _, ok := b.follows[key]; ok {
		return nil
	}
	b.follows[key] = models.Follow{FollowerID: followerID, FollowingID: followingID, CreatedAt: b.now()}
	b.bumpCountsLocked(followerID, followingID, 1)
	return nil
}

func (b *Backend) Unfollow(ctx context.Context, followerID, followingID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Unfollow"); err != nil {
		return err
	}
	key := [2]string{followerID, followingID}
	if _, ok := b.follows[key]; !ok {
		return nil
	}
	delete(b.follows, key)
	b.bumpCountsLocked(followerID, followingID, -1)
	return nil
}

func (b *Backend) bumpCountsLocked(followerID, followingID string, delta int) {
	if p, ok := b.profiles[followerID]; ok {
		p.FollowingCount += delta
		b.profiles[followerID] = p
	}
	if p, ok := b.profiles[followingID]; ok {
		p.FollowersCount += delta
		b.profiles[followingID] = p
	}
}

func (b *Backend) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("IsFollowing"); err != nil {
		return false, err
	}
	_, ok := b.follows[[2]string{followerID, followingID}]
	return ok, nil
}
