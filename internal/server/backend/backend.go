// Package backend defines the capability set every feature is written
// against: sessions, tables, the insert feed, presence channels and
// object storage. A single Client is built at startup and shared.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

var (
	ErrNotFound = apperr.NotFound("record not found")
	ErrConflict = apperr.AlreadyExists("record already exists")
)

// Sessions stores users and their opaque session tokens.
type Sessions interface {
	CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error)
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
	CreateSession(ctx context.Context, s models.Session) error
	Session(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
}

// Directory resolves user ids to display profiles.
type Directory interface {
	Profile(ctx context.Context, userID string) (*models.Profile, error)
	// Profiles returns the profiles found for ids. Unknown ids are absent.
	Profiles(ctx context.Context, userIDs []string) (map[string]models.Profile, error)
	// ProfilesExcept lists every profile except the given user, by username.
	ProfilesExcept(ctx context.Context, userID string) ([]models.Profile, error)
	CreateProfile(ctx context.Context, p models.Profile) error
	UpdateProfile(ctx context.Context, p models.Profile) error
}

type Conversations interface {
	MemberConversationIDs(ctx context.Context, userID string) ([]string, error)
	// ConversationsByIDs returns conversations ordered by updated_at descending.
	ConversationsByIDs(ctx context.Context, ids []string) ([]models.Conversation, error)
	// OtherMembers lists members of conversationID whose id is not userID.
	OtherMembers(ctx context.Context, conversationID, userID string) ([]string, error)
	CreateConversation(ctx context.Context, c models.Conversation) (*models.Conversation, error)
	AddMembers(ctx context.Context, rows []models.Membership) error
	DeleteConversation(ctx context.Context, id string) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

type Messages interface {
	// Messages returns the history of a conversation ordered by created_at ascending.
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	InsertMessage(ctx context.Context, m models.Message) (*models.Message, error)
}

// Subscription delivers committed message inserts until closed.
type Subscription interface {
	Events() <-chan models.Message
	Close() error
}

// Feed opens insert subscriptions filtered by conversation id equality.
type Feed interface {
	SubscribeMessages(ctx context.Context, conversationID string) (Subscription, error)
}

// PresenceState is a synchronized snapshot: presence key to raw payload.
type PresenceState map[string][]byte

// PresenceChannel is one connection's membership in an ephemeral channel.
// The channel is synced by the time Join returns.
type PresenceChannel interface {
	Track(ctx context.Context, payload []byte) error
	Syncs() <-chan PresenceState
	// Close releases the presence key and stops sync delivery.
	Close() error
}

type Presence interface {
	Join(ctx context.Context, topic, key string) (PresenceChannel, error)
}

// Blobs is the object storage bucket API.
type Blobs interface {
	Upload(ctx context.Context, bucket, path, contentType string, r io.Reader) error
	PublicURL(bucket, path string) string
}

type Posts interface {
	PostsByUser(ctx context.Context, userID string) ([]models.Post, error)
	InsertPost(ctx context.Context, p models.Post) (*models.Post, error)
}

type Catalog interface {
	Products(ctx context.Context, category string) ([]models.Product, error)
	OrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	ReviewsByUser(ctx context.Context, userID string) ([]models.Review, error)
	Stats(ctx context.Context) (*models.Stats, error)
}

type Follows interface {
	Follow(ctx context.Context, followerID, followingID string) error
	Unfollow(ctx context.Context, followerID, followingID string) error
	IsFollowing(ctx context.Context, followerID, followingID string) (bool, error)
}

// Client bundles the capabilities. Fields may be shared by one
// implementation value.
type Client struct {
	Sessions      Sessions
	Directory     Directory
	Conversations Conversations
	Messages      Messages
	Feed          Feed
	Presence      Presence
	Blobs         Blobs
	Posts         Posts
	Catalog       Catalog
	Follows       Follows
}
