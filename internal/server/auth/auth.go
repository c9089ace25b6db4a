// Package auth issues and resolves session tokens.
package auth

import (
	"context"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

const (
	DefaultSessionTTL = 30 * 24 * time.Hour
	minPasswordLength = 6
)

var (
	ErrAuthRequired       = apperr.Unauthenticated("sign in required")
	ErrInvalidCredentials = apperr.Unauthenticated("invalid email or password")
	ErrEmailTaken         = apperr.AlreadyExists("email already registered")
	ErrInvalidEmail       = apperr.InvalidArg("invalid email address")
	ErrWeakPassword       = apperr.InvalidArg("password must be at least 6 characters")
)

// Identity is the user behind a session.
type Identity struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	Username   string `json:"username"`
	HasProfile bool   `json:"has_profile"`
	IsAdmin    bool   `json:"is_admin"`
}

// Grant is a freshly issued session.
type Grant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  Identity  `json:"user"`
}

type ChangeKind int

const (
	SignedIn ChangeKind = iota
	SignedOut
)

func (k ChangeKind) String() string {
	if k == SignedIn {
		return "signed_in"
	}
	return "signed_out"
}

type Change struct {
	Kind   ChangeKind
	UserID string
}

type Service struct {
	sessions  backend.Sessions
	directory backend.Directory
	ttl       time.Duration
	clock     clockwork.Clock
	logger    zerolog.Logger

	mu        sync.Mutex
	listeners map[int]func(Change)
	next      int
}

func NewService(sessions backend.Sessions, directory backend.Directory, ttl time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		sessions:  sessions,
		directory: directory,
		ttl:       ttl,
		clock:     clock,
		logger:    logger.With().Str("component", "auth").Logger(),
		listeners: make(map[int]func(Change)),
	}
}

// Register creates an account and signs it in.
func (s *Service) Register(ctx context.Context, email, password string) (*Grant, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal("hash password", err)
	}
	user, err := s.sessions.CreateUser(ctx, email, string(hash))
	if errors.Is(err, backend.ErrConflict) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, user)
}

// SignIn checks the password and issues a new session.
func (s *Service) SignIn(ctx context.Context, email, password string) (*Grant, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	user, err := s.sessions.UserByEmail(ctx, email)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(ctx, user)
}

func (s *Service) issue(ctx context.Context, user *models.User) (*Grant, error) {
	sess := models.Session{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: s.clock.Now().Add(s.ttl).UTC(),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	id := s.identity(ctx, user)
	s.logger.Info().Str("user_id", user.ID).Msg("signed in")
	s.notify(Change{Kind: SignedIn, UserID: user.ID})
	return &Grant{Token: sess.Token, ExpiresAt: sess.ExpiresAt, Identity: id}, nil
}

// Resolve returns the identity of a live session. Missing, unknown and
// expired tokens all yield ErrAuthRequired.
func (s *Service) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrAuthRequired
	}
	sess, err := s.sessions.Session(ctx, token)
	if errors.Is(err, backend.ErrNotFound) {
		return Identity{}, ErrAuthRequired
	}
	if err != nil {
		return Identity{}, err
	}
	if !s.clock.Now().Before(sess.ExpiresAt) {
		if err := s.sessions.DeleteSession(ctx, token); err != nil {
			s.logger.Warn().Err(err).Msg("delete expired session")
		}
		return Identity{}, ErrAuthRequired
	}

	user, err := s.sessions.UserByID(ctx, sess.UserID)
	if errors.Is(err, backend.ErrNotFound) {
		return Identity{}, ErrAuthRequired
	}
	if err != nil {
		return Identity{}, err
	}
	return s.identity(ctx, user), nil
}

// identity fills in profile details when the user has created one.
func (s *Service) identity(ctx context.Context, user *models.User) Identity {
	id := Identity{UserID: user.ID, Email: user.Email, Username: localPart(user.Email)}
	p, err := s.directory.Profile(ctx, user.ID)
	switch {
	case err == nil:
		id.HasProfile = true
		id.Username = p.Username
		id.IsAdmin = p.IsAdmin
	case !errors.Is(err, backend.ErrNotFound):
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("profile lookup")
	}
	return id
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	sess, err := s.sessions.Session(ctx, token)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.sessions.DeleteSession(ctx, token); err != nil {
		return err
	}
	s.notify(Change{Kind: SignedOut, UserID: sess.UserID})
	return nil
}

// Subscribe registers fn for sign-in and sign-out changes. The returned
// func removes it.
func (s *Service) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) notify(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(email), nil
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
