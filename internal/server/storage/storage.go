// Package storage is the Postgres implementation of the backend tables.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation   = "23505"
	invalidTextFormat = "22P02" // malformed uuid
)

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var (
	_ backend.Sessions      = (*Store)(nil)
	_ backend.Directory     = (*Store)(nil)
	_ backend.Conversations = (*Store)(nil)
	_ backend.Messages      = (*Store)(nil)
	_ backend.Posts         = (*Store)(nil)
	_ backend.Catalog       = (*Store)(nil)
	_ backend.Follows       = (*Store)(nil)
)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store.Open")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store.Ping")
	}
	logger.Info().Msg("connected to database")
	return &Store{db: db, logger: logger}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "store.Migrate")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// fail maps driver errors onto the backend sentinels.
func fail(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return backend.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return backend.ErrConflict
		case invalidTextFormat:
			return backend.ErrNotFound
		}
	}
	return errors.Wrap(err, op)
}

// User Methods

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	u := models.User{Email: email, PasswordHash: passwordHash}
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING id, created_at",
		email, passwordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, fail(err, "store.CreateUser")
	}
	return &u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, created_at FROM users WHERE lower(email) = lower($1)",
		email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, fail(err, "store.UserByEmail")
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, created_at FROM users WHERE id = $1",
		id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, fail(err, "store.UserByID")
	}
	return &u, nil
}

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (token, user_id, expires_at) VALUES ($1, $2, $3)",
		sess.Token, sess.UserID, sess.ExpiresAt,
	)
	return fail(err, "store.CreateSession")
}

func (s *Store) Session(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx,
		"SELECT token, user_id, expires_at FROM sessions WHERE token = $1",
		token,
	).Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt)
	if err != nil {
		return nil, fail(err, "store.Session")
	}
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = $1", token)
	return fail(err, "store.DeleteSession")
}

// Profile Methods

const profileColumns = `user_id, username, full_name, email, bio, profile_photo, phone_number,
	house_number, street, district, state, pincode, followers_count, following_count, is_admin`

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (models.Profile, error) {
	var p models.Profile
	err := row.Scan(&p.UserID, &p.Username, &p.FullName, &p.Email, &p.Bio, &p.AvatarURL,
		&p.PhoneNumber, &p.HouseNumber, &p.Street, &p.District, &p.State, &p.Pincode,
		&p.FollowersCount, &p.FollowingCount, &p.IsAdmin)
	return p, err
}

func (s *Store) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM profiles WHERE user_id = $1", userID)
	p, err := scanProfile(row)
	if err != nil {
		return nil, fail(err, "store.Profile")
	}
	return &p, nil
}

func (s *Store) Profiles(ctx context.Context, userIDs []string) (map[string]models.Profile, error) {
	out := make(map[string]models.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE user_id = ANY($1::uuid[])",
		pq.Array(userIDs),
	)
	if err != nil {
		return nil, fail(err, "store.Profiles")
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fail(err, "store.Profiles.Scan")
		}
		out[p.UserID] = p
	}
	return out, fail(rows.Err(), "store.Profiles")
}

func (s *Store) ProfilesExcept(ctx context.Context, userID string) ([]models.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE user_id <> $1 ORDER BY username",
		userID,
	)
	if err != nil {
		return nil, fail(err, "store.ProfilesExcept")
	}
	defer rows.Close()
	var out []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fail(err, "store.ProfilesExcept.Scan")
		}
		out = append(out, p)
	}
	return out, fail(rows.Err(), "store.ProfilesExcept")
}

func (s *Store) CreateProfile(ctx context.Context, p models.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, username, full_name, email, bio, profile_photo, phone_number,
			house_number, street, district, state, pincode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.UserID, p.Username, p.FullName, p.Email, p.Bio, p.AvatarURL, p.PhoneNumber,
		p.HouseNumber, p.Street, p.District, p.State, p.Pincode,
	)
	return fail(err, "store.CreateProfile")
}

// UpdateProfile rewrites the editable columns. Counters and the admin
// flag are left alone.
func (s *Store) UpdateProfile(ctx context.Context, p models.Profile) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET username = $2, full_name = $3, email = $4, bio = $5, profile_photo = $6,
			phone_number = $7, house_number = $8, street = $9, district = $10, state = $11, pincode = $12
		WHERE user_id = $1`,
		p.UserID, p.Username, p.FullName, p.Email, p.Bio, p.AvatarURL, p.PhoneNumber,
		p.HouseNumber, p.Street, p.District, p.State, p.Pincode,
	)
	if err != nil {
		return fail(err, "store.UpdateProfile")
	}
	return requireRow(res, "store.UpdateProfile")
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		return backend.ErrNotFound
	}
	return nil
}

// Conversation Methods

func (s *Store) MemberConversationIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT conversation_id FROM conversation_members WHERE user_id = $1",
		userID,
	)
	if err != nil {
		return nil, fail(err, "store.MemberConversationIDs")
	}
	return scanStrings(rows, "store.MemberConversationIDs")
}

func scanStrings(rows *sql.Rows, op string) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, op)
		}
		out = append(out, v)
	}
	return out, fail(rows.Err(), op)
}

func (s *Store) ConversationsByIDs(ctx context.Context, ids []string) ([]models.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, is_group, COALESCE(created_by::text, ''), created_at, updated_at
		FROM conversations
		WHERE id = ANY($1::uuid[])
		ORDER BY updated_at DESC`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fail(err, "store.ConversationsByIDs")
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "store.ConversationsByIDs.Scan")
		}
		convs = append(convs, c)
	}
	return convs, fail(rows.Err(), "store.ConversationsByIDs")
}

func (s *Store) OtherMembers(ctx context.Context, conversationID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM conversation_members WHERE conversation_id = $1 AND user_id <> $2",
		conversationID, userID,
	)
	if err != nil {
		return nil, fail(err, "store.OtherMembers")
	}
	return scanStrings(rows, "store.OtherMembers")
}

func (s *Store) CreateConversation(ctx context.Context, c models.Conversation) (*models.Conversation, error) {
	var createdBy *string
	if c.CreatedBy != "" {
		createdBy = &c.CreatedBy
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (name, is_group, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		c.Name, c.IsGroup, createdBy,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fail(err, "store.CreateConversation")
	}
	return &c, nil
}

// AddMembers inserts every row in one transaction: either all members
// are added or none are.
func (s *Store) AddMembers(ctx context.Context, rows []models.Membership) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store.AddMembers.Begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
	)
	if err != nil {
		return errors.Wrap(err, "store.AddMembers.Prepare")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.ConversationID, r.UserID); err != nil {
			return fail(err, "store.AddMembers")
		}
	}
	return errors.Wrap(tx.Commit(), "store.AddMembers.Commit")
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", id)
	return fail(err, "store.DeleteConversation")
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE conversations SET updated_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return fail(err, "store.TouchConversation")
	}
	return requireRow(res, "store.TouchConversation")
}

// Message Methods

func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fail(err, "store.Messages")
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "store.Messages.Scan")
		}
		msgs = append(msgs, m)
	}
	return msgs, fail(rows.Err(), "store.Messages")
}

// Message loads one message by id.
func (s *Store) Message(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages
		WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, fail(err, "store.Message")
	}
	return &m, nil
}

func (s *Store) InsertMessage(ctx context.Context, m models.Message) (*models.Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		m.ConversationID, m.SenderID, m.Content,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fail(err, "store.InsertMessage")
	}
	return &m, nil
}

// Post Methods

func (s *Store) PostsByUser(ctx context.Context, userID string) ([]models.Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, image_url, caption, created_at
		FROM posts WHERE user_id = $1
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fail(err, "store.PostsByUser")
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		var p models.Post
		if err := rows.Scan(&p.ID, &p.UserID, &p.ImageURL, &p.Caption, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "store.PostsByUser.Scan")
		}
		posts = append(posts, p)
	}
	return posts, fail(rows.Err(), "store.PostsByUser")
}

func (s *Store) InsertPost(ctx context.Context, p models.Post) (*models.Post, error) {
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO posts (user_id, image_url, caption) VALUES ($1, $2, $3) RETURNING id, created_at",
		p.UserID, p.ImageURL, p.Caption,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fail(err, "store.InsertPost")
	}
	return &p, nil
}

// Catalog Methods

func (s *Store) Products(ctx context.Context, category string) ([]models.Product, error) {
	query := `SELECT id, name, description, category, price_cents, image_url, stock, created_at FROM products`
	var args []any
	if category = strings.TrimSpace(category); category != "" {
		query += " WHERE category = $1"
		args = append(args, category)
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail(err, "store.Products")
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.PriceCents, &p.ImageURL, &p.Stock, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "store.Products.Scan")
		}
		out = append(out, p)
	}
	return out, fail(rows.Err(), "store.Products")
}

func (s *Store) OrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.user_id, o.product_id, p.name, p.image_url, o.quantity, o.total_cents, o.status, o.order_date
		FROM orders o
		JOIN products p ON p.id = o.product_id
		WHERE o.user_id = $1
		ORDER BY o.order_date DESC`,
		userID,
	)
	if err != nil {
		return nil, fail(err, "store.OrdersByUser")
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.ProductID, &o.ProductName, &o.ProductImage,
			&o.Quantity, &o.TotalCents, &o.Status, &o.OrderDate); err != nil {
			return nil, errors.Wrap(err, "store.OrdersByUser.Scan")
		}
		out = append(out, o)
	}
	return out, fail(rows.Err(), "store.OrdersByUser")
}

func (s *Store) ReviewsByUser(ctx context.Context, userID string) ([]models.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.user_id, r.product_id, p.name, r.rating, r.comment, r.created_at
		FROM reviews r
		JOIN products p ON p.id = r.product_id
		WHERE r.user_id = $1
		ORDER BY r.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fail(err, "store.ReviewsByUser")
	}
	defer rows.Close()

	var out []models.Review
	for rows.Next() {
		var r models.Review
		if err := rows.Scan(&r.ID, &r.UserID, &r.ProductID, &r.ProductName, &r.Rating, &r.Comment, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "store.ReviewsByUser.Scan")
		}
		out = append(out, r)
	}
	return out, fail(rows.Err(), "store.ReviewsByUser")
}

func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	var st models.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM orders),
			(SELECT COUNT(*) FROM posts),
			(SELECT COALESCE(SUM(total_cents), 0) FROM orders)`,
	).Scan(&st.Users, &st.Products, &st.Orders, &st.Posts, &st.RevenueCents)
	if err != nil {
		return nil, fail(err, "store.Stats")
	}
	return &st, nil
}

// Follow Methods

// Follow inserts the edge and bumps both counters in one transaction.
// Following twice is a no-op.
func (s *Store) Follow(ctx context.Context, followerID, followingID string) error {
	return s.follow(ctx, followerID, followingID,
		"INSERT INTO follows (follower_id, following_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", 1)
}

func (s *Store) Unfollow(ctx context.Context, followerID, followingID string) error {
	return s.follow(ctx, followerID, followingID,
		"DELETE FROM follows WHERE follower_id = $1 AND following_id = $2", -1)
}

func (s *Store) follow(ctx context.Context, followerID, followingID, edge string, delta int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store.Follow.Begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, edge, followerID, followingID)
	if err != nil {
		return fail(err, "store.Follow")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "store.Follow")
	}
	if n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE profiles SET following_count = GREATEST(following_count + $2, 0) WHERE user_id = $1",
		followerID, delta); err != nil {
		return errors.Wrap(err, "store.Follow.Following")
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE profiles SET followers_count = GREATEST(followers_count + $2, 0) WHERE user_id = $1",
		followingID, delta); err != nil {
		return errors.Wrap(err, "store.Follow.Followers")
	}
	return errors.Wrap(tx.Commit(), "store.Follow.Commit")
}

func (s *Store) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM follows WHERE follower_id = $1 AND following_id = $2)",
		followerID, followingID,
	).Scan(&exists)
	return exists, fail(err, "store.IsFollowing")
}
