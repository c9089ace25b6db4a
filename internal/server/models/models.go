package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Profile struct {
	UserID         string  `json:"user_id"`
	Username       string  `json:"username"`
	FullName       string  `json:"full_name"`
	Email          string  `json:"email,omitempty"`
	Bio            *string `json:"bio,omitempty"`
	AvatarURL      *string `json:"profile_photo,omitempty"`
	PhoneNumber    *string `json:"phone_number,omitempty"`
	HouseNumber    *string `json:"house_number,omitempty"`
	Street         *string `json:"street,omitempty"`
	District       *string `json:"district,omitempty"`
	State          *string `json:"state,omitempty"`
	Pincode        *string `json:"pincode,omitempty"`
	FollowersCount int     `json:"followers_count"`
	FollowingCount int     `json:"following_count"`
	IsAdmin        bool    `json:"is_admin"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Name      *string   `json:"name,omitempty"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Membership struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// TypingState is the payload tracked per presence key.
type TypingState struct {
	Typing   bool   `json:"typing"`
	Username string `json:"username"`
}

type Post struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ImageURL  string    `json:"image_url"`
	Caption   *string   `json:"caption,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	PriceCents  int64     `json:"price_cents"`
	ImageURL    *string   `json:"image_url,omitempty"`
	Stock       int       `json:"stock"`
	CreatedAt   time.Time `json:"created_at"`
}

type Order struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ProductID    string    `json:"product_id"`
	ProductName  string    `json:"product_name"`
	ProductImage *string   `json:"product_image,omitempty"`
	Quantity     int       `json:"quantity"`
	TotalCents   int64     `json:"total_cents"`
	Status       string    `json:"status"`
	OrderDate    time.Time `json:"order_date"`
}

type Review struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	Rating      int       `json:"rating"`
	Comment     *string   `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Follow struct {
	FollowerID  string    `json:"follower_id"`
	FollowingID string    `json:"following_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type Stats struct {
	Users        int64 `json:"users"`
	Products     int64 `json:"products"`
	Orders       int64 `json:"orders"`
	Posts        int64 `json:"posts"`
	RevenueCents int64 `json:"revenue_cents"`
}

// WS Message Types

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type AuthPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Token    string `json:"token,omitempty"`
	Action   string `json:"action"` // "login", "register" or "resume"
}

type SelectConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessagePayload struct {
	Content string `json:"content"`
}

type CreateGroupPayload struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}
