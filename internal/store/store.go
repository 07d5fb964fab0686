// Package store defines the storage interface for the gateway and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the gateway.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Messages
	SaveMessage(ctx context.Context, msg *ChatMessage) error
	ListConversation(ctx context.Context, conversationID string, sinceMicros int64, limit int) ([]ChatMessage, error)
	ListConversationPage(ctx context.Context, conversationID string, offset, limit int) ([]ChatMessage, error)
	MarkDelivered(ctx context.Context, ids []int64) error
	ListUndelivered(ctx context.Context, receiverID string, limit int) ([]ChatMessage, error)
	CountUnreadByPartner(ctx context.Context, receiverID string) (map[string]int, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a chat participant. Profiles are upserted from verified
// token claims at connect time; PasswordHash is only populated for accounts
// created through the builtin auth provider.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username,omitempty"`
	FullName     string    `json:"full_name,omitempty"`
	ProfileImage string    `json:"profile_image,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatMessage represents a stored point-to-point message. CreatedAt is an
// epoch-microseconds timestamp assigned by the gateway at send time; ID is
// assigned by the store on save.
type ChatMessage struct {
	ID             int64  `json:"id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	CreatedAt      int64  `json:"created_at"`
	Delivered      bool   `json:"delivered"`
}
