// ABOUTME: Store interfaces and data types for sigbot persistence
// ABOUTME: Defines User, Bot, ProtocolStoreRecord and the repository interfaces

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateNumber is returned when a bot is created for a number that already has one
var ErrDuplicateNumber = errors.New("bot number already registered")

// ErrEmailExists is returned when a user is created with an email already in use
var ErrEmailExists = errors.New("email already exists")

// User is an account that owns bots
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Bot is a numbered endpoint on the messaging network owned by a user
type Bot struct {
	ID         string    `json:"id"`
	Number     string    `json:"number"`
	Token      string    `json:"token"`
	UserID     string    `json:"userId"`
	IsVerified bool      `json:"isVerified"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ProtocolStoreRecord is the persisted protocol state of one bot.
// Data is the opaque blob produced by protostore.Store.Snapshot.
type ProtocolStoreRecord struct {
	BotID     string
	Data      []byte
	UpdatedAt time.Time
}

// UserStore manages user accounts
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CountUsers(ctx context.Context) (int, error)
}

// BotStore manages bot metadata
type BotStore interface {
	// CreateBot creates an unverified bot with a fresh id and token.
	CreateBot(ctx context.Context, userID, number string) (*Bot, error)
	FindBotByID(ctx context.Context, id string) (*Bot, error)
	FindBotForUser(ctx context.Context, userID, botID string) (*Bot, error)
	FindBotByToken(ctx context.Context, token string) (*Bot, error)
	FindBotByNumber(ctx context.Context, number string) (*Bot, error)
	ListBotsForUser(ctx context.Context, userID string) ([]*Bot, error)
	// CycleToken replaces the bot's token and returns the updated bot.
	CycleToken(ctx context.Context, botID string) (*Bot, error)
	MarkVerified(ctx context.Context, botID string) error
	DeleteBot(ctx context.Context, botID string) error
}

// ProtocolStoreRepository loads and saves protocol state blobs
type ProtocolStoreRepository interface {
	// GetOrCreateStore returns the bot's record, creating an empty one if absent.
	GetOrCreateStore(ctx context.Context, botID string) (*ProtocolStoreRecord, error)
	UpdateStore(ctx context.Context, botID string, data []byte) error
	DeleteStore(ctx context.Context, botID string) error
}

// Store is the full persistence surface
type Store interface {
	UserStore
	BotStore
	ProtocolStoreRepository
	AuditStore

	// DeleteBotWithStore removes a bot and its protocol state atomically.
	DeleteBotWithStore(ctx context.Context, botID string) error
	Close() error
}

// emptyStoreData is the blob of a freshly created protocol store.
var emptyStoreData = []byte("{}")
