// ABOUTME: bcrypt password hashing and email/password login
// ABOUTME: Login compares against a dummy hash for unknown users to keep timing flat

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/sigbot/internal/store"
)

// ErrInvalidCredentials is returned for an unknown email or wrong password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// dummyHash is compared against when the user does not exist.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// MinPasswordLength is enforced when creating users.
const MinPasswordLength = 8

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NewUser builds a user record with a fresh id and hashed password.
func NewUser(email, password string) (*store.User, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email %q", email)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &store.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// UserStore is the user persistence the Authenticator needs.
type UserStore interface {
	UserLookup
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
}

// Authenticator exchanges email and password for a signed token.
type Authenticator struct {
	users    UserStore
	verifier *JWTVerifier
	ttl      time.Duration
}

// NewAuthenticator creates an Authenticator issuing tokens valid for ttl.
func NewAuthenticator(users UserStore, verifier *JWTVerifier, ttl time.Duration) *Authenticator {
	return &Authenticator{users: users, verifier: verifier, ttl: ttl}
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Login returns a token for the user with the given credentials.
func (a *Authenticator) Login(ctx context.Context, email, password string) (string, *store.User, error) {
	user, err := a.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("looking up user: %w", err)
	}

	if !CheckPassword(user.PasswordHash, password) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := a.verifier.Generate(user.ID, a.ttl)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}
	return token, user, nil
}
