// ABOUTME: Tests for password hashing, user creation, and login
// ABOUTME: Uses the in-memory store

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/2389/sigbot/internal/store"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !CheckPassword(hash, "correct horse") {
		t.Error("CheckPassword() = false for the right password")
	}
	if CheckPassword(hash, "wrong horse") {
		t.Error("CheckPassword() = true for the wrong password")
	}

	if _, err := HashPassword("short"); err == nil {
		t.Error("HashPassword() should reject short passwords")
	}
}

func TestNewUser(t *testing.T) {
	u, err := NewUser("  Alice@Example.COM ", "password123")
	if err != nil {
		t.Fatalf("NewUser() error = %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("Email = %q, want %q", u.Email, "alice@example.com")
	}
	if u.ID == "" {
		t.Error("ID should be set")
	}

	if _, err := NewUser("not-an-email", "password123"); err == nil {
		t.Error("NewUser() should reject an invalid email")
	}
}

func TestAuthenticator_Login(t *testing.T) {
	ctx := context.Background()
	users := store.NewMockStore()
	u, err := NewUser("bob@example.com", "password123")
	if err != nil {
		t.Fatalf("NewUser() error = %v", err)
	}
	if err := users.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))
	a := NewAuthenticator(users, verifier, time.Hour)

	token, got, err := a.Login(ctx, "BOB@example.com", "password123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("Login() user = %q, want %q", got.ID, u.ID)
	}
	sub, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if sub != u.ID {
		t.Errorf("token sub = %q, want %q", sub, u.ID)
	}

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", "bob@example.com", "password124"},
		{"unknown email", "nobody@example.com", "password123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := a.Login(ctx, tt.email, tt.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}
