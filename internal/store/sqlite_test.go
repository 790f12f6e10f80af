// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers users, bot metadata, protocol store blobs, and transactional deletion

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_CGoDriver(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cgo.db")

	store, err := NewSQLiteStore(dbPath, WithDriver(DriverCGo))
	if err != nil && strings.Contains(err.Error(), "CGO_ENABLED=0") {
		t.Skip("go-sqlite3 requires cgo")
	}
	if err != nil {
		t.Fatalf("NewSQLiteStore with sqlite3 driver failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	user := createTestUser(t, store)
	if _, err := store.CreateBot(ctx, user.ID, "+15550100"); err != nil {
		t.Fatalf("CreateBot failed: %v", err)
	}
}

func TestNewSQLiteStore_UnknownDriver(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), WithDriver("postgres"))
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestUsers(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	user := createTestUser(t, store)

	got, err := store.GetUserByEmail(ctx, user.Email)
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, user.ID)
	}
	if got.PasswordHash != user.PasswordHash {
		t.Errorf("PasswordHash mismatch: got %q, want %q", got.PasswordHash, user.PasswordHash)
	}

	count, err := store.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers failed: %v", err)
	}
	if count != 1 {
		t.Errorf("CountUsers = %d, want 1", count)
	}

	dup := *user
	dup.ID = "user-2"
	if err := store.CreateUser(ctx, &dup); !errors.Is(err, ErrEmailExists) {
		t.Errorf("CreateUser duplicate email: got %v, want ErrEmailExists", err)
	}

	if _, err := store.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser missing: got %v, want ErrNotFound", err)
	}
}

func TestCreateAndFindBot(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	user := createTestUser(t, store)

	bot, err := store.CreateBot(ctx, user.ID, "+15550001")
	if err != nil {
		t.Fatalf("CreateBot failed: %v", err)
	}
	if bot.ID == "" || bot.Token == "" {
		t.Fatal("CreateBot did not assign id and token")
	}
	if bot.IsVerified {
		t.Error("new bot should not be verified")
	}

	byToken, err := store.FindBotByToken(ctx, bot.Token)
	if err != nil {
		t.Fatalf("FindBotByToken failed: %v", err)
	}
	if byToken.ID != bot.ID {
		t.Errorf("FindBotByToken ID = %q, want %q", byToken.ID, bot.ID)
	}

	byNumber, err := store.FindBotByNumber(ctx, "+15550001")
	if err != nil {
		t.Fatalf("FindBotByNumber failed: %v", err)
	}
	if byNumber.ID != bot.ID {
		t.Errorf("FindBotByNumber ID = %q, want %q", byNumber.ID, bot.ID)
	}

	if _, err := store.FindBotForUser(ctx, user.ID, bot.ID); err != nil {
		t.Errorf("FindBotForUser owner failed: %v", err)
	}
	if _, err := store.FindBotForUser(ctx, "someone-else", bot.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindBotForUser other user: got %v, want ErrNotFound", err)
	}

	if _, err := store.CreateBot(ctx, user.ID, "+15550001"); !errors.Is(err, ErrDuplicateNumber) {
		t.Errorf("CreateBot duplicate number: got %v, want ErrDuplicateNumber", err)
	}
}

func TestListBotsForUser(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	user := createTestUser(t, store)

	for _, number := range []string{"+1", "+2", "+3"} {
		if _, err := store.CreateBot(ctx, user.ID, number); err != nil {
			t.Fatalf("CreateBot(%s) failed: %v", number, err)
		}
	}

	bots, err := store.ListBotsForUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListBotsForUser failed: %v", err)
	}
	if len(bots) != 3 {
		t.Errorf("len(bots) = %d, want 3", len(bots))
	}

	none, err := store.ListBotsForUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListBotsForUser failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len(none) = %d, want 0", len(none))
	}
}

func TestCycleTokenAndMarkVerified(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	user := createTestUser(t, store)

	bot, err := store.CreateBot(ctx, user.ID, "+15550002")
	if err != nil {
		t.Fatalf("CreateBot failed: %v", err)
	}

	cycled, err := store.CycleToken(ctx, bot.ID)
	if err != nil {
		t.Fatalf("CycleToken failed: %v", err)
	}
	if cycled.Token == bot.Token {
		t.Error("CycleToken did not change the token")
	}
	if _, err := store.FindBotByToken(ctx, bot.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("old token still resolves: %v", err)
	}

	if err := store.MarkVerified(ctx, bot.ID); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	got, err := store.FindBotByID(ctx, bot.ID)
	if err != nil {
		t.Fatalf("FindBotByID failed: %v", err)
	}
	if !got.IsVerified {
		t.Error("bot should be verified")
	}

	if _, err := store.CycleToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CycleToken missing: got %v, want ErrNotFound", err)
	}
	if err := store.MarkVerified(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkVerified missing: got %v, want ErrNotFound", err)
	}
}

func TestProtocolStoreLifecycle(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	bot := createTestBot(t, store)

	rec, err := store.GetOrCreateStore(ctx, bot.ID)
	if err != nil {
		t.Fatalf("GetOrCreateStore failed: %v", err)
	}
	if string(rec.Data) != "{}" {
		t.Errorf("new store data = %q, want %q", rec.Data, "{}")
	}

	blob := []byte(`{"configuration":{"password":"\"pw\""}}`)
	if err := store.UpdateStore(ctx, bot.ID, blob); err != nil {
		t.Fatalf("UpdateStore failed: %v", err)
	}

	rec, err = store.GetOrCreateStore(ctx, bot.ID)
	if err != nil {
		t.Fatalf("GetOrCreateStore failed: %v", err)
	}
	if string(rec.Data) != string(blob) {
		t.Errorf("data = %q, want %q", rec.Data, blob)
	}

	if err := store.DeleteStore(ctx, bot.ID); err != nil {
		t.Fatalf("DeleteStore failed: %v", err)
	}
	if err := store.DeleteStore(ctx, bot.ID); err != nil {
		t.Errorf("DeleteStore twice should succeed: %v", err)
	}

	rec, err = store.GetOrCreateStore(ctx, bot.ID)
	if err != nil {
		t.Fatalf("GetOrCreateStore after delete failed: %v", err)
	}
	if string(rec.Data) != "{}" {
		t.Errorf("recreated store data = %q, want %q", rec.Data, "{}")
	}
}

func TestProtocolStoreUnknownBot(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetOrCreateStore(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrCreateStore missing: got %v, want ErrNotFound", err)
	}
	if err := store.UpdateStore(ctx, "missing", []byte("{}")); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStore missing: got %v, want ErrNotFound", err)
	}
}

func TestProtocolStoreSealed(t *testing.T) {
	key, err := GenerateStoreKey()
	if err != nil {
		t.Fatalf("GenerateStoreKey failed: %v", err)
	}
	sealer, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sealed.db"), WithSealer(sealer))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	bot := createTestBot(t, store)

	blob := []byte(`{"identityKey":{"+1555":"{}"}}`)
	if err := store.UpdateStore(ctx, bot.ID, blob); err != nil {
		t.Fatalf("UpdateStore failed: %v", err)
	}

	var raw []byte
	if err := store.db.QueryRow(`SELECT data FROM protocol_stores WHERE bot_id = ?`, bot.ID).Scan(&raw); err != nil {
		t.Fatalf("reading raw row: %v", err)
	}
	if string(raw) == string(blob) {
		t.Error("blob was stored in plaintext")
	}

	rec, err := store.GetOrCreateStore(ctx, bot.ID)
	if err != nil {
		t.Fatalf("GetOrCreateStore failed: %v", err)
	}
	if string(rec.Data) != string(blob) {
		t.Errorf("data = %q, want %q", rec.Data, blob)
	}
}

func TestDeleteBotWithStore(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	bot := createTestBot(t, store)

	if err := store.UpdateStore(ctx, bot.ID, []byte(`{}`)); err != nil {
		t.Fatalf("UpdateStore failed: %v", err)
	}

	if err := store.DeleteBotWithStore(ctx, bot.ID); err != nil {
		t.Fatalf("DeleteBotWithStore failed: %v", err)
	}

	if _, err := store.FindBotByID(ctx, bot.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("bot still present: %v", err)
	}
	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM protocol_stores WHERE bot_id = ?`, bot.ID).Scan(&count); err != nil {
		t.Fatalf("counting protocol stores: %v", err)
	}
	if count != 0 {
		t.Errorf("protocol store rows = %d, want 0", count)
	}

	if err := store.DeleteBotWithStore(ctx, bot.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteBotWithStore: got %v, want ErrNotFound", err)
	}
}

func TestDeleteBot_CascadesStore(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	bot := createTestBot(t, store)

	if _, err := store.GetOrCreateStore(ctx, bot.ID); err != nil {
		t.Fatalf("GetOrCreateStore failed: %v", err)
	}
	if err := store.DeleteBot(ctx, bot.ID); err != nil {
		t.Fatalf("DeleteBot failed: %v", err)
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM protocol_stores`).Scan(&count); err != nil {
		t.Fatalf("counting protocol stores: %v", err)
	}
	if count != 0 {
		t.Errorf("protocol store rows = %d, want 0", count)
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

func createTestUser(t *testing.T, s Store) *User {
	t.Helper()

	user := &User{
		ID:           "user-1",
		Email:        "owner@example.com",
		PasswordHash: "$2a$10$hash",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return user
}

func createTestBot(t *testing.T, s Store) *Bot {
	t.Helper()

	user := createTestUser(t, s)
	bot, err := s.CreateBot(context.Background(), user.ID, "+15559999")
	if err != nil {
		t.Fatalf("CreateBot failed: %v", err)
	}
	return bot
}
