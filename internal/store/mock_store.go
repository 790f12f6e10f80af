// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	users  map[string]*User                // keyed by user ID
	bots   map[string]*Bot                 // keyed by bot ID
	stores map[string]*ProtocolStoreRecord // keyed by bot ID
	audit  []AuditEntry                    // append order

	// Error injection. A non-nil error is returned by the matching call.
	GetStoreErr    error
	UpdateStoreErr error

	loads   int
	updates int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:  make(map[string]*User),
		bots:   make(map[string]*Bot),
		stores: make(map[string]*ProtocolStoreRecord),
	}
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrEmailExists
		}
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CountUsers returns the number of users.
func (m *MockStore) CountUsers(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// CreateBot creates an unverified bot.
func (m *MockStore) CreateBot(ctx context.Context, userID, number string) (*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.bots {
		if b.Number == number {
			return nil, ErrDuplicateNumber
		}
	}
	now := time.Now().UTC().Truncate(time.Second)
	bot := &Bot{
		ID:        uuid.New().String(),
		Number:    number,
		Token:     uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.bots[bot.ID] = bot
	cp := *bot
	return &cp, nil
}

// FindBotByID retrieves a bot by ID.
func (m *MockStore) FindBotByID(ctx context.Context, id string) (*Bot, error) {
	return m.findBot(func(b *Bot) bool { return b.ID == id })
}

// FindBotForUser retrieves a bot only if it belongs to the user.
func (m *MockStore) FindBotForUser(ctx context.Context, userID, botID string) (*Bot, error) {
	return m.findBot(func(b *Bot) bool { return b.ID == botID && b.UserID == userID })
}

// FindBotByToken retrieves a bot by token.
func (m *MockStore) FindBotByToken(ctx context.Context, token string) (*Bot, error) {
	return m.findBot(func(b *Bot) bool { return b.Token == token })
}

// FindBotByNumber retrieves a bot by number.
func (m *MockStore) FindBotByNumber(ctx context.Context, number string) (*Bot, error) {
	return m.findBot(func(b *Bot) bool { return b.Number == number })
}

func (m *MockStore) findBot(match func(*Bot) bool) (*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.bots {
		if match(b) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListBotsForUser returns the user's bots, oldest first.
func (m *MockStore) ListBotsForUser(ctx context.Context, userID string) ([]*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bots []*Bot
	for _, b := range m.bots {
		if b.UserID == userID {
			cp := *b
			bots = append(bots, &cp)
		}
	}
	sort.Slice(bots, func(i, j int) bool {
		if !bots[i].CreatedAt.Equal(bots[j].CreatedAt) {
			return bots[i].CreatedAt.Before(bots[j].CreatedAt)
		}
		return bots[i].ID < bots[j].ID
	})
	return bots, nil
}

// CycleToken replaces the bot's token.
func (m *MockStore) CycleToken(ctx context.Context, botID string) (*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bots[botID]
	if !ok {
		return nil, ErrNotFound
	}
	b.Token = uuid.New().String()
	b.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	cp := *b
	return &cp, nil
}

// MarkVerified flags the bot as verified.
func (m *MockStore) MarkVerified(ctx context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bots[botID]
	if !ok {
		return ErrNotFound
	}
	b.IsVerified = true
	return nil
}

// DeleteBot removes a bot and, like the SQL cascade, its protocol store.
func (m *MockStore) DeleteBot(ctx context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bots[botID]; !ok {
		return ErrNotFound
	}
	delete(m.bots, botID)
	delete(m.stores, botID)
	return nil
}

// DeleteBotWithStore removes a bot and its protocol store.
func (m *MockStore) DeleteBotWithStore(ctx context.Context, botID string) error {
	return m.DeleteBot(ctx, botID)
}

// GetOrCreateStore returns the bot's protocol store, creating an empty one if
// absent. Unknown bots get ErrNotFound.
func (m *MockStore) GetOrCreateStore(ctx context.Context, botID string) (*ProtocolStoreRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads++
	if m.GetStoreErr != nil {
		return nil, m.GetStoreErr
	}
	if _, ok := m.bots[botID]; !ok {
		return nil, ErrNotFound
	}
	rec, ok := m.stores[botID]
	if !ok {
		rec = &ProtocolStoreRecord{BotID: botID, Data: append([]byte{}, emptyStoreData...), UpdatedAt: time.Now().UTC()}
		m.stores[botID] = rec
	}
	return &ProtocolStoreRecord{BotID: rec.BotID, Data: append([]byte{}, rec.Data...), UpdatedAt: rec.UpdatedAt}, nil
}

// UpdateStore replaces the bot's protocol store blob.
func (m *MockStore) UpdateStore(ctx context.Context, botID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateStoreErr != nil {
		return m.UpdateStoreErr
	}
	if _, ok := m.bots[botID]; !ok {
		return ErrNotFound
	}
	m.updates++
	m.stores[botID] = &ProtocolStoreRecord{BotID: botID, Data: append([]byte{}, data...), UpdatedAt: time.Now().UTC()}
	return nil
}

// DeleteStore removes the bot's protocol store.
func (m *MockStore) DeleteStore(ctx context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, botID)
	return nil
}

// StoreData returns the raw blob for a bot, or nil.
func (m *MockStore) StoreData(botID string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.stores[botID]; ok {
		return append([]byte{}, rec.Data...)
	}
	return nil
}

// Loads returns how many times GetOrCreateStore was called.
func (m *MockStore) Loads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loads
}

// Updates returns how many successful UpdateStore calls were made.
func (m *MockStore) Updates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

// SetError sets both injected store errors under the lock.
func (m *MockStore) SetError(get, update error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetStoreErr = get
	m.UpdateStoreErr = update
}

// AppendAuditLog records an entry in memory.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.prepare()
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeAuditLimit(f.Limit)
	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.ActorUserID != nil && e.ActorUserID != *f.ActorUserID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)
