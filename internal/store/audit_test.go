// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering against SQLite and the mock

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestAuditStore_Append(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		ActorUserID: "user-123",
		Action:      AuditCreateBot,
		TargetID:    "bot-456",
		Detail:      map[string]any{"number": "+15550100"},
	}
	require.NoError(t, store.AppendAuditLog(ctx, entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, "+15550100", entries[0].Detail["number"])
	assert.WithinDuration(t, entry.Timestamp, entries[0].Timestamp, time.Millisecond)
}

func TestAuditStore_SurvivesBotDeletion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bot := createTestBot(t, store)

	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{Action: AuditDeleteBot, TargetID: bot.ID}))
	require.NoError(t, store.DeleteBotWithStore(ctx, bot.ID))

	entries, err := store.ListAuditLog(ctx, AuditFilter{TargetID: &bot.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testAuditFiltering(t *testing.T, store AuditStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	seed := []AuditEntry{
		{ActorUserID: "u1", Action: AuditCreateBot, TargetID: "b1"},
		{ActorUserID: "u1", Action: AuditVerifyBot, TargetID: "b1"},
		{ActorUserID: "u2", Action: AuditCreateBot, TargetID: "b2"},
		{Action: AuditEvictIdle, TargetID: "b2"},
	}
	for i := range seed {
		seed[i].Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.AppendAuditLog(ctx, &seed[i]))
	}

	all, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, AuditEvictIdle, all[0].Action, "newest first")

	byActor, err := store.ListAuditLog(ctx, AuditFilter{ActorUserID: strPtr("u1")})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	action := AuditCreateBot
	byAction, err := store.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, byAction, 2)

	byTarget, err := store.ListAuditLog(ctx, AuditFilter{TargetID: strPtr("b2")})
	require.NoError(t, err)
	assert.Len(t, byTarget, 2)

	since := base.Add(2 * time.Second)
	recent, err := store.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := store.ListAuditLog(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, AuditEvictIdle, limited[0].Action)
}

func TestAuditStore_Filtering(t *testing.T) {
	testAuditFiltering(t, newTestStore(t))
}

func TestMockStore_AuditFiltering(t *testing.T) {
	testAuditFiltering(t, NewMockStore())
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, defaultAuditPage, normalizeAuditLimit(0))
	assert.Equal(t, defaultAuditPage, normalizeAuditLimit(-3))
	assert.Equal(t, 7, normalizeAuditLimit(7))
	assert.Equal(t, maxAuditPage, normalizeAuditLimit(5000))
}
