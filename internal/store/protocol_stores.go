// ABOUTME: Protocol store blob persistence for SQLiteStore
// ABOUTME: One row per bot; blobs are sealed on write when a Sealer is configured

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetOrCreateStore returns the bot's protocol store, inserting an empty one if
// absent. Unknown bots get ErrNotFound.
func (s *SQLiteStore) GetOrCreateStore(ctx context.Context, botID string) (*ProtocolStoreRecord, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO protocol_stores (bot_id, data, updated_at)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM bots WHERE id = ?)
	`, botID, emptyStoreData, now, botID); err != nil {
		return nil, fmt.Errorf("creating protocol store: %w", err)
	}

	var raw []byte
	var updatedAtStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM protocol_stores WHERE bot_id = ?`, botID,
	).Scan(&raw, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying protocol store: %w", err)
	}

	data, err := s.sealer.Open(raw)
	if err != nil {
		return nil, fmt.Errorf("opening protocol store for bot %s: %w", botID, err)
	}

	updatedAt, err := time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &ProtocolStoreRecord{BotID: botID, Data: data, UpdatedAt: updatedAt}, nil
}

// UpdateStore replaces the bot's protocol store blob. Unknown bots get
// ErrNotFound.
func (s *SQLiteStore) UpdateStore(ctx context.Context, botID string, data []byte) error {
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return fmt.Errorf("sealing protocol store for bot %s: %w", botID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO protocol_stores (bot_id, data, updated_at)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM bots WHERE id = ?)
		ON CONFLICT(bot_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, botID, sealed, now, botID)
	if err != nil {
		return fmt.Errorf("updating protocol store: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("protocol store updated", "bot_id", botID, "bytes", len(sealed))
	return nil
}

// DeleteStore removes the bot's protocol store. Missing rows are not an error.
func (s *SQLiteStore) DeleteStore(ctx context.Context, botID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM protocol_stores WHERE bot_id = ?`, botID); err != nil {
		return fmt.Errorf("deleting protocol store: %w", err)
	}
	return nil
}
