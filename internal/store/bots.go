// ABOUTME: Bot metadata persistence for SQLiteStore
// ABOUTME: Creation, lookup by id/user/token/number, token cycling, verification, deletion

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const botColumns = `id, number, user_id, token, is_verified, created_at, updated_at`

// CreateBot creates an unverified bot with a fresh id and token.
func (s *SQLiteStore) CreateBot(ctx context.Context, userID, number string) (*Bot, error) {
	now := time.Now().UTC().Truncate(time.Second)
	bot := &Bot{
		ID:        uuid.New().String(),
		Number:    number,
		Token:     uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO bots (id, number, user_id, token, is_verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		bot.ID,
		bot.Number,
		bot.UserID,
		bot.Token,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrDuplicateNumber
		}
		return nil, fmt.Errorf("inserting bot: %w", err)
	}

	s.logger.Info("created bot", "bot_id", bot.ID, "user_id", userID, "number", number)
	return bot, nil
}

// FindBotByID retrieves a bot by ID.
func (s *SQLiteStore) FindBotByID(ctx context.Context, id string) (*Bot, error) {
	return scanBot(s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = ?`, id))
}

// FindBotForUser retrieves a bot only if it belongs to the user.
func (s *SQLiteStore) FindBotForUser(ctx context.Context, userID, botID string) (*Bot, error) {
	return scanBot(s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = ? AND user_id = ?`, botID, userID))
}

// FindBotByToken retrieves a bot by its API token.
func (s *SQLiteStore) FindBotByToken(ctx context.Context, token string) (*Bot, error) {
	return scanBot(s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE token = ?`, token))
}

// FindBotByNumber retrieves a bot by its phone number.
func (s *SQLiteStore) FindBotByNumber(ctx context.Context, number string) (*Bot, error) {
	return scanBot(s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE number = ?`, number))
}

// ListBotsForUser returns the user's bots, oldest first.
func (s *SQLiteStore) ListBotsForUser(ctx context.Context, userID string) ([]*Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying bots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bots []*Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bots: %w", err)
	}
	return bots, nil
}

// CycleToken replaces the bot's token.
func (s *SQLiteStore) CycleToken(ctx context.Context, botID string) (*Bot, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET token = ?, updated_at = ? WHERE id = ?`,
		uuid.New().String(), now, botID)
	if err != nil {
		return nil, fmt.Errorf("cycling token: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}

	s.logger.Info("cycled bot token", "bot_id", botID)
	return s.FindBotByID(ctx, botID)
}

// MarkVerified flags the bot's number as verified.
func (s *SQLiteStore) MarkVerified(ctx context.Context, botID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET is_verified = 1, updated_at = ? WHERE id = ?`, now, botID)
	if err != nil {
		return fmt.Errorf("marking bot verified: %w", err)
	}
	return requireRow(res)
}

// DeleteBot removes a bot row. Its protocol store goes with it through the
// foreign key cascade.
func (s *SQLiteStore) DeleteBot(ctx context.Context, botID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, botID)
	if err != nil {
		return fmt.Errorf("deleting bot: %w", err)
	}
	return requireRow(res)
}

// DeleteBotWithStore removes the protocol store and the bot in one transaction.
func (s *SQLiteStore) DeleteBotWithStore(ctx context.Context, botID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM protocol_stores WHERE bot_id = ?`, botID); err != nil {
		return fmt.Errorf("deleting protocol store: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, botID)
	if err != nil {
		return fmt.Errorf("deleting bot: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bot deletion: %w", err)
	}

	s.logger.Info("deleted bot", "bot_id", botID)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*Bot, error) {
	var bot Bot
	var verified int
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&bot.ID,
		&bot.Number,
		&bot.UserID,
		&bot.Token,
		&verified,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bot: %w", err)
	}

	bot.IsVerified = verified != 0
	if bot.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if bot.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &bot, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
