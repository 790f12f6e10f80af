// ABOUTME: Audit log entity and store methods for bot lifecycle actions
// ABOUTME: Records who created, verified, re-keyed, or deleted which bot

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditCreateUser AuditAction = "create_user"
	AuditCreateBot  AuditAction = "create_bot"
	AuditVerifyBot  AuditAction = "verify_bot"
	AuditCycleToken AuditAction = "cycle_token"
	AuditDeleteBot  AuditAction = "delete_bot"
	AuditEvictIdle  AuditAction = "evict_idle"
)

const (
	// auditTimeFormat is fixed width so ts sorts as text.
	auditTimeFormat  = "2006-01-02T15:04:05.000000Z07:00"
	defaultAuditPage = 100
	maxAuditPage     = 1000
)

// AuditEntry is a single audit log entry. Entries outlive the bots and users
// they name.
type AuditEntry struct {
	ID          string         `json:"id"`
	ActorUserID string         `json:"actorUserId,omitempty"` // empty for system actions
	Action      AuditAction    `json:"action"`
	TargetID    string         `json:"targetId"` // bot or user id
	Timestamp   time.Time      `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// AuditFilter narrows ListAuditLog. Nil fields match everything.
type AuditFilter struct {
	Since       *time.Time
	ActorUserID *string
	Action      *AuditAction
	TargetID    *string
	Limit       int // default 100, max 1000
}

// AuditStore records and lists audit entries.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// prepare fills in the generated fields.
func (e *AuditEntry) prepare() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// normalizeAuditLimit applies the default and cap to a page size.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultAuditPage
	case limit > maxAuditPage:
		return maxAuditPage
	default:
		return limit
	}
}

// AppendAuditLog appends a new entry, generating its ID and timestamp if unset.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	e.prepare()

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_user_id, action, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.ActorUserID, string(e.Action), e.TargetID, e.Timestamp.UTC().Format(auditTimeFormat), detailJSON)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log", "id", e.ID, "actor", e.ActorUserID, "action", e.Action, "target", e.TargetID)
	return nil
}

const auditLogQuery = `
	SELECT audit_id, actor_user_id, action, target_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR actor_user_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns matching entries, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since, action *string
	if f.Since != nil {
		str := f.Since.UTC().Format(auditTimeFormat)
		since = &str
	}
	if f.Action != nil {
		str := string(*f.Action)
		action = &str
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		f.ActorUserID, f.ActorUserID,
		action, action,
		f.TargetID, f.TargetID,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner rowScanner) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(&e.ID, &e.ActorUserID, &actionStr, &e.TargetID, &tsStr, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	ts, err := time.Parse(auditTimeFormat, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	e.Timestamp = ts

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
