// Package store provides persistent storage for sigbot using SQLite.
//
// # Architecture
//
// The store package splits its surface into small interfaces:
//
//   - UserStore: user accounts (bcrypt password hashes)
//   - BotStore: bot metadata (number, token, owner, verification flag)
//   - ProtocolStoreRepository: one opaque protocol-state blob per bot
//   - AuditStore: append-only history of bot lifecycle actions
//
// Store composes all four plus DeleteBotWithStore. SQLiteStore implements
// Store; MockStore is an in-memory implementation for tests.
//
// # Drivers
//
// NewSQLiteStore opens the database with modernc.org/sqlite ("sqlite") by
// default. WithDriver("sqlite3") switches to github.com/mattn/go-sqlite3.
//
// # Schema
//
//	users            id, email, password_hash, created_at
//	bots             id, number, user_id, token, is_verified, created_at, updated_at
//	protocol_stores  bot_id, data, updated_at
//	audit_log        audit_id, actor_user_id, action, target_id, ts, detail_json
//
// Tables are created if missing. Timestamps are RFC3339 text; audit
// timestamps use fixed microsecond precision so they sort as text.
//
// # Sealing
//
// With WithSealer, protocol store blobs are zstd-compressed and then
// encrypted to an age X25519 identity before they are written. Reads detect
// the age header, so blobs written before a key was configured still load.
//
// # Deletion
//
// DeleteBotWithStore deletes the protocol store and the bot row in a single
// transaction. Either both are gone or neither is.
package store
