// Package db provides database connection helpers, schema migration, and the conversation store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chat-relay/crypto"
)

var (
	// sealer encrypts message text at rest when ENCRYPTION_KEY is set.
	sealer     crypto.Sealer
	sealerOnce sync.Once
	sealerErr  error
)

// initSealer initializes the global sealer from ENCRYPTION_KEY.
// If ENCRYPTION_KEY is not set, messages are stored in plaintext (encryption_version = 0).
func initSealer() {
	sealerOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, chat messages will be stored in plaintext", slog.String("component", "db_encryption"))
			return
		}
		s, err := crypto.NewAESSealer(key)
		if err != nil {
			sealerErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("err", sealerErr), slog.String("component", "db_encryption"))
			return
		}
		sealer = s
		slog.Info("message encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

// getSealer returns the global sealer, or nil when encryption is not configured.
func getSealer() (crypto.Sealer, error) {
	initSealer()
	if sealerErr != nil {
		return nil, sealerErr
	}
	return sealer, nil
}

// Connect opens a Postgres connection pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Migrate applies the schema with idempotent statements. It is the fallback when versioned
// migrations cannot run.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_status (
			user_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT 'line',
			display_name TEXT NOT NULL,
			picture_url TEXT NOT NULL DEFAULT '',
			is_in_live_chat BOOLEAN NOT NULL DEFAULT FALSE,
			chat_mode TEXT NOT NULL DEFAULT 'manual',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES user_status(user_id) ON DELETE CASCADE,
			sender_type TEXT NOT NULL,
			message TEXT NOT NULL,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE user_status ADD COLUMN IF NOT EXISTS provider TEXT NOT NULL DEFAULT 'line'`,
		`ALTER TABLE chat_messages ADD COLUMN IF NOT EXISTS encryption_version INTEGER NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_user_created ON chat_messages(user_id, created_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
