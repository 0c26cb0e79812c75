// Package main provides a CLI tool that encrypts chat messages stored before ENCRYPTION_KEY was configured.
//
// Every chat_messages row with encryption_version=0 (plaintext) is rewritten as
// encryption_version=1 (AES-256-GCM, bound to the row's user id).
//
// Usage:
//
//	seal-messages [--dry-run] [--user USER_ID] [--batch N]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chat-relay/crypto"
)

type messageRow struct {
	ID     uuid.UUID
	UserID string
	Text   string
}

type options struct {
	dryRun bool
	userID string
	batch  int
}

func main() {
	var opts options
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Count plaintext messages without changing them")
	flag.StringVar(&opts.userID, "user", "", "Only seal messages of this user id")
	flag.IntVar(&opts.batch, "batch", 500, "Rows sealed per transaction")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	sealer, err := crypto.NewAESSealer(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		slog.Error("failed to initialize sealer", slog.Any("err", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("err", err))
		os.Exit(1)
	}

	sealed, err := sealMessages(ctx, database, sealer, opts)
	if err != nil {
		slog.Error("sealing failed", slog.Int("sealed", sealed), slog.Any("err", err))
		os.Exit(1)
	}
	if err := reportStatus(ctx, database); err != nil {
		slog.Warn("status report failed", slog.Any("err", err))
	}
	slog.Info("sealing completed", slog.Int("sealed", sealed), slog.Bool("dry_run", opts.dryRun))
}

// sealMessages encrypts plaintext rows batch by batch until none remain and
// returns how many rows were sealed (or would be, in dry-run mode).
func sealMessages(ctx context.Context, database *sql.DB, sealer crypto.Sealer, opts options) (int, error) {
	if opts.batch <= 0 {
		opts.batch = 500
	}
	if opts.dryRun {
		var n int
		err := database.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM chat_messages WHERE encryption_version = 0 AND ($1 = '' OR user_id = $1)`,
			opts.userID).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count plaintext messages: %w", err)
		}
		slog.Info("plaintext messages found (dry-run)", slog.Int("count", n))
		return n, nil
	}

	total := 0
	for {
		n, err := sealBatch(ctx, database, sealer, opts)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		slog.Info("sealed batch", slog.Int("rows", n), slog.Int("total", total))
	}
}

// sealBatch locks up to opts.batch plaintext rows and rewrites them in one transaction.
func sealBatch(ctx context.Context, database *sql.DB, sealer crypto.Sealer, opts options) (int, error) {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, message FROM chat_messages
		WHERE encryption_version = 0 AND ($1 = '' OR user_id = $1)
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, opts.userID, opts.batch)
	if err != nil {
		return 0, fmt.Errorf("query plaintext messages: %w", err)
	}
	var batch []messageRow
	for rows.Next() {
		var m messageRow
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan message row: %w", err)
		}
		batch = append(batch, m)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return 0, fmt.Errorf("iterate message rows: %w", err)
	}

	for _, m := range batch {
		sealed, err := crypto.SealString(sealer, m.Text, m.UserID)
		if err != nil {
			return 0, fmt.Errorf("seal message %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_messages SET message = $1, encryption_version = 1 WHERE id = $2 AND encryption_version = 0`,
			sealed, m.ID); err != nil {
			return 0, fmt.Errorf("update message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(batch), nil
}

// reportStatus logs how many messages exist per encryption version.
func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx,
		`SELECT encryption_version, COUNT(*) FROM chat_messages GROUP BY encryption_version ORDER BY encryption_version`)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return fmt.Errorf("scan status row: %w", err)
		}
		desc := "plaintext"
		if version == 1 {
			desc = "AES-256-GCM"
		}
		slog.Info("message encryption status", slog.Int("encryption_version", version), slog.String("description", desc), slog.Int("count", count))
	}
	return rows.Err()
}
