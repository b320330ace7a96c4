// Package sqlite implements the channel-event journal on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/open-game-collective/OGS/internal/platform/storage/sqlitemigrate"
	"github.com/open-game-collective/OGS/internal/storage"
	"github.com/open-game-collective/OGS/internal/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is a SQLite-backed channel-event journal.
type Store struct {
	sqlDB *sql.DB
}

// Open boots the journal at the provided path, applying embedded migrations
// before the store is handed to higher layers.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.JournalFS, "journal"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Append journals one channel event.
func (s *Store) Append(ctx context.Context, rec storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if rec.EventID == "" || rec.ChannelID == "" {
		return fmt.Errorf("event id and channel id are required")
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO channel_events (event_id, channel_id, event_type, sender_id, payload, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.ChannelID, rec.Type, rec.SenderID, rec.Payload, toMillis(recordedAt),
	)
	if err != nil {
		return fmt.Errorf("append channel event: %w", err)
	}
	return nil
}

// ListByChannel returns a channel's journaled events in append order.
func (s *Store) ListByChannel(ctx context.Context, channelID string) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT event_id, channel_id, event_type, sender_id, payload, recorded_at_ms
		FROM channel_events
		WHERE channel_id = ?
		ORDER BY seq`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("list channel events: %w", err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		var rec storage.Record
		var recordedAtMs int64
		if err := rows.Scan(&rec.EventID, &rec.ChannelID, &rec.Type, &rec.SenderID, &rec.Payload, &recordedAtMs); err != nil {
			return nil, fmt.Errorf("scan channel event: %w", err)
		}
		rec.RecordedAt = fromMillis(recordedAtMs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel events: %w", err)
	}
	return out, nil
}

// Close closes the underlying SQLite database.
//
// Close is intentionally nil-safe so callers can defer it in all startup
// paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
