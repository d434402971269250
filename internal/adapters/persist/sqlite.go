package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/store"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id  TEXT PRIMARY KEY,
	version  INTEGER NOT NULL,
	payload  BLOB NOT NULL,
	saved_at TIMESTAMP NOT NULL
);
`

// SQLite stores one JSON dump row per room.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite handles are not safe for concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info().Str("module", "adapters.persist").Str("dsn", dsn).Msg("sqlite snapshot store ready")
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, room domain.RoomID, d store.Dump) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dump: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, version, payload, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			saved_at = excluded.saved_at`,
		string(room), d.Version, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", room, err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, room domain.RoomID) (*store.Dump, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM room_snapshots WHERE room_id = ?`, string(room)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", room, err)
	}
	var d store.Dump
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", room, err)
	}
	return &d, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
