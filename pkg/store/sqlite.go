package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"newtonchat/pkg/comm"
)

// SQLiteStore appends every snapshot to a table and loads the newest one.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and creates) the database file at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite store: empty path")
	}
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at_ms INTEGER NOT NULL,
			instance_count INTEGER NOT NULL,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS snapshots_by_created ON snapshots(created_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return fmt.Errorf("sqlite store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap comm.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlite store: encode snapshot: %w", err)
	}
	count := 0
	if snap.Instances != nil {
		count = snap.Instances.Len()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (created_at_ms, instance_count, payload_json) VALUES (?, ?, ?)`,
		time.Now().UnixMilli(), count, string(payload),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (comm.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return comm.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return comm.Snapshot{}, fmt.Errorf("sqlite store: load: %w", err)
	}

	var snap comm.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return comm.Snapshot{}, fmt.Errorf("sqlite store: decode snapshot: %w", err)
	}
	return snap, nil
}

// Count returns how many snapshots were saved.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite store: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
