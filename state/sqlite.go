package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS seen_orders (
	key          TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL,
	scheduled_at TEXT NOT NULL
)`

// SQLiteTracker keeps the seen-set in a sqlite database, mirrored in memory
// for lookups.
type SQLiteTracker struct {
	*MemoryTracker
	db      *sql.DB
	persist bool
}

func NewSQLiteTracker(stateDir string, persist bool) (*SQLiteTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(stateDir, "seen.db"))
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}

	tracker := &SQLiteTracker{MemoryTracker: NewMemoryTracker(), db: db, persist: persist}
	if err := tracker.load(); err != nil {
		db.Close()
		return nil, err
	}
	return tracker, nil
}

func (s *SQLiteTracker) load() error {
	rows, err := s.db.Query(`SELECT key, event_id FROM seen_orders`)
	if err != nil {
		return fmt.Errorf("query state database: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var key, eventID string
		if err := rows.Scan(&key, &eventID); err != nil {
			return fmt.Errorf("scan state row: %w", err)
		}
		s.seen[key] = eventID
	}
	return rows.Err()
}

func (s *SQLiteTracker) MarkSeen(key, eventID string) error {
	if key == "" {
		return nil
	}

	s.mu.Lock()
	if _, exists := s.seen[key]; exists {
		s.mu.Unlock()
		return nil
	}
	s.seen[key] = eventID
	s.mu.Unlock()

	if !s.persist {
		return nil
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO seen_orders (key, event_id, scheduled_at) VALUES (?, ?, ?)`,
		key, eventID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert state row: %w", err)
	}
	return nil
}

func (s *SQLiteTracker) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close state database: %w", err)
	}
	return nil
}
