// Package state remembers which order notifications have already been turned
// into calendar events so later runs do not schedule them twice.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Tracker is the seen-set consulted before extraction and updated after a
// calendar event was created.
type Tracker interface {
	Seen(key string) bool
	MarkSeen(key, eventID string) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Seen int
}

// Open returns the tracker for backend, rooted at stateDir. When persist is
// false the persistent backends still load previous runs but never write.
func Open(backend, stateDir string, persist bool) (Tracker, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendJSONL:
		return NewFileTracker(stateDir, persist)
	case BackendMemory:
		return NewMemoryTracker(), nil
	case BackendSQLite:
		return NewSQLiteTracker(stateDir, persist)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]string)}
}

func (m *MemoryTracker) Seen(key string) bool {
	if key == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.seen[key]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkSeen(key, eventID string) error {
	if key == "" {
		return nil
	}

	m.mu.Lock()
	m.seen[key] = eventID
	m.mu.Unlock()
	return nil
}

// EventID returns the calendar event recorded for key.
func (m *MemoryTracker) EventID(key string) (string, bool) {
	m.mu.RLock()
	id, ok := m.seen[key]
	m.mu.RUnlock()
	return id, ok
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Seen: count}
}

func (m *MemoryTracker) Close() error { return nil }

// FileTracker persists seen keys as JSON lines.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Key       string    `json:"key"`
	EventID   string    `json:"event_id"`
	Scheduled time.Time `json:"scheduled_at"`
}

func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, "seen.jsonl"),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 16*1024)
	}

	return tracker, nil
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Key == "" {
			continue
		}

		f.mu.Lock()
		f.seen[record.Key] = record.EventID
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkSeen(key, eventID string) error {
	if key == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.seen[key]; exists {
		f.mu.Unlock()
		return nil
	}
	f.seen[key] = eventID
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	data, err := json.Marshal(fileRecord{Key: key, EventID: eventID, Scheduled: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	// A crash between runs must not lose a scheduled order.
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
