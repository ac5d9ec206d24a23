// Package audit records store activity in a sqlite event log. The log is an
// operational aid (usage stats, debugging), never a source of truth: every
// write is best-effort and a broken log must not block ingestion.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	ActionIngestFile   = "ingest_file"
	ActionIngestNote   = "ingest_note"
	ActionRetrieve     = "retrieve"
	ActionAccess       = "access"
	ActionDelete       = "delete"
	ActionCompact      = "compact"
	ActionRelationship = "relationship"
)

// Event is one audit row.
type Event struct {
	ID        int64
	UserID    string
	Action    string
	EntryID   string
	Detail    string
	CreatedAt string
}

// Stats aggregates the log for one user.
type Stats struct {
	UserID     string
	Ingests    int
	Retrievals int
	Deletes    int
	Compacts   int
	LastEvent  string
}

type Log struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	l := &Log{db: db}
	if err := l.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := l.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (l *Log) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			entry_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id, action)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends one event. Callers treat the returned error as advisory.
func (l *Log) Record(userID, action, entryID, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO events (user_id, action, entry_id, detail)
		VALUES (?, ?, ?, ?)
	`, strings.TrimSpace(userID), strings.TrimSpace(action), strings.TrimSpace(entryID), strings.TrimSpace(detail))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (l *Log) Recent(userID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT id, user_id, action, entry_id, detail, created_at
		FROM events
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, strings.TrimSpace(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	result := make([]Event, 0)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Action, &ev.EntryID, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

func (l *Log) StatsFor(userID string) (Stats, error) {
	s := Stats{UserID: strings.TrimSpace(userID)}

	rows, err := l.db.Query(`
		SELECT action, COUNT(*) FROM events
		WHERE user_id = ?
		GROUP BY action
	`, s.UserID)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch action {
		case ActionIngestFile, ActionIngestNote:
			s.Ingests += count
		case ActionRetrieve:
			s.Retrievals += count
		case ActionDelete:
			s.Deletes += count
		case ActionCompact:
			s.Compacts += count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate stats: %w", err)
	}

	row := l.db.QueryRow(`SELECT COALESCE(MAX(created_at), '') FROM events WHERE user_id = ?`, s.UserID)
	if err := row.Scan(&s.LastEvent); err != nil {
		return Stats{}, fmt.Errorf("scan last event: %w", err)
	}
	return s, nil
}

// PruneOlderThan drops events past the retention window.
func (l *Log) PruneOlderThan(cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}
