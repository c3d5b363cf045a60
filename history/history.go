// Package history archives completed session metrics in a local
// SQLite database so latency regressions can be inspected later.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"murmur/latency"
)

// Store keeps a bounded archive of session records.
type Store struct {
	db    *sql.DB
	limit int
}

// Open creates or opens the archive at path. limit caps the number of
// retained sessions; older rows are evicted on insert.
func Open(path string, limit int) (*Store, error) {
	if limit <= 0 {
		limit = 100
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	s := &Store{db: db, limit: limit}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    recording_ms REAL NOT NULL,
    stt_ms REAL NOT NULL,
    clipboard_ms REAL NOT NULL,
    total_ms REAL NOT NULL,
    end_to_end_ms REAL NOT NULL,
    retries INTEGER NOT NULL,
    reconnects INTEGER NOT NULL,
    frames_sent INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`
	_, err := s.db.Exec(ddl)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Archive inserts one record and evicts rows beyond the limit, oldest
// first. Implements the latency archiver contract.
func (s *Store) Archive(rec latency.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions(session_id, started_at, recording_ms, stt_ms, clipboard_ms, total_ms, end_to_end_ms, retries, reconnects, frames_sent)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.StartedAt.UTC().Format(time.RFC3339Nano),
		ms(rec.Recording), ms(rec.STT), ms(rec.Clipboard), ms(rec.Total), ms(rec.EndToEnd),
		rec.Retries, rec.Reconnects, rec.FramesSent)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM sessions WHERE id IN (
		SELECT id FROM sessions ORDER BY id DESC LIMIT -1 OFFSET ?
	)`, s.limit)
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	return tx.Commit()
}

// Recent returns up to n archived records, newest first.
func (s *Store) Recent(n int) ([]latency.Record, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.Query(
		`SELECT session_id, started_at, recording_ms, stt_ms, clipboard_ms, total_ms, end_to_end_ms, retries, reconnects, frames_sent
		 FROM sessions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []latency.Record
	for rows.Next() {
		var rec latency.Record
		var started string
		var recording, stt, clip, total, e2e float64
		if err := rows.Scan(&rec.SessionID, &started, &recording, &stt, &clip, &total, &e2e,
			&rec.Retries, &rec.Reconnects, &rec.FramesSent); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			rec.StartedAt = ts
		}
		rec.Recording = dur(recording)
		rec.STT = dur(stt)
		rec.Clipboard = dur(clip)
		rec.Total = dur(total)
		rec.EndToEnd = dur(e2e)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count reports the number of archived sessions.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func dur(msVal float64) time.Duration { return time.Duration(msVal * float64(time.Millisecond)) }
