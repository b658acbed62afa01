package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quillchat/call-core/internal/session"
)

const timeLayout = "2006-01-02 15:04:05.999"

// Store is a SQLite-backed Recorder.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the call-log database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// WAL keeps recorder writes from blocking the recent-calls reads.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			initiator   TEXT NOT NULL,
			end_reason  TEXT DEFAULT '',
			started_at  TEXT NOT NULL,
			ended_at    TEXT DEFAULT '',
			duration_ms INTEGER DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS call_participants (
			call_id      TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			user_id      TEXT NOT NULL,
			display_name TEXT DEFAULT '',
			role         TEXT NOT NULL,
			join_status  TEXT NOT NULL,
			PRIMARY KEY (call_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) CallStarted(snap session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT OR REPLACE INTO calls (id, kind, initiator, started_at) VALUES (?, ?, ?, ?)
	`, snap.ID, string(snap.Kind), snap.Initiator, snap.StartedAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("history: record call start: %w", err)
	}
	return s.upsertParticipantsLocked(snap)
}

func (s *Store) CallEnded(snap session.Snapshot, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE calls SET end_reason = ?, ended_at = ?, duration_ms = ? WHERE id = ?
	`, string(snap.EndReason), snap.EndedAt.UTC().Format(timeLayout), duration.Milliseconds(), snap.ID)
	if err != nil {
		return fmt.Errorf("history: record call end: %w", err)
	}

	// A call that ended before CallStarted ran (for example an immediate busy
	// reject) still gets a row.
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.Exec(`
			INSERT OR REPLACE INTO calls (id, kind, initiator, end_reason, started_at, ended_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, snap.ID, string(snap.Kind), snap.Initiator, string(snap.EndReason),
			snap.StartedAt.UTC().Format(timeLayout), snap.EndedAt.UTC().Format(timeLayout), duration.Milliseconds()); err != nil {
			return fmt.Errorf("history: record call end: %w", err)
		}
	}
	return s.upsertParticipantsLocked(snap)
}

func (s *Store) upsertParticipantsLocked(snap session.Snapshot) error {
	for _, p := range snap.Participants {
		if _, err := s.db.Exec(`
			INSERT OR REPLACE INTO call_participants (call_id, user_id, display_name, role, join_status)
			VALUES (?, ?, ?, ?, ?)
		`, snap.ID, p.UserID, p.DisplayName, string(p.Role), string(p.JoinStatus)); err != nil {
			return fmt.Errorf("history: record participant %s: %w", p.UserID, err)
		}
	}
	return nil
}

// Recent returns the latest calls, newest first, with their rosters.
func (s *Store) Recent(limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, kind, initiator, end_reason, started_at, ended_at, duration_ms
		FROM calls ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query calls: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, reason, startedAt, endedAt string
		var durationMS int64
		if err := rows.Scan(&e.ID, &kind, &e.Initiator, &reason, &startedAt, &endedAt, &durationMS); err != nil {
			return nil, err
		}
		e.Kind = session.Kind(kind)
		e.EndReason = session.EndReason(reason)
		e.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if endedAt != "" {
			e.EndedAt, _ = time.Parse(timeLayout, endedAt)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		participants, err := s.participantsLocked(entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Participants = participants
	}
	return entries, nil
}

func (s *Store) participantsLocked(callID string) ([]EntryParticipant, error) {
	rows, err := s.db.Query(`
		SELECT user_id, display_name, role, join_status
		FROM call_participants WHERE call_id = ? ORDER BY user_id
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("history: query participants: %w", err)
	}
	defer rows.Close()

	var out []EntryParticipant
	for rows.Next() {
		var p EntryParticipant
		var role, status string
		if err := rows.Scan(&p.UserID, &p.DisplayName, &role, &status); err != nil {
			return nil, err
		}
		p.Role = session.Role(role)
		p.JoinStatus = session.JoinStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
