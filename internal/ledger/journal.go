package ledger

import (
	"bytes"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Journal is the SQLite-backed durable commit log. It extends duplicate
// suppression across process restarts: the recent window is reloaded into
// the in-memory ledger at startup, and every commit is written through.
// Uses WAL mode for concurrent read access.
type Journal struct {
	db *sql.DB
}

// OpenJournal creates or opens a journal database at the given path.
// Applies required pragmas and the schema automatically; safe to call
// multiple times on the same path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY errors under concurrent commits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// WriteCommit inserts a commit record. Duplicate event ids are silently
// ignored via ON CONFLICT DO NOTHING, so retried writes are idempotent.
func (j *Journal) WriteCommit(eventID string, result any, at time.Time) error {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return fmt.Errorf("write commit %s: %w", eventID, err)
	}

	_, err = j.db.Exec(`
		INSERT INTO commits (event_id, result, committed_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, eventID, resultJSON, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("write commit %s: %w", eventID, err)
	}
	return nil
}

// HasCommit reports whether an event id exists in the journal, regardless
// of the in-memory window.
func (j *Journal) HasCommit(eventID string) (bool, error) {
	var count int
	err := j.db.QueryRow(
		`SELECT COUNT(*) FROM commits WHERE event_id = ?`, eventID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check commit %s: %w", eventID, err)
	}
	return count > 0, nil
}

// RecentCommits returns up to limit of the newest commits in ascending
// commit order, ready to be pushed into the in-memory ledger.
func (j *Journal) RecentCommits(limit int) ([]Entry, error) {
	rows, err := j.db.Query(`
		SELECT event_id, result, committed_at_ms
		FROM commits
		ORDER BY committed_at_ms DESC, event_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent commits: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			id         string
			resultJSON string
			atMs       int64
		)
		if err := rows.Scan(&id, &resultJSON, &atMs); err != nil {
			return nil, fmt.Errorf("recent commits: scan: %w", err)
		}
		result, err := unmarshalResult(resultJSON)
		if err != nil {
			return nil, fmt.Errorf("recent commits: entry %s: %w", id, err)
		}
		out = append(out, Entry{
			EventID:     id,
			Result:      result,
			CommittedAt: time.UnixMilli(atMs),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent commits: %w", err)
	}

	// Newest-first from the query; reverse to ascending commit order.
	for i, jj := 0, len(out)-1; i < jj; i, jj = i+1, jj-1 {
		out[i], out[jj] = out[jj], out[i]
	}
	return out, nil
}

// marshalResult serializes a mutator result to JSON text with HTML
// escaping disabled, so stored results stay byte-stable and readable.
func marshalResult(result any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(result); err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalResult parses stored JSON back to a generic value. Numbers come
// back as json.Number to avoid float64 precision loss on large integers.
func unmarshalResult(data string) (any, error) {
	if data == "" || data == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return out, nil
}
