package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chaz8081/sensorsync/internal/record"
)

// SQLite stores everything in one SQLite database. Record bodies are kept
// as JSON so fields this node does not understand survive a round trip.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap("create data dir", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open db", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, wrap("set WAL mode", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, wrap("migrate", err)
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			device_id   TEXT PRIMARY KEY,
			last_update TEXT NOT NULL,
			body        TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS history (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			device_id   TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			body        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_device ON history(device_id);
		CREATE TABLE IF NOT EXISTS messages (
			seq      INTEGER PRIMARY KEY AUTOINCREMENT,
			id       TEXT NOT NULL UNIQUE,
			peer_id  TEXT NOT NULL,
			text     TEXT NOT NULL,
			outgoing INTEGER NOT NULL DEFAULT 0,
			at       TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) LoadRecords(ctx context.Context) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM records")
	if err != nil {
		return nil, wrap("load records", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, wrap("load records", err)
		}
		var r record.Record
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, wrap("load records", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load records", err)
	}
	record.SortByRecency(out)
	return out, nil
}

func (s *SQLite) SaveRecords(ctx context.Context, records []record.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("save records", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return wrap("save records", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO records (device_id, last_update, body) VALUES (?, ?, ?)")
	if err != nil {
		return wrap("save records", err)
	}
	defer stmt.Close()

	for _, r := range records {
		body, err := json.Marshal(r)
		if err != nil {
			return wrap("save records", fmt.Errorf("marshal %s: %w", r.DeviceID, err))
		}
		if _, err := stmt.ExecContext(ctx, r.DeviceID, record.FormatTime(r.LastUpdate), string(body)); err != nil {
			return wrap("save records", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("save records", err)
	}
	return nil
}

func (s *SQLite) LoadHistory(ctx context.Context) ([]record.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM history ORDER BY seq")
	if err != nil {
		return nil, wrap("load history", err)
	}
	defer rows.Close()

	var out []record.HistoryEntry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, wrap("load history", err)
		}
		var h record.HistoryEntry
		if err := json.Unmarshal([]byte(body), &h); err != nil {
			return nil, wrap("load history", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load history", err)
	}
	return out, nil
}

func (s *SQLite) AppendHistory(ctx context.Context, entries []record.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("append history", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO history (id, device_id, captured_at, body) VALUES (?, ?, ?, ?)")
	if err != nil {
		return wrap("append history", err)
	}
	defer stmt.Close()

	for _, h := range entries {
		body, err := json.Marshal(h)
		if err != nil {
			return wrap("append history", err)
		}
		if _, err := stmt.ExecContext(ctx, h.ID, h.Record.DeviceID, record.FormatTime(h.CapturedAt), string(body)); err != nil {
			return wrap("append history", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("append history", err)
	}
	return nil
}

func (s *SQLite) SaveMessage(ctx context.Context, m Message) error {
	outgoing := 0
	if m.Outgoing {
		outgoing = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, peer_id, text, outgoing, at) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.PeerID, m.Text, outgoing, m.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return wrap("save message", err)
	}
	return nil
}

func (s *SQLite) Messages(ctx context.Context, limit int) ([]Message, error) {
	query := "SELECT id, peer_id, text, outgoing, at FROM (SELECT * FROM messages ORDER BY seq DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	query += ") ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("load messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m        Message
			outgoing int
			at       string
		)
		if err := rows.Scan(&m.ID, &m.PeerID, &m.Text, &outgoing, &at); err != nil {
			return nil, wrap("load messages", err)
		}
		m.Outgoing = outgoing != 0
		if m.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, wrap("load messages", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load messages", err)
	}
	return out, nil
}

var _ Backend = (*SQLite)(nil)
