// Package store persists exchanged records, their history and chat
// messages. Persistence is advisory: callers log failures and keep running
// on in-memory state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/sensorsync/internal/record"
)

// ErrPersistence wraps every I/O failure reported by a Gateway.
var ErrPersistence = errors.New("store: persistence failed")

// Gateway saves and loads the current records and the history.
type Gateway interface {
	LoadRecords(ctx context.Context) ([]record.Record, error)
	// SaveRecords replaces the stored collection with records.
	SaveRecords(ctx context.Context, records []record.Record) error
	LoadHistory(ctx context.Context) ([]record.HistoryEntry, error)
	AppendHistory(ctx context.Context, entries []record.HistoryEntry) error
}

// Message is one chat line.
type Message struct {
	ID       string    `json:"id"`
	PeerID   string    `json:"peerId"`
	Text     string    `json:"text"`
	Outgoing bool      `json:"outgoing"`
	At       time.Time `json:"at"`
}

// MessageStore keeps chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m Message) error
	// Messages returns up to limit of the most recent messages, oldest
	// first. A limit <= 0 returns all of them.
	Messages(ctx context.Context, limit int) ([]Message, error)
}

// Backend is a complete storage implementation.
type Backend interface {
	Gateway
	MessageStore
	Close() error
}

// Drivers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
	DriverMemory = "memory"
)

// Open returns the backend for driver, stored at path.
func Open(driver, path string) (Backend, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(path)
	case DriverJSON:
		return OpenFile(path)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func lastN[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return append([]T(nil), items...)
}
