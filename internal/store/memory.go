package store

import (
	"context"
	"sync"

	"github.com/chaz8081/sensorsync/internal/record"
)

// Memory is a Backend that keeps everything in process.
type Memory struct {
	mu       sync.Mutex
	records  []record.Record
	history  []record.HistoryEntry
	messages []Message
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) LoadRecords(context.Context) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]record.Record(nil), m.records...), nil
}

func (m *Memory) SaveRecords(_ context.Context, records []record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]record.Record(nil), records...)
	return nil
}

func (m *Memory) LoadHistory(context.Context) ([]record.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]record.HistoryEntry(nil), m.history...), nil
}

func (m *Memory) AppendHistory(_ context.Context, entries []record.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entries...)
	return nil
}

func (m *Memory) SaveMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) Messages(_ context.Context, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lastN(m.messages, limit), nil
}

var _ Backend = (*Memory)(nil)
