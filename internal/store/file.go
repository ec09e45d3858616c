package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/chaz8081/sensorsync/internal/record"
)

// fileDoc is the on-disk layout of a File store.
type fileDoc struct {
	SensorDataArray []record.Record       `json:"sensorDataArray"`
	SensorHistory   []record.HistoryEntry `json:"sensorHistory"`
	Messages        []Message             `json:"messages,omitempty"`
}

// File keeps everything in a single JSON document that is rewritten
// atomically on every change.
type File struct {
	path string

	mu  sync.Mutex
	doc fileDoc
}

// OpenFile loads the document at path, or starts an empty one if it does not
// exist yet.
func OpenFile(path string) (*File, error) {
	f := &File{path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, wrap("read document", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f.doc); err != nil {
			return nil, wrap("parse document", err)
		}
	}
	return f, nil
}

func (f *File) Close() error { return nil }

func (f *File) LoadRecords(context.Context) ([]record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]record.Record(nil), f.doc.SensorDataArray...)
	record.SortByRecency(out)
	return out, nil
}

func (f *File) SaveRecords(_ context.Context, records []record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.doc.SensorDataArray
	f.doc.SensorDataArray = append([]record.Record(nil), records...)
	if err := f.flush(); err != nil {
		f.doc.SensorDataArray = prev
		return wrap("save records", err)
	}
	return nil
}

func (f *File) LoadHistory(context.Context) ([]record.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.HistoryEntry(nil), f.doc.SensorHistory...), nil
}

func (f *File) AppendHistory(_ context.Context, entries []record.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.doc.SensorHistory)
	f.doc.SensorHistory = append(f.doc.SensorHistory, entries...)
	if err := f.flush(); err != nil {
		f.doc.SensorHistory = f.doc.SensorHistory[:n]
		return wrap("append history", err)
	}
	return nil
}

func (f *File) SaveMessage(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.doc.Messages)
	f.doc.Messages = append(f.doc.Messages, m)
	if err := f.flush(); err != nil {
		f.doc.Messages = f.doc.Messages[:n]
		return wrap("save message", err)
	}
	return nil
}

func (f *File) Messages(_ context.Context, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lastN(f.doc.Messages, limit), nil
}

// flush writes the document to a temp file beside path and renames it into
// place. Callers hold f.mu.
func (f *File) flush() error {
	data, err := json.MarshalIndent(f.doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sensorsync-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

var _ Backend = (*File)(nil)
