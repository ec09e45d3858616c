package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/sensorsync/internal/record"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := record.ParseTime(s)
	require.NoError(t, err)
	return ts
}

func testRecords(t *testing.T) []record.Record {
	return []record.Record{
		{DeviceID: "A", Temperature: record.Float(20), LastUpdate: mustParse(t, "2024-01-01T00:00:00Z")},
		{
			DeviceID:   "B",
			DeviceName: "Roof",
			Humidity:   record.Float(88),
			Position:   &record.Position{Lat: 45.5, Lng: -73.6},
			LastUpdate: mustParse(t, "2024-03-01T00:00:00Z"),
			Extra:      map[string]json.RawMessage{"battery": json.RawMessage(`87`)},
		},
	}
}

type opener func(t *testing.T, dir string) Backend

var backends = map[string]opener{
	"sqlite": func(t *testing.T, dir string) Backend {
		s, err := OpenSQLite(filepath.Join(dir, "sensorsync.db"))
		require.NoError(t, err)
		return s
	},
	"json": func(t *testing.T, dir string) Backend {
		f, err := OpenFile(filepath.Join(dir, "sensorsync.json"))
		require.NoError(t, err)
		return f
	},
	"memory": func(t *testing.T, _ string) Backend {
		return NewMemory()
	},
}

func TestBackendRecords(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t, t.TempDir())
			defer b.Close()

			got, err := b.LoadRecords(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, b.SaveRecords(ctx, testRecords(t)))
			require.NoError(t, b.SaveRecords(ctx, testRecords(t)[1:]))

			got, err = b.LoadRecords(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1, "SaveRecords replaces the collection")
			assert.Equal(t, "B", got[0].DeviceID)
			assert.Equal(t, json.RawMessage(`87`), got[0].Extra["battery"])
			assert.Equal(t, 45.5, got[0].Position.Lat)
		})
	}
}

func TestBackendHistoryAppends(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t, t.TempDir())
			defer b.Close()

			recs := testRecords(t)
			now := mustParse(t, "2024-04-01T00:00:00Z")
			first := []record.HistoryEntry{{ID: record.NewID(now), Record: recs[0], CapturedAt: now}}
			second := []record.HistoryEntry{
				{ID: record.NewID(now), Record: recs[1], CapturedAt: now},
				{ID: record.NewID(now), Record: recs[0], CapturedAt: now.Add(time.Second)},
			}

			require.NoError(t, b.AppendHistory(ctx, first))
			require.NoError(t, b.AppendHistory(ctx, nil))
			require.NoError(t, b.AppendHistory(ctx, second))

			got, err := b.LoadHistory(ctx)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, first[0].ID, got[0].ID)
			assert.Equal(t, "B", got[1].Record.DeviceID)
			assert.True(t, got[2].CapturedAt.Equal(now.Add(time.Second)))
		})
	}
}

func TestBackendMessages(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t, t.TempDir())
			defer b.Close()

			at := mustParse(t, "2024-05-01T10:00:00Z")
			for i, text := range []string{"hi", "how hot is it", "41C"} {
				require.NoError(t, b.SaveMessage(ctx, Message{
					ID:       record.NewID(at),
					PeerID:   "AA:BB",
					Text:     text,
					Outgoing: i%2 == 0,
					At:       at.Add(time.Duration(i) * time.Second),
				}))
			}

			all, err := b.Messages(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "hi", all[0].Text)
			assert.True(t, all[0].Outgoing)

			last, err := b.Messages(ctx, 2)
			require.NoError(t, err)
			require.Len(t, last, 2)
			assert.Equal(t, "how hot is it", last[0].Text)
			assert.Equal(t, "41C", last[1].Text)
			assert.False(t, last[0].Outgoing)
			assert.True(t, last[1].At.Equal(at.Add(2*time.Second)))
		})
	}
}

func TestPersistentBackendsSurviveReopen(t *testing.T) {
	for _, name := range []string{"sqlite", "json"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			b := backends[name](t, dir)
			require.NoError(t, b.SaveRecords(ctx, testRecords(t)))
			require.NoError(t, b.Close())

			b = backends[name](t, dir)
			defer b.Close()
			got, err := b.LoadRecords(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "B", got[0].DeviceID, "records load most recent first")
		})
	}
}

func TestFileDocumentLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	f, err := OpenFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.SaveRecords(ctx, testRecords(t)[:1]))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "sensorDataArray")
	assert.Contains(t, doc, "sensorHistory")
}

func TestOpenFileRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenFile(path)
	require.ErrorIs(t, err, ErrPersistence)
}

func TestOpenDrivers(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{DriverSQLite, DriverJSON, DriverMemory} {
		b, err := Open(driver, filepath.Join(dir, "store-"+driver))
		require.NoError(t, err, driver)
		require.NoError(t, b.Close())
	}
	_, err := Open("postgres", "x")
	assert.Error(t, err)
}
