package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/sensorsync/internal/record"
)

func rec(t *testing.T, id, ts string, temp float64) record.Record {
	t.Helper()
	at, err := record.ParseTime(ts)
	require.NoError(t, err)
	return record.Record{DeviceID: id, Temperature: record.Float(temp), LastUpdate: at}
}

func TestMergeScenario(t *testing.T) {
	p := New(record.HistoryAccepted)
	x := rec(t, "X", "2024-01-01T00:00:00Z", 22.5)
	x.Humidity = record.Float(55)

	res := p.Merge([]record.Record{x}, time.Now())
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, p.Records(), 1)
	assert.Equal(t, "X", p.Records()[0].DeviceID)

	older := rec(t, "X", "2023-12-31T23:59:59Z", 99)
	res = p.Merge([]record.Record{older}, time.Now())
	assert.Zero(t, res.Accepted)

	got := p.Records()
	require.Len(t, got, 1)
	assert.Equal(t, 22.5, *got[0].Temperature)
	assert.Len(t, p.History(), 1)
}

func TestLoadSortsAndCopies(t *testing.T) {
	p := New("")
	in := []record.Record{
		rec(t, "A", "2024-01-01T00:00:00Z", 1),
		rec(t, "B", "2024-06-01T00:00:00Z", 2),
	}
	p.Load(in, []record.HistoryEntry{{ID: "h1", Record: in[0]}})

	got := p.Records()
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].DeviceID)
	assert.Equal(t, "A", in[0].DeviceID, "Load must not reorder the caller's slice")
	assert.Len(t, p.History(), 1)
	assert.Equal(t, 2, p.Len())
}

func TestSnapshotsAreCopies(t *testing.T) {
	p := New(record.HistoryAccepted)
	p.Merge([]record.Record{rec(t, "A", "2024-01-01T00:00:00Z", 1)}, time.Now())

	snap := p.Records()
	snap[0].DeviceID = "mutated"
	assert.Equal(t, "A", p.Records()[0].DeviceID)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	p := New(record.HistoryAccepted)
	events, cancel := p.Subscribe()
	defer cancel()

	p.Publish(Event{Kind: EventPeer, PeerID: "AA:BB", Message: "Connected to AA:BB"})
	p.Merge([]record.Record{rec(t, "A", "2024-01-01T00:00:00Z", 1)}, time.Now())

	first := <-events
	assert.Equal(t, EventPeer, first.Kind)
	assert.Equal(t, "Connected to AA:BB", first.Message)
	assert.False(t, first.Time.IsZero())

	second := <-events
	assert.Equal(t, EventRecords, second.Kind)
}

func TestCancelClosesStream(t *testing.T) {
	p := New(record.HistoryAccepted)
	events, cancel := p.Subscribe()
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok, "stream should be closed after cancel")

	p.Publish(Event{Kind: EventStatus, Message: "after cancel"})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	p := New(record.HistoryAccepted)
	_, cancel := p.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			p.Publish(Event{Kind: EventStatus, Message: "tick"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestRestoreKeepsNewerCurrentRecords(t *testing.T) {
	p := New(record.HistoryAccepted)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	p.Merge([]record.Record{
		rec(t, "X", "2024-05-01T00:00:00Z", 30),
		rec(t, "B", "2024-01-01T00:00:00Z", 10),
	}, now)
	current := p.History()
	require.Len(t, current, 2)

	persistedHistory := []record.HistoryEntry{
		{ID: record.NewID(now.Add(-time.Hour)), Record: rec(t, "A", "2024-02-01T00:00:00Z", 1), CapturedAt: now.Add(-time.Hour)},
		current[0],
	}
	events, cancel := p.Subscribe()
	defer cancel()

	p.Restore([]record.Record{
		rec(t, "A", "2024-02-01T00:00:00Z", 1),
		rec(t, "B", "2024-03-01T00:00:00Z", 11),
		rec(t, "X", "2024-04-01T00:00:00Z", 29),
	}, persistedHistory)

	got := p.Records()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"X", "B", "A"}, []string{got[0].DeviceID, got[1].DeviceID, got[2].DeviceID})
	assert.Equal(t, 30.0, *got[0].Temperature, "current X is newer than the persisted one")
	assert.Equal(t, 11.0, *got[1].Temperature, "persisted B is newer than the current one")

	hist := p.History()
	require.Len(t, hist, 3, "already present entries are not restored twice")
	assert.Equal(t, persistedHistory[0].ID, hist[0].ID)
	assert.Equal(t, current[0].ID, hist[1].ID)

	select {
	case ev := <-events:
		assert.Equal(t, EventRecords, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no records event after restore")
	}
}

func TestRestoreNothingIsQuiet(t *testing.T) {
	p := New(record.HistoryAccepted)
	events, cancel := p.Subscribe()
	defer cancel()

	p.Restore(nil, nil)
	assert.Empty(t, p.Records())
	assert.Empty(t, p.History())
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}
