// Package state holds the node's authoritative in-memory view: the latest
// record per device, the history of accepted updates, and a stream of
// events describing what the exchange engine is doing.
package state

import (
	"sync"
	"time"

	"github.com/chaz8081/sensorsync/internal/record"
)

// EventKind classifies an Event.
type EventKind string

const (
	EventStatus  EventKind = "status"
	EventPeer    EventKind = "peer"
	EventRecords EventKind = "records"
	EventError   EventKind = "error"
)

// Event is a user-visible notification, e.g. "Connected to X".
type Event struct {
	Kind    EventKind
	PeerID  string
	Message string
	Time    time.Time
}

const subscriberBuffer = 64

// Projection is safe for concurrent use. Snapshots it returns are copies.
type Projection struct {
	policy record.HistoryPolicy

	mu      sync.RWMutex
	records []record.Record
	history []record.HistoryEntry

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// New returns an empty projection using the given history policy.
func New(policy record.HistoryPolicy) *Projection {
	if policy == "" {
		policy = record.HistoryAccepted
	}
	return &Projection{policy: policy, subs: make(map[int]chan Event)}
}

// Load replaces the current contents, typically with persisted data at
// startup. Records are re-sorted most recent first.
func (p *Projection) Load(records []record.Record, history []record.HistoryEntry) {
	rs := append([]record.Record(nil), records...)
	record.SortByRecency(rs)

	p.mu.Lock()
	p.records = rs
	p.history = append([]record.HistoryEntry(nil), history...)
	p.mu.Unlock()
}

// Restore folds in persisted data read after the projection already took
// updates. A current record stays unless the persisted one for the same
// device is strictly newer. Persisted history goes before the current
// entries, skipping IDs already present. Nothing is historized.
func (p *Projection) Restore(records []record.Record, history []record.HistoryEntry) {
	p.mu.Lock()
	merged := append([]record.Record(nil), p.records...)
	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.DeviceID] = i
	}
	changed := false
	for _, r := range records {
		if i, ok := index[r.DeviceID]; ok {
			if r.LastUpdate.After(merged[i].LastUpdate) {
				merged[i] = r
				changed = true
			}
			continue
		}
		index[r.DeviceID] = len(merged)
		merged = append(merged, r)
		changed = true
	}
	record.SortByRecency(merged)
	p.records = merged

	seen := make(map[string]bool, len(p.history))
	for _, h := range p.history {
		seen[h.ID] = true
	}
	restored := make([]record.HistoryEntry, 0, len(history)+len(p.history))
	for _, h := range history {
		if !seen[h.ID] {
			restored = append(restored, h)
		}
	}
	p.history = append(restored, p.history...)
	p.mu.Unlock()

	if changed {
		p.Publish(Event{Kind: EventRecords, Message: "records restored", Time: time.Now()})
	}
}

// Merge applies incoming records under the merge rule and returns what
// changed. Subscribers get an EventRecords when anything was accepted.
func (p *Projection) Merge(incoming []record.Record, now time.Time) record.MergeResult {
	p.mu.Lock()
	res := record.Merge(p.records, incoming, now, p.policy)
	p.records = res.Records
	p.history = append(p.history, res.History...)
	p.mu.Unlock()

	if res.Accepted > 0 {
		p.Publish(Event{Kind: EventRecords, Message: "records updated", Time: now})
	}
	return res
}

// Records returns the current records, most recent first.
func (p *Projection) Records() []record.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]record.Record(nil), p.records...)
}

// History returns every history entry in capture order.
func (p *Projection) History() []record.HistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]record.HistoryEntry(nil), p.history...)
}

// Len returns the number of current records.
func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

// Subscribe returns a stream of events and a function that ends it. A
// subscriber that falls behind misses events rather than blocking the
// publisher.
func (p *Projection) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	p.subMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, id)
			p.subMu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber.
func (p *Projection) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
