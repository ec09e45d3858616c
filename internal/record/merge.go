package record

import (
	"fmt"
	"sort"
	"time"
)

// HistoryPolicy selects which incoming records are copied into history.
type HistoryPolicy string

const (
	// HistoryAccepted historizes only records that were inserted or
	// replaced an older one.
	HistoryAccepted HistoryPolicy = "accepted"
	// HistoryAll historizes every incoming record with a measurement, stale
	// or not. Older nodes behave this way.
	HistoryAll HistoryPolicy = "all"
)

// ParseHistoryPolicy validates a policy name. Empty means HistoryAccepted.
func ParseHistoryPolicy(s string) (HistoryPolicy, error) {
	switch HistoryPolicy(s) {
	case "", HistoryAccepted:
		return HistoryAccepted, nil
	case HistoryAll:
		return HistoryAll, nil
	default:
		return "", fmt.Errorf("record: unknown history policy %q", s)
	}
}

// MergeResult is the outcome of merging incoming records into a collection.
type MergeResult struct {
	// Records is the merged collection, most recent first.
	Records []Record
	// History holds the entries to append, in incoming order.
	History []HistoryEntry
	// Accepted counts incoming records that were inserted or replaced one.
	Accepted int
}

// Merge applies incoming records to current. A record for an unknown
// DeviceID is inserted; a known one is replaced only when the incoming
// LastUpdate is strictly later. Records without a DeviceID or without any
// measurement are ignored. current is not modified.
func Merge(current, incoming []Record, now time.Time, policy HistoryPolicy) MergeResult {
	merged := make([]Record, len(current))
	copy(merged, current)

	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.DeviceID] = i
	}

	var res MergeResult
	for _, in := range incoming {
		if in.DeviceID == "" || !in.HasMeasurement() {
			continue
		}

		accepted := false
		if i, ok := index[in.DeviceID]; ok {
			if in.LastUpdate.After(merged[i].LastUpdate) {
				merged[i] = in
				accepted = true
			}
		} else {
			index[in.DeviceID] = len(merged)
			merged = append(merged, in)
			accepted = true
		}

		if accepted {
			res.Accepted++
		}
		if accepted || policy == HistoryAll {
			res.History = append(res.History, HistoryEntry{
				ID:         NewID(now),
				Record:     in,
				CapturedAt: now,
			})
		}
	}

	SortByRecency(merged)
	res.Records = merged
	return res
}

// SortByRecency orders records by LastUpdate, most recent first. Ties keep
// their relative order.
func SortByRecency(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastUpdate.After(records[j].LastUpdate)
	})
}
