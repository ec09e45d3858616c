// Package record defines the sensor data exchanged between nodes: the
// latest ExchangeRecord per source device and the append-only history of
// accepted updates.
package record

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Position is a geographic position in degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Record is one device's latest reported measurement snapshot. It is keyed
// by DeviceID. Fields the node does not know about are kept in Extra and
// written back unchanged.
type Record struct {
	ID          string
	DeviceID    string
	DeviceName  string
	Temperature *float64
	Humidity    *float64
	Position    *Position
	LastUpdate  time.Time
	DeviceType  string

	Extra map[string]json.RawMessage
}

// Float returns a pointer to v, for building records.
func Float(v float64) *float64 { return &v }

// HasMeasurement reports whether at least one canonical measurement is set.
func (r Record) HasMeasurement() bool {
	return r.Temperature != nil || r.Humidity != nil
}

// Validate checks that the record can be merged and encoded.
func (r Record) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("record: deviceId is required")
	}
	if !r.HasMeasurement() {
		return fmt.Errorf("record: %s has neither temperature nor humidity", r.DeviceID)
	}
	for name, v := range map[string]*float64{"temperature": r.Temperature, "humidity": r.Humidity} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("record: %s %s is not finite", r.DeviceID, name)
		}
	}
	return nil
}

var knownKeys = map[string]bool{
	"id": true, "deviceId": true, "deviceName": true, "temperature": true,
	"humidity": true, "position": true, "lastUpdate": true, "deviceType": true,
}

func (r Record) fields() (map[string]json.RawMessage, error) {
	m := make(map[string]json.RawMessage, len(r.Extra)+8)
	for k, v := range r.Extra {
		if !knownKeys[k] {
			m[k] = v
		}
	}
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("record: marshal %s: %w", key, err)
		}
		m[key] = b
		return nil
	}

	if r.ID != "" {
		if err := put("id", r.ID); err != nil {
			return nil, err
		}
	}
	if err := put("deviceId", r.DeviceID); err != nil {
		return nil, err
	}
	if r.DeviceName != "" {
		if err := put("deviceName", r.DeviceName); err != nil {
			return nil, err
		}
	}
	if r.Temperature != nil {
		if err := put("temperature", *r.Temperature); err != nil {
			return nil, err
		}
	}
	if r.Humidity != nil {
		if err := put("humidity", *r.Humidity); err != nil {
			return nil, err
		}
	}
	if r.Position != nil {
		if err := put("position", r.Position); err != nil {
			return nil, err
		}
	}
	if !r.LastUpdate.IsZero() {
		if err := put("lastUpdate", FormatTime(r.LastUpdate)); err != nil {
			return nil, err
		}
	}
	if r.DeviceType != "" {
		if err := put("deviceType", r.DeviceType); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	m, err := r.fields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return r.fromFields(m)
}

func (r *Record) fromFields(m map[string]json.RawMessage) error {
	*r = Record{}
	for k, v := range m {
		var err error
		switch k {
		case "id":
			err = unmarshalOptional(v, &r.ID)
		case "deviceId":
			err = unmarshalOptional(v, &r.DeviceID)
		case "deviceName":
			err = unmarshalOptional(v, &r.DeviceName)
		case "deviceType":
			err = unmarshalOptional(v, &r.DeviceType)
		case "temperature":
			r.Temperature, err = unmarshalNumber(v)
		case "humidity":
			r.Humidity, err = unmarshalNumber(v)
		case "position":
			if string(v) != "null" {
				r.Position = new(Position)
				err = json.Unmarshal(v, r.Position)
			}
		case "lastUpdate":
			var s string
			if err = unmarshalOptional(v, &s); err == nil && s != "" {
				r.LastUpdate, err = ParseTime(s)
			}
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]json.RawMessage)
			}
			r.Extra[k] = append(json.RawMessage(nil), v...)
		}
		if err != nil {
			return fmt.Errorf("record: field %s: %w", k, err)
		}
	}
	return nil
}

func unmarshalOptional(v json.RawMessage, dst *string) error {
	if string(v) == "null" {
		return nil
	}
	return json.Unmarshal(v, dst)
}

func unmarshalNumber(v json.RawMessage) (*float64, error) {
	if string(v) == "null" {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// FormatTime renders t in the ISO-8601 form used on the wire and on disk.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses an ISO-8601 timestamp and normalizes it to UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// HistoryEntry is an immutable copy of a Record taken when it was merged.
type HistoryEntry struct {
	ID         string
	Record     Record
	CapturedAt time.Time
}

func (h HistoryEntry) MarshalJSON() ([]byte, error) {
	m, err := h.Record.fields()
	if err != nil {
		return nil, err
	}
	if m["historyId"], err = json.Marshal(h.ID); err != nil {
		return nil, err
	}
	if m["historyTimestamp"], err = json.Marshal(FormatTime(h.CapturedAt)); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("record: history: %w", err)
	}
	*h = HistoryEntry{}
	if v, ok := m["historyId"]; ok {
		if err := unmarshalOptional(v, &h.ID); err != nil {
			return fmt.Errorf("record: history id: %w", err)
		}
		delete(m, "historyId")
	}
	if v, ok := m["historyTimestamp"]; ok {
		var s string
		if err := unmarshalOptional(v, &s); err != nil {
			return fmt.Errorf("record: history timestamp: %w", err)
		}
		if s != "" {
			t, err := ParseTime(s)
			if err != nil {
				return fmt.Errorf("record: history timestamp: %w", err)
			}
			h.CapturedAt = t
		}
		delete(m, "historyTimestamp")
	}
	return h.Record.fromFields(m)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically sortable unique identifier for time t.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
