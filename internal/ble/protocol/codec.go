// Package protocol implements the payload encoding used on sensorsync GATT
// characteristics: UTF-8 JSON framed as base64. The exchange
// characteristic carries either a single record or a DATA_EXCHANGE batch;
// the chat characteristic carries plain text.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/chaz8081/sensorsync/internal/record"
)

// TypeDataExchange is the envelope type of a batch payload.
const TypeDataExchange = "DATA_EXCHANGE"

// ErrDecode is returned for malformed framing or payloads that are neither
// a record nor a batch.
var ErrDecode = errors.New("protocol: decode failed")

// Kind tags which envelope shape a payload had on the wire.
type Kind int

const (
	KindBatch Kind = iota
	KindSingle
)

func (k Kind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindSingle:
		return "single"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Batch is the DATA_EXCHANGE envelope.
type Batch struct {
	Type      string
	Timestamp time.Time
	Records   []record.Record
}

// Payload is a decoded exchange payload. Exactly one of Batch or Single is
// meaningful, according to Kind.
type Payload struct {
	Kind   Kind
	Batch  Batch
	Single record.Record
}

// Origin identifies the peer a payload was received from.
type Origin struct {
	PeerID string
	Name   string
}

// Records normalizes the payload to a sequence of records. A single record
// without deviceId is attributed to the sender, and one without lastUpdate
// is stamped with the receipt time.
func (p Payload) Records(from Origin, now time.Time) []record.Record {
	if p.Kind == KindBatch {
		return p.Batch.Records
	}
	r := p.Single
	if r.DeviceID == "" {
		r.DeviceID = from.PeerID
	}
	if r.DeviceName == "" {
		r.DeviceName = from.Name
	}
	if r.LastUpdate.IsZero() {
		r.LastUpdate = now.UTC()
	}
	if r.DeviceID == "" {
		return nil
	}
	return []record.Record{r}
}

type batchWire struct {
	Type       string            `json:"type"`
	Timestamp  string            `json:"timestamp"`
	SensorData []json.RawMessage `json:"sensorData"`
}

// EncodeRecord encodes a single record.
func EncodeRecord(r record.Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: encode record: %w", err)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode record: %w", err)
	}
	return frame(body), nil
}

// EncodeBatch encodes records as a DATA_EXCHANGE envelope stamped with now.
func EncodeBatch(records []record.Record, now time.Time) ([]byte, error) {
	wire := batchWire{
		Type:       TypeDataExchange,
		Timestamp:  record.FormatTime(now),
		SensorData: make([]json.RawMessage, 0, len(records)),
	}
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode batch: %w", err)
		}
		wire.SensorData = append(wire.SensorData, b)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode batch: %w", err)
	}
	return frame(body), nil
}

// EncodeBatches packs records, most recent first, into DATA_EXCHANGE
// envelopes whose framed size is at most maxBytes. Every envelope decodes on
// its own. A record that does not fit even alone is left out and counted in
// skipped. Returns no envelopes for no records.
func EncodeBatches(records []record.Record, now time.Time, maxBytes int) (batches [][]byte, skipped int, err error) {
	if len(records) == 0 {
		return nil, 0, nil
	}
	sorted := make([]record.Record, len(records))
	copy(sorted, records)
	record.SortByRecency(sorted)

	empty, err := json.Marshal(batchWire{
		Type:       TypeDataExchange,
		Timestamp:  record.FormatTime(now),
		SensorData: []json.RawMessage{},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("protocol: encode batch: %w", err)
	}
	framedLen := func(items, itemBytes int) int {
		n := len(empty) + itemBytes
		if items > 1 {
			n += items - 1
		}
		return base64.StdEncoding.EncodedLen(n)
	}

	var (
		group     []record.Record
		groupSize int
	)
	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		b, err := EncodeBatch(group, now)
		if err != nil {
			return err
		}
		batches = append(batches, b)
		group, groupSize = nil, 0
		return nil
	}

	for _, r := range sorted {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, 0, fmt.Errorf("protocol: encode batch: %w", err)
		}
		if framedLen(1, len(b)) > maxBytes {
			skipped++
			continue
		}
		if framedLen(len(group)+1, groupSize+len(b)) > maxBytes {
			if err := flush(); err != nil {
				return nil, 0, err
			}
		}
		group = append(group, r)
		groupSize += len(b)
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}
	return batches, skipped, nil
}

// DecodeRecord decodes an exchange payload. An empty payload is an empty
// batch. Unframed JSON is accepted as well, since plain sensor firmware
// often writes it directly.
func DecodeRecord(data []byte) (Payload, error) {
	body, err := unframe(data)
	if err != nil {
		return Payload{}, err
	}
	if len(body) == 0 {
		return Payload{Kind: KindBatch}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if raw, ok := fields["sensorData"]; ok {
		return decodeBatch(body, raw)
	}

	_, hasTemp := fields["temperature"]
	_, hasHum := fields["humidity"]
	if !hasTemp && !hasHum {
		return Payload{}, fmt.Errorf("%w: payload has neither sensorData nor measurements", ErrDecode)
	}

	var r record.Record
	if err := json.Unmarshal(body, &r); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if !r.HasMeasurement() {
		return Payload{}, fmt.Errorf("%w: measurements are null", ErrDecode)
	}
	return Payload{Kind: KindSingle, Single: r}, nil
}

func decodeBatch(body []byte, raw json.RawMessage) (Payload, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '[' {
		return Payload{}, fmt.Errorf("%w: sensorData is not an array", ErrDecode)
	}

	var wire batchWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	b := Batch{Type: wire.Type}
	if wire.Timestamp != "" {
		ts, err := record.ParseTime(wire.Timestamp)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: batch timestamp: %w", ErrDecode, err)
		}
		b.Timestamp = ts
	}

	for i, item := range wire.SensorData {
		var r record.Record
		if err := json.Unmarshal(item, &r); err != nil {
			return Payload{}, fmt.Errorf("%w: sensorData[%d]: %w", ErrDecode, i, err)
		}
		if r.DeviceID == "" || !r.HasMeasurement() {
			continue
		}
		b.Records = append(b.Records, r)
	}
	return Payload{Kind: KindBatch, Batch: b}, nil
}

// EncodeText frames a chat message.
func EncodeText(s string) []byte {
	return frame([]byte(s))
}

// DecodeText unframes a chat message. The result must be valid UTF-8.
func DecodeText(data []byte) (string, error) {
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(buf, bytes.TrimSpace(data))
	if err != nil {
		return "", fmt.Errorf("%w: text framing: %w", ErrDecode, err)
	}
	if !utf8.Valid(buf[:n]) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrDecode)
	}
	return string(buf[:n]), nil
}

func frame(body []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(body)))
	base64.StdEncoding.Encode(out, body)
	return out
}

func unframe(data []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] == '{' {
		return data, nil
	}
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(buf, data)
	if err != nil {
		return nil, fmt.Errorf("%w: framing: %w", ErrDecode, err)
	}
	return bytes.TrimSpace(buf[:n]), nil
}
