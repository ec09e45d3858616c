package protocol

import (
	"bytes"
	"encoding/json"
	"sync"
)

// MaxAttributeBytes is the largest value an ATT attribute may hold. Long
// reads and hosted values are bounded by it.
const MaxAttributeBytes = 512

// MaxValueBytes returns how many framed bytes fit in one write on a link
// with the given MTU.
func MaxValueBytes(mtu int) int {
	if usable := mtu - attHeaderBytes; usable > 0 {
		return usable
	}
	return 1
}

// Segment splits a framed payload into writes of at most maxBytes. Segment
// boundaries fall on base64 quanta when maxBytes allows, so every prefix of
// the segments still unframes.
func Segment(payload []byte, maxBytes int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{payload}
	}
	size := maxBytes
	if size >= 4 {
		size -= size % 4
	}
	if size < 1 {
		size = 1
	}

	segs := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > size {
		segs = append(segs, payload[:size])
		payload = payload[size:]
	}
	return append(segs, payload)
}

// Assembler rebuilds exchange payloads written in segments. A write that is
// a complete payload by itself passes straight through, so peers that write
// whole values are unaffected. It is safe for concurrent use.
type Assembler struct {
	limit int

	mu  sync.Mutex
	buf []byte
}

// NewAssembler returns an Assembler that discards a partial payload once it
// grows past limit bytes.
func NewAssembler(limit int) *Assembler {
	return &Assembler{limit: limit}
}

// Add feeds one write. It returns the payload and true once the buffered
// writes form a complete one.
func (a *Assembler) Add(seg []byte) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buf) == 0 {
		// Anything that cannot start a payload goes to the decoder as is,
		// which reports it.
		if complete(seg) || !payloadStart(seg) {
			return seg, true
		}
		a.buf = append(a.buf[:0], seg...)
		return nil, false
	}

	joined := append(a.buf, seg...)
	if complete(joined) {
		a.buf = nil
		return joined, true
	}
	// A lost segment leaves a partial that never completes; a whole
	// payload arriving after it starts over.
	if complete(seg) {
		a.buf = nil
		return seg, true
	}
	if len(joined) > a.limit {
		a.buf = append([]byte(nil), seg...)
		return nil, false
	}
	a.buf = joined
	return nil, false
}

// Pending reports how many bytes of an incomplete payload are buffered.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// payloadStart reports whether data can open a payload: raw JSON or base64.
func payloadStart(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		return true
	}
	for _, c := range data {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '=':
		default:
			return false
		}
	}
	return true
}

// complete reports whether data unframes to a whole JSON document. Empty
// data is an empty batch.
func complete(data []byte) bool {
	body, err := unframe(data)
	if err != nil {
		return false
	}
	return len(body) == 0 || json.Valid(body)
}
