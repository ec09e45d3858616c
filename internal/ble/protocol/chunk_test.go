package protocol

import (
	"strings"
	"testing"
	"unicode/utf8"
)

const (
	testMaxBytes = 50
	testMTU      = 185
)

func TestChunkTextFitsInOne(t *testing.T) {
	chunks := ChunkText("hello node", testMaxBytes)
	if len(chunks) != 1 || chunks[0] != "hello node" {
		t.Fatalf("ChunkText() = %q, want [\"hello node\"]", chunks)
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if chunks := ChunkText("", testMaxBytes); chunks != nil {
		t.Errorf("ChunkText(\"\") = %q, want nil", chunks)
	}
}

func TestChunkTextSplitsAfterSpace(t *testing.T) {
	text := "sensor ESP32-A reports humidity above threshold near the north gate"
	chunks := ChunkText(text, testMaxBytes)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testMaxBytes {
			t.Errorf("chunk[%d] len=%d exceeds max=%d", i, len(c), testMaxBytes)
		}
	}
	if !strings.HasSuffix(chunks[0], " ") {
		t.Errorf("chunk[0] = %q, want split after a space", chunks[0])
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Errorf("reassembled = %q, want %q", got, text)
	}
}

func TestChunkTextNeverSplitsRunes(t *testing.T) {
	text := "\U0001F321\U0001F4A7\U0001F321\U0001F4A7\U0001F321"
	chunks := ChunkText(text, 10)
	for i, c := range chunks {
		if len(c) > 10 {
			t.Errorf("chunk[%d] len=%d exceeds max=10", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk[%d] = %q is not valid UTF-8", i, c)
		}
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Errorf("reassembled = %q, want %q", got, text)
	}
}

func TestChunkTextBoundaries(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		max        int
		wantChunks int
	}{
		{"exact fit", strings.Repeat("a", testMaxBytes), testMaxBytes, 1},
		{"one byte over", strings.Repeat("a", testMaxBytes+1), testMaxBytes, 2},
		{"long word forced", strings.Repeat("x", testMaxBytes*2+10), testMaxBytes, 3},
		{"rune wider than max", "\U0001F600", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkText(tt.text, tt.max)
			if len(chunks) != tt.wantChunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.wantChunks)
			}
			if got := strings.Join(chunks, ""); got != tt.text {
				t.Errorf("reassembled = %q, want %q", got, tt.text)
			}
		})
	}
}

func TestMaxTextBytes(t *testing.T) {
	tests := []struct {
		mtu  int
		want int
	}{
		{23, 15},
		{185, 135},
		{512, 381},
		{5, 1},
	}
	for _, tt := range tests {
		if got := MaxTextBytes(tt.mtu); got != tt.want {
			t.Errorf("MaxTextBytes(%d) = %d, want %d", tt.mtu, got, tt.want)
		}
	}
}

func TestChunksFitAfterFraming(t *testing.T) {
	max := MaxTextBytes(testMTU)
	text := strings.Repeat("humidity rising ", 40)
	for i, c := range ChunkText(text, max) {
		if n := len(EncodeText(c)); n > testMTU-3 {
			t.Errorf("chunk[%d] framed to %d bytes, exceeds %d", i, n, testMTU-3)
		}
	}
}
