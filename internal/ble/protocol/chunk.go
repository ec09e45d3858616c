package protocol

import "unicode/utf8"

// attHeaderBytes is the ATT opcode + handle overhead of a write.
const attHeaderBytes = 3

// MaxTextBytes returns how many bytes of chat text fit in one write on a
// link with the given MTU, after base64 framing.
func MaxTextBytes(mtu int) int {
	usable := mtu - attHeaderBytes
	if usable < 4 {
		return 1
	}
	return usable / 4 * 3
}

// ChunkText splits text into chunks of at most maxBytes. It prefers
// splitting after a space and never splits inside a UTF-8 sequence.
// Concatenating the chunks yields text. Returns nil for empty text.
func ChunkText(text string, maxBytes int) []string {
	if text == "" {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = 1
	}

	var chunks []string
	for len(text) > maxBytes {
		split := maxBytes
		for split > 0 && !utf8.RuneStart(text[split]) {
			split--
		}
		if split == 0 {
			// A single rune wider than maxBytes goes out on its own.
			_, size := utf8.DecodeRuneInString(text)
			split = size
		}

		cut := split
		for i := split; i > 0; i-- {
			if text[i-1] == ' ' {
				cut = i
				break
			}
		}

		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
