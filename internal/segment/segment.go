// Package segment cuts streamed answer text into sentences that can be
// handed to speech synthesis as soon as they are complete.
package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Terminators is the fixed set of runes that close a sentence.
const Terminators = "。！？，；.!?;"

func isTerminator(r rune) bool {
	return strings.ContainsRune(Terminators, r)
}

// Split scans buffer left to right and returns every span that ends in a
// terminator, together with any whitespace that follows it, plus the trailing
// text that has not been terminated yet. Joining spans and remainder yields
// buffer unchanged.
func Split(buffer string) (spans []string, remainder string) {
	start, i := 0, 0
	for i < len(buffer) {
		r, size := utf8.DecodeRuneInString(buffer[i:])
		i += size
		if !isTerminator(r) {
			continue
		}
		for i < len(buffer) {
			next, nsize := utf8.DecodeRuneInString(buffer[i:])
			if !unicode.IsSpace(next) {
				break
			}
			i += nsize
		}
		spans = append(spans, buffer[start:i])
		start = i
	}
	return spans, buffer[start:]
}

// Extract returns the trimmed, non-empty sentences found in buffer and the
// untouched remainder to carry into the next call.
func Extract(buffer string) (sentences []string, remainder string) {
	spans, remainder := Split(buffer)
	for _, span := range spans {
		if s := strings.TrimSpace(span); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences, remainder
}

// Buffer accumulates fragments and hands back complete sentences.
// It is not safe for concurrent use.
type Buffer struct {
	pending string
}

// Add appends fragment and returns any sentences it completed.
func (b *Buffer) Add(fragment string) []string {
	if fragment == "" {
		return nil
	}
	sentences, remainder := Extract(b.pending + fragment)
	b.pending = remainder
	return sentences
}

// Flush returns the trimmed unterminated remainder, if any, and empties the buffer.
func (b *Buffer) Flush() string {
	rest := strings.TrimSpace(b.pending)
	b.pending = ""
	return rest
}

// Pending reports the buffered text without consuming it.
func (b *Buffer) Pending() string {
	return b.pending
}
