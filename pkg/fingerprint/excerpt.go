package fingerprint

import (
	"unicode/utf8"

	"github.com/fineprintai/engine/pkg/errkind"
)

// MaxExcerptChars bounds every stored excerpt.
const MaxExcerptChars = 500

// Excerpt returns the substring of normalized text covering [start, end)
// byte offsets, widened outward to whole UTF-8 runes and truncated to
// MaxExcerptChars characters. Offsets outside the text fail with BadRange.
func Excerpt(normalized string, start, end int) (string, error) {
	const op = "fingerprint.Excerpt"
	if start < 0 || end > len(normalized) || start >= end {
		return "", errkind.Errorf(errkind.BadRange, op, "range [%d,%d) outside text of %d bytes", start, end, len(normalized))
	}
	for start > 0 && !utf8.RuneStart(normalized[start]) {
		start--
	}
	for end < len(normalized) && !utf8.RuneStart(normalized[end]) {
		end++
	}
	return Truncate(normalized[start:end], MaxExcerptChars), nil
}

// Truncate cuts s to at most maxChars characters on a rune boundary.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}

// Window is one clause-indexing slice of normalized text. Start and End
// are byte offsets into the source text.
type Window struct {
	Start int
	End   int
	Text  string
}

// Windows splits normalized text into overlapping windows of size
// characters with the given character overlap, aligned to rune boundaries.
// Used for semantic clause search where embeddings cover a bounded span.
func Windows(normalized string, size, overlap int) []Window {
	if size <= 0 || normalized == "" {
		return nil
	}
	if overlap >= size {
		overlap = size / 2
	}

	// Byte offset of every rune plus the terminal offset.
	offsets := make([]int, 0, len(normalized)+1)
	for i := range normalized {
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(normalized))
	runes := len(offsets) - 1

	var out []Window
	step := size - overlap
	for at := 0; at < runes; at += step {
		endRune := at + size
		if endRune > runes {
			endRune = runes
		}
		out = append(out, Window{
			Start: offsets[at],
			End:   offsets[endRune],
			Text:  normalized[offsets[at]:offsets[endRune]],
		})
		if endRune == runes {
			break
		}
	}
	return out
}
