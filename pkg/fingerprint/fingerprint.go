// Package fingerprint produces the stable content identity of a document:
// deterministic text normalization, a SHA-256 fingerprint over the
// normalized bytes, and position-safe excerpt and window helpers used for
// clause indexing. Identical raw input yields bitwise-identical output on
// every run, process, and machine.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/fineprintai/engine/pkg/errkind"
)

// DefaultMaxBytes caps normalization input at 2 MiB of UTF-8.
const DefaultMaxBytes = 2 << 20

// Normalize converts raw document bytes into the canonical text form used
// for fingerprinting and pattern matching: HTML is stripped to visible
// text, Unicode is normalized to NFC, whitespace runs collapse to a single
// space, and paragraph breaks collapse to a single newline. Case is
// preserved. A maxBytes of 0 applies DefaultMaxBytes.
func Normalize(raw []byte, maxBytes int) (string, error) {
	const op = "fingerprint.Normalize"
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(raw) > maxBytes {
		return "", errkind.Errorf(errkind.InputTooLarge, op, "input is %d bytes, cap is %d", len(raw), maxBytes)
	}

	text := string(bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF}))
	if looksLikeHTML(text) {
		stripped, err := HTMLText(strings.NewReader(text))
		if err != nil {
			return "", errkind.E(errkind.Internal, op, err)
		}
		text = stripped
	}

	text = norm.NFC.String(text)
	text = collapseWhitespace(text)

	if len(text) > maxBytes {
		return "", errkind.Errorf(errkind.InputTooLarge, op, "normalized text is %d bytes, cap is %d", len(text), maxBytes)
	}
	return text, nil
}

// FingerprintText returns the hex-encoded SHA-256 of the normalized text.
func FingerprintText(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// collapseWhitespace rewrites every whitespace run: runs containing a
// newline become one "\n" (a paragraph break), all others become one " ".
// Leading and trailing whitespace is dropped.
func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inRun := false
	runHasNewline := false
	wroteAny := false

	flush := func() {
		if !inRun || !wroteAny {
			inRun = false
			runHasNewline = false
			return
		}
		if runHasNewline {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
		inRun = false
		runHasNewline = false
	}

	for _, r := range s {
		if unicode.IsSpace(r) {
			inRun = true
			if r == '\n' || r == '\r' || r == '\v' || r == '\f' || r == 0x85 || r == 0x2028 || r == 0x2029 {
				runHasNewline = true
			}
			continue
		}
		flush()
		b.WriteRune(r)
		wroteAny = true
	}
	return b.String()
}

// looksLikeHTML sniffs markup without trusting a content type. The crawler
// passes its own content-type signal through IsHTML instead.
func looksLikeHTML(s string) bool {
	head := strings.TrimLeftFunc(s, unicode.IsSpace)
	if len(head) > 512 {
		head = head[:512]
	}
	lower := strings.ToLower(head)
	for _, p := range []string{"<!doctype", "<html", "<head", "<body"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return strings.HasPrefix(lower, "<") && strings.Contains(s, "</")
}

// IsHTML reports whether a fetched body should be treated as HTML, using
// the transport content type when present and sniffing otherwise.
func IsHTML(raw []byte, contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return true
	}
	if ct != "" && !strings.Contains(ct, "octet-stream") {
		return false
	}
	return looksLikeHTML(string(raw))
}
