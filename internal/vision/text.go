package vision

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CleanText normalizes OCR output: NFC, no zero-width or control characters,
// single spaces, trimmed.
func CleanText(s string) string {
	if s == "" {
		return s
	}
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
