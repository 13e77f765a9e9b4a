// Package strescape sanitizes untrusted strings before terminal display.
// Whisper IDs, message content and server-supplied reasons all originate
// from remote peers and can carry terminal control sequences.
package strescape

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ID returns s stripped of chars that do not belong in a whisper ID or
// contact name.
func ID(s string) string {
	return strings.Map(func(r rune) rune {
		if !strconv.IsPrint(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
}

// Content returns s stripped of chars that do not belong in message
// content. Whitespace survives, terminal control sequences do not.
func Content(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return r
		}
		if !strconv.IsGraphic(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
}

// CanonicalizeNL converts all newline char sequences in val to \n and
// trims blank lines from the end.
func CanonicalizeNL(val string) string {
	val = strings.ReplaceAll(val, "\r\n", "\n")
	val = strings.ReplaceAll(val, "\r", "\n")
	return strings.TrimRight(val, "\n")
}
