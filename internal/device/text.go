package device

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// FromUTF8 decodes a value as UTF-8 text. Invalid sequences become U+FFFD.
func FromUTF8(data []byte) string {
	return strings.ToValidUTF8(string(data), "�")
}

// ToUTF8 encodes text as the bytes of a characteristic value
func ToUTF8(s string) []byte {
	return []byte(s)
}

// IsPrintable reports whether data is non-empty valid UTF-8 made only of
// printable characters and ordinary whitespace.
func IsPrintable(data []byte) bool {
	if len(data) == 0 || !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
