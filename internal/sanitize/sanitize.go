// Package sanitize cleans user-controlled strings before they reach logs,
// preventing log injection through embedded control characters.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxFieldLength is the longest a sanitized string may grow before it is
// truncated with a "..." marker. Usernames, file names and chat text all
// arrive from the network and can be arbitrarily long.
const MaxFieldLength = 256

// String escapes control characters in s and truncates oversized values so
// the result is always safe to hand to the logger as a single field.
func String(s string) string {
	if s == "" {
		return s
	}

	var b strings.Builder
	b.Grow(min(len(s)+16, MaxFieldLength+8))

	written := 0
	for _, r := range s {
		if written >= MaxFieldLength {
			b.WriteString("...")
			break
		}
		written++

		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == utf8.RuneError:
			b.WriteByte('?')
		case unicode.IsControl(r):
			b.WriteString(`\x`)
			b.WriteByte(hexDigit(byte(r) >> 4))
			b.WriteByte(hexDigit(byte(r) & 0x0f))
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

// Username sanitizes a username supplied over the wire.
func Username(name string) string {
	return String(name)
}

// FileName sanitizes a shared file name supplied over the wire.
func FileName(name string) string {
	return String(name)
}

// RoomName sanitizes a chat room name supplied over the wire.
func RoomName(name string) string {
	return String(name)
}

// Addr sanitizes a peer address string. Addresses normally come from
// net.Conn but the port half is client-reported.
func Addr(addr string) string {
	return String(addr)
}

// Error sanitizes an error message. Decode errors echo attacker bytes.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'a' + b - 10
}
