package sanitize

import (
	"errors"
	"strings"
	"testing"
)

func TestString_Empty(t *testing.T) {
	if got := String(""); got != "" {
		t.Errorf("String(\"\") = %q, want \"\"", got)
	}
}

func TestString_Plain(t *testing.T) {
	input := "relatorio_2025.pdf"
	got := String(input)
	if got != input {
		t.Errorf("String(%q) = %q, want %q", input, got, input)
	}
}

func TestString_ControlCharacters(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "single newline",
			input: "line1\nline2",
			want:  `line1\nline2`,
		},
		{
			name:  "carriage return",
			input: "line1\rline2",
			want:  `line1\rline2`,
		},
		{
			name:  "CRLF",
			input: "line1\r\nline2",
			want:  `line1\r\nline2`,
		},
		{
			name:  "tab",
			input: "a\tb",
			want:  `a\tb`,
		},
		{
			name:  "backslash",
			input: `a\b`,
			want:  `a\\b`,
		},
		{
			name:  "null byte",
			input: "a\x00b",
			want:  `a\x00b`,
		},
		{
			name:  "escape char",
			input: "a\x1bb",
			want:  `a\x1bb`,
		},
		{
			name:  "fake log entry",
			input: "eve\n2025-01-01 INFO login user=admin",
			want:  `eve\n2025-01-01 INFO login user=admin`,
		},
		{
			name:  "unicode kept",
			input: "ação.txt",
			want:  "ação.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := String(tt.input)
			if got != tt.want {
				t.Errorf("String(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if strings.ContainsAny(got, "\n\r") {
				t.Errorf("sanitized string still contains line breaks: %q", got)
			}
		})
	}
}

func TestString_TruncatesLongInput(t *testing.T) {
	long := strings.Repeat("a", MaxFieldLength*2)
	got := String(long)

	if !strings.HasSuffix(got, "...") {
		t.Error("expected truncation marker on oversized input")
	}
	if len(got) > MaxFieldLength+8 {
		t.Errorf("sanitized string too long: %d bytes", len(got))
	}
}

func TestDomainHelpers(t *testing.T) {
	if got := Username("a\nb"); got != `a\nb` {
		t.Errorf("Username = %q", got)
	}
	if got := FileName("file\r.txt"); got != `file\r.txt` {
		t.Errorf("FileName = %q", got)
	}
	if got := RoomName("sala\t1"); got != `sala\t1` {
		t.Errorf("RoomName = %q", got)
	}
	if got := Addr("127.0.0.1:9000"); got != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", got)
	}
}

func TestError(t *testing.T) {
	if got := Error(nil); got != "" {
		t.Errorf("Error(nil) = %q, want empty", got)
	}
	err := errors.New("bad\nthing")
	if got := Error(err); got != `bad\nthing` {
		t.Errorf("Error = %q", got)
	}
}
