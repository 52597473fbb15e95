package model

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeStripsControlChars(t *testing.T) {
	got := Sanitize("Hetzner\x1b[31m Online\x00 GmbH", 0)
	if got != "Hetzner[31m Online GmbH" {
		t.Fatalf("Sanitize = %q", got)
	}
}

func TestSanitizeTruncatesLongFields(t *testing.T) {
	got := Sanitize(strings.Repeat("a", 400), 0)
	if len(got) > maxFieldLength {
		t.Fatalf("len = %d, want <= %d", len(got), maxFieldLength)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated field missing ellipsis: %q", got)
	}
}

func TestSanitizeTruncatesOnRuneBoundary(t *testing.T) {
	// Two-byte runes straddling the cut: the result must stay valid UTF-8
	// and never exceed the byte limit.
	for max := 4; max <= 12; max++ {
		got := Sanitize(strings.Repeat("é", 20), max)
		if !utf8.ValidString(got) {
			t.Fatalf("max=%d: invalid UTF-8 %q", max, got)
		}
		if len(got) > max {
			t.Fatalf("max=%d: len = %d", max, len(got))
		}
	}
}

func TestSanitizeIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"185.220.101.5", "185.220.101.5"},
		{"2001:db8::1", "2001:db8::1"},
		{"", "invalid"},
		{"10.0.0.1; rm -rf /", "invalid"},
		{"1.2.3.4\n5.6.7.8", "invalid"},
	}
	for _, tt := range tests {
		if got := SanitizeIP(tt.in); got != tt.want {
			t.Errorf("SanitizeIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
