package model

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Upstream WHOIS and feed data is untrusted; strings derived from it are
// cleaned before they reach log files or the telemetry stream so a crafted
// ASN description cannot inject control sequences into either.

const maxFieldLength = 256

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
var ipChars = regexp.MustCompile(`^[0-9.:a-fA-F]+$`)

// Sanitize removes control characters from s and truncates it to at most
// max bytes (maxFieldLength when max <= 0), cutting on a rune boundary so
// multibyte characters are never split.
func Sanitize(s string, max int) string {
	if max <= 0 {
		max = maxFieldLength
	}
	s = controlChars.ReplaceAllString(s, "")
	if len(s) > max {
		cut := max - 3
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return strings.TrimSpace(s)
}

// SanitizeIP validates that s looks like an IP address and bounds its
// length. Invalid input collapses to "invalid" rather than erroring so the
// hot path never branches on bad data.
func SanitizeIP(s string) string {
	if s == "" || !ipChars.MatchString(s) {
		return "invalid"
	}
	if len(s) > 45 { // max textual IPv6 length
		return s[:45]
	}
	return s
}
