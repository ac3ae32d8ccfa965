package core

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Free-text fields stored in the graph must never leak personal data.
// Emails, IPv4 addresses, phone numbers and URLs are replaced before the
// text reaches the store, and the result is clamped to MaxLabelChars.

const (
	// MaxLabelChars is the hard upper boundary for free-text fields on
	// graph nodes and edges (labels, summaries, tag values).
	MaxLabelChars = 100

	// RedactedPlaceholder replaces any matched PII span.
	RedactedPlaceholder = "[REDACTED]"
)

var (
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	reIPv4  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	rePhone = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)
	reURL   = regexp.MustCompile(`\bhttps?://[^\s"'<>]+`)
)

// Redact removes PII spans from free text and clamps the result to
// MaxLabelChars runes. Order matters: URLs first so that emails embedded in
// query strings do not leave partial matches behind.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = reURL.ReplaceAllString(s, RedactedPlaceholder)
	s = reEmail.ReplaceAllString(s, RedactedPlaceholder)
	s = reIPv4.ReplaceAllString(s, RedactedPlaceholder)
	s = rePhone.ReplaceAllString(s, RedactedPlaceholder)
	return ClampText(s, MaxLabelChars)
}

// ClampText trims whitespace and truncates to at most max runes.
func ClampText(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// RedactTags redacts and clamps each tag, drops empties, and caps the list.
func RedactTags(tags []string, maxTags, maxTagChars int) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = ClampText(Redact(t), maxTagChars)
		if t == "" {
			continue
		}
		out = append(out, t)
		if len(out) >= maxTags {
			break
		}
	}
	return out
}
