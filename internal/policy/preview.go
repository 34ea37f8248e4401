package policy

import "strings"

// Preview redacts PII from text and truncates it to at most max runes, for
// log lines that must not carry full transcripts.
func Preview(text string, max int) string {
	out, _ := RedactPII(strings.TrimSpace(text))
	if max <= 0 {
		return ""
	}
	runes := []rune(out)
	if len(runes) <= max {
		return out
	}
	return string(runes[:max]) + "…"
}
