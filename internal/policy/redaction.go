package policy

import "regexp"

// redaction replaces every match of pattern with marker. Rules run in order,
// so broader number patterns come after the specific ones they would swallow.
type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	// Italian codice fiscale, e.g. RSSMRA85T10A562S.
	{regexp.MustCompile(`(?i)\b[A-Z]{6}\d{2}[A-EHLMPR-T]\d{2}[A-Z]\d{3}[A-Z]\b`), "[REDACTED_TAX_ID]"},
	{regexp.MustCompile(`(?i)\bIT\d{2}[A-Z]\d{10}[0-9A-Z]{12}\b`), "[REDACTED_IBAN]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks identifiers a subject may speak during an interview.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.marker)
	}
	return out, out != input
}
