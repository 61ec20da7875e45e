package interaction

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

var redactions = []struct {
	pattern *regexp.Regexp
	marker  string
}{
	{emailPattern, "[REDACTED_EMAIL]"},
	// Cards before phones so long digit runs are not taken for phone numbers.
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// RedactPII masks e-mail addresses, card numbers and phone numbers.
func RedactPII(input string) (string, bool) {
	out := input
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.marker)
	}
	return out, out != input
}
