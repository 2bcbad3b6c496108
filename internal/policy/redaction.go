package policy

import "regexp"

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules run in order. Credentials go first so a key made of digits is not
// reported as a card, and cards before phones for the same reason.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`(?i)\b(bearer)\s+[a-z0-9._~+/\-]{16,}=*`), "$1 [REDACTED_SECRET]"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|password|secret)(\s*[=:]\s*)\S+`), "$1$2[REDACTED_SECRET]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`), "[REDACTED_SECRET]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[REDACTED_SECRET]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks email addresses, card and phone numbers, and credentials
// such as bearer tokens and API keys.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.replacement)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
