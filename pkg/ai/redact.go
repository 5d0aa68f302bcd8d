package ai

import "regexp"

// Provider error bodies sometimes echo request headers back verbatim, so any
// error text surfaced to callers or logs must have credential-shaped
// substrings removed first. This is a hard security invariant.

const redactedPlaceholder = "[REDACTED]"

var credentialPatterns = []*regexp.Regexp{
	// Authorization header style bearer tokens.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	// OpenAI-style API keys (sk-..., sk-proj-...).
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}\b`),
	// Generic "api_key=..." / "apikey: ..." assignments.
	regexp.MustCompile(`(?i)\bapi[_-]?key["']?\s*[:=]\s*["']?[A-Za-z0-9._~+/=-]{8,}`),
}

// Redact replaces credential-shaped substrings in s with a placeholder.
// It is applied to every error message before propagation or logging.
func Redact(s string) string {
	for _, p := range credentialPatterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}
