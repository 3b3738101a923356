package worker

import "regexp"

// Credential shapes scrubbed from worker output. Every line passes
// through Sanitize before any subscriber sees it; there is no bypass.
var redactPatterns = []*regexp.Regexp{
	// key=value secrets
	regexp.MustCompile(`(?i)\b(?:token|password|passwd|secret|api[_-]?key)=\S+`),
	// bearer headers
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	// provider keys of the sk-/pk- shape
	regexp.MustCompile(`\b[sp]k-[A-Za-z0-9_-]{16,}\b`),
	// long hex tokens (also catches 40-char SHAs, accepted cost)
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
	// long base64 blobs
	regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}`),
}

const redacted = "[REDACTED]"

// Sanitize replaces credential-shaped substrings with [REDACTED].
func Sanitize(line string) string {
	for _, p := range redactPatterns {
		line = p.ReplaceAllString(line, redacted)
	}
	return line
}
