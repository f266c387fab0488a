package outbox

import (
	"regexp"
	"strings"
)

const (
	maxErrorLength       = 512
	errorTruncatedSuffix = "... (truncated)"
	redactedValue        = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redactedValue + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redactedValue},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redactedValue},
	{regexp.MustCompile(`\bSG\.[A-Za-z0-9_-]{16,}\.[A-Za-z0-9_-]{16,}\b`), redactedValue},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`), `$1=` + redactedValue},
}

var cardCandidate = regexp.MustCompile(`\b\d{12,19}\b`)

// SanitizeError prepares an error for the last_error column: secrets and
// card-like numbers are redacted and the result is bounded in length.
func SanitizeError(msg string) string {
	out := strings.TrimSpace(msg)

	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}

	out = cardCandidate.ReplaceAllStringFunc(out, func(candidate string) string {
		if luhnValid(candidate) {
			return redactedValue
		}

		return candidate
	})

	return truncate(out, maxErrorLength)
}

func luhnValid(number string) bool {
	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}

		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		double = !double
	}

	return sum%10 == 0
}

func truncate(msg string, maxRunes int) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	keep := maxRunes - len([]rune(errorTruncatedSuffix))

	return string(runes[:keep]) + errorTruncatedSuffix
}
