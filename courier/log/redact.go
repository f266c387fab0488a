package log

import (
	"net/url"
	"strings"
)

const redactedPassword = "xxxxx"

var controlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// SanitizeValue escapes newline, carriage return and tab characters so an
// attacker-controlled value cannot forge extra log lines.
func SanitizeValue(s string) string {
	return controlCharReplacer.Replace(s)
}

// RedactURL masks the password component of a connection URL. Values that do
// not parse as a URL with a scheme are returned unchanged.
func RedactURL(raw string) string {
	if raw == "" {
		return raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.User == nil {
		return raw
	}

	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), redactedPassword)
	}

	return parsed.String()
}
