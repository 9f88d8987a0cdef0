// Package privacy redacts credentials from URLs and messages before they
// reach logs or error contexts.
package privacy

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "xxxxx"

var (
	// URL pattern for finding URLs in text
	urlPattern = regexp.MustCompile(`\b(?:https?|mysql)://\S+`)

	// user:password@tcp(host) form used by MySQL DSNs
	dsnPattern = regexp.MustCompile(`([^\s:/@]+):([^\s@]+)@tcp\(`)
)

// Query parameters whose values are never logged
var sensitiveParams = []string{"token", "key", "secret", "password", "passwd", "auth", "signature"}

// RedactURL masks the password in the user info and the values of
// credential-like query parameters. Scheme, host and path are kept so the
// result stays useful for debugging. Unparseable input is replaced entirely.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid-url]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for name := range q {
			if isSensitiveParam(name) {
				q.Set(name, redacted)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// ScrubMessage redacts every URL and DSN credential found in message
func ScrubMessage(message string) string {
	message = urlPattern.ReplaceAllStringFunc(message, RedactURL)
	return dsnPattern.ReplaceAllString(message, "$1:"+redacted+"@tcp(")
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
