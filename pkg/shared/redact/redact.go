// Package redact masks credentials before they reach logs: bearer tokens,
// proxy passwords, and the access_token query parameter carried on
// automation endpoints.
package redact

import "net/url"

const mask = "***"

var sensitiveParams = []string{"access_token", "apikey", "token", "session"}

// Token keeps a short prefix so log lines stay correlatable.
func Token(s string) string {
	if len(s) <= 6 {
		return mask
	}
	return s[:4] + mask
}

// URL masks userinfo and sensitive query parameters. Unparseable input is
// masked whole rather than leaked.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return mask
	}
	if u.User != nil {
		u.User = url.User(mask)
	}
	q := u.Query()
	changed := false
	for _, k := range sensitiveParams {
		if q.Has(k) {
			q.Set(k, mask)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
