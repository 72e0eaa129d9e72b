package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// CheckOrigin builds the origin check used by the WebSocket upgrader.
//
// Requests without an Origin header (non-browser clients) are always
// accepted. With an empty allowlist the policy is same-host only; an
// allowlist entry of "*" accepts any origin; otherwise the origin must match
// an entry exactly (scheme://host[:port], case-insensitive).
func CheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed = append(allowed, strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/")))
	}

	return func(r *http.Request) bool {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			return true
		}

		u, err := url.Parse(originHeader)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		origin := strings.ToLower(u.Scheme + "://" + u.Host)

		if len(allowed) == 0 {
			return strings.EqualFold(u.Host, r.Host)
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
