package security

import (
	"net/http"
	"net/url"
)

const (
	apiCSP  = "default-src 'none'; frame-ancestors 'none'"
	formCSP = "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'"
)

// SetSecurityHeaders sets the headers common to every OAuth response.
// HSTS is only sent when issuer is an https URL.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	setCommonHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", apiCSP)
}

// SetFormSecurityHeaders is SetSecurityHeaders for the login page, which
// needs inline styles. form-action is left open because browsers apply it to
// the redirect that follows the post.
func SetFormSecurityHeaders(w http.ResponseWriter, issuer string) {
	setCommonHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", formCSP)
}

func setCommonHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// RFC 6749 5.1: token responses must not be cached
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}
