package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the caller's address for rate limiting and audit.
//
// Forwarding headers are only consulted when TrustProxy is set. TrustedProxies
// is the number of proxies we control at the right end of X-Forwarded-For;
// zero means one.
type ClientIPResolver struct {
	TrustProxy     bool
	TrustedProxies int
}

// ClientIP returns the best guess at the originating address of r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := fromForwardedFor(r.Header.Get("X-Forwarded-For"), c.TrustedProxies); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// "client, hop1, ..., trusted" -> the entry just left of the trusted proxies
func fromForwardedFor(xff string, trusted int) string {
	if xff == "" {
		return ""
	}
	if trusted <= 0 {
		trusted = 1
	}
	hops := strings.Split(xff, ",")
	idx := len(hops) - trusted - 1
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
