package util

import (
	"net"
	"net/url"
	"strings"
)

// MaxLabelLength bounds untrusted values used as log fields or metric labels.
const MaxLabelLength = 64

// Truncate returns at most maxLen bytes of s. A negative maxLen yields "".
func Truncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Label bounds an untrusted identifier, such as a client_id that did not
// resolve, to MaxLabelLength.
func Label(s string) string {
	return Truncate(s, MaxLabelLength)
}

// IsLoopbackHost reports whether hostname is "localhost" or a loopback IP
// (127.0.0.0/8, ::1). It expects no port, as returned by url.URL.Hostname.
// 0.0.0.0 is not loopback.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	host := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// IsInsecureRemote reports whether u uses plain http to a host that is not
// loopback.
func IsInsecureRemote(u *url.URL) bool {
	return u.Scheme == "http" && !IsLoopbackHost(u.Hostname())
}
