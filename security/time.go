package security

import "time"

// DefaultClockSkewGracePeriod is the drift tolerated between a payload's own
// expiry claim and the envelope expiry before it is reported.
const DefaultClockSkewGracePeriod = 5 * time.Second

// ExpiryDrift returns how far a payload's own expiry claim is from the
// authoritative envelope expiry, and whether that exceeds the default grace
// period. It is used for diagnostics only.
func ExpiryDrift(claimed, authoritative time.Time) (time.Duration, bool) {
	d := claimed.Sub(authoritative)
	if d < 0 {
		d = -d
	}
	return d, d > DefaultClockSkewGracePeriod
}
