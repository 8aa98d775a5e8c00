// Package security holds the cryptographic and request-hardening building blocks of the
// authorization server.
//
// # Sealed envelopes
//
// Sealer encrypts a payload with AES-256-GCM under a key derived from a single
// master key and a purpose string (HKDF-SHA256). The expiry is part of the
// authenticated header, so a sealed value cannot be extended without the key.
// Unseal reports a closed set of failures through SealError:
//
//	plain, err := sealer.Unseal("authserver.oauth2.code", code)
//	switch security.SealFailureOf(err) {
//	case security.SealExpired:
//	    // ask the user to sign in again
//	}
//
// A value sealed under one purpose never opens under another.
//
// # PKCE
//
// VerifyPKCE compares a code_verifier against a stored challenge for the S256
// and plain methods of RFC 7636, in constant time.
//
// # Rate limiting
//
// RateLimiter is a per-key token bucket with LRU eviction and an idle cleanup
// loop. AllowSignIn charges both the client address and the submitted login:
//
//	limiter := security.NewRateLimiter(10, 5, 0, logger)
//	defer limiter.Stop()
//
//	if !limiter.AllowSignIn(ip, login) {
//	    // 429
//	}
//
// # Audit
//
// Auditor writes security events through slog. User identifiers are hashed
// before they reach the log.
package security
