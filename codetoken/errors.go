package codetoken

import (
	"errors"

	"github.com/sentaku/authserver/security"
)

// Failure is the closed set of reasons a code exchange is refused.
type Failure uint8

const (
	// Unseal means the envelope was malformed, tampered with, sealed for
	// another purpose or expired.
	Unseal Failure = iota + 1
	// Payload means the envelope opened but did not hold a usable CodeToken.
	Payload
	// ClientMismatch means the code was issued to a different client.
	ClientMismatch
	// RedirectMismatch means redirect_uri differs from the one the code was issued for.
	RedirectMismatch
	// PKCEMismatch means the code_verifier does not satisfy the stored challenge.
	PKCEMismatch
	// Replayed means a single-use code was presented a second time.
	Replayed
)

func (f Failure) String() string {
	switch f {
	case Unseal:
		return "unseal"
	case Payload:
		return "payload"
	case ClientMismatch:
		return "client_mismatch"
	case RedirectMismatch:
		return "redirect_mismatch"
	case PKCEMismatch:
		return "pkce_mismatch"
	case Replayed:
		return "replayed"
	default:
		return "unknown"
	}
}

// Error is returned by Codec.Open and CodeToken.Validate.
type Error struct {
	Kind Failure
	Err  error
}

func newError(kind Failure, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewReplayError reports a code that was already exchanged.
func NewReplayError() *Error {
	return newError(Replayed, errors.New("authorization code already used"))
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "authorization code " + e.Kind.String()
	}
	return "authorization code " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Failure carried by err, or 0.
func KindOf(err error) Failure {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// Reason renders err as a short audit label such as "expired" or
// "pkce_mismatch". Sealing failures are reported by their own kind.
func Reason(err error) string {
	if k := security.SealFailureOf(err); k != 0 {
		return k.String()
	}
	if k := KindOf(err); k != 0 {
		return k.String()
	}
	return "unknown"
}
