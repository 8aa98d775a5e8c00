package security

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE code challenge methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

var (
	// ErrUnsupportedPKCEMethod is returned for any method other than S256 or plain.
	ErrUnsupportedPKCEMethod = errors.New("unsupported code_challenge_method")

	// ErrPKCEMismatch is returned when the verifier does not match the challenge.
	ErrPKCEMismatch = errors.New("code_verifier does not match code_challenge")
)

// ValidatePKCEMethod checks that method is one this server understands.
// allowPlain controls whether the plain method is accepted.
func ValidatePKCEMethod(method string, allowPlain bool) error {
	switch method {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if !allowPlain {
			return fmt.Errorf("%w: %q is disabled", ErrUnsupportedPKCEMethod, method)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedPKCEMethod, method)
	}
}

// VerifyPKCE checks verifier against a stored challenge and method.
// The final comparison runs in constant time.
func VerifyPKCE(challenge, method, verifier string) error {
	var computed string

	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedPKCEMethod, method)
	}

	if verifier == "" || challenge == "" {
		return ErrPKCEMismatch
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}
