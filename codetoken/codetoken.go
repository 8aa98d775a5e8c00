package codetoken

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentaku/authserver/security"
)

const (
	// DefaultPurpose binds sealed codes to this use of the master key.
	DefaultPurpose = "authserver.oauth2.code"

	// DefaultTTL is how long an issued code can be exchanged.
	DefaultTTL = 5 * time.Minute
)

// CodeToken is the payload sealed inside an authorization code.
// ExpiresAt is informational; the envelope expiry is the one enforced.
type CodeToken struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	UserID              string    `json:"user_id"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Validate checks that the exchange request matches what the code was issued
// for. Checks run in a fixed order: client, redirect URI, PKCE.
func (t *CodeToken) Validate(clientID, redirectURI, verifier string) error {
	if t.ClientID != clientID {
		return newError(ClientMismatch, fmt.Errorf("code issued to %q, presented by %q", t.ClientID, clientID))
	}
	if t.RedirectURI != redirectURI {
		return newError(RedirectMismatch, errors.New("redirect_uri differs from the authorization request"))
	}

	if t.CodeChallenge == "" {
		if verifier != "" {
			return newError(PKCEMismatch, errors.New("code_verifier sent for a code issued without a challenge"))
		}
		return nil
	}
	if err := security.VerifyPKCE(t.CodeChallenge, t.CodeChallengeMethod, verifier); err != nil {
		return newError(PKCEMismatch, err)
	}
	return nil
}

// Codec seals and opens codes. It is safe for concurrent use.
type Codec struct {
	sealer  *security.Sealer
	purpose string
	ttl     time.Duration
	now     func() time.Time
}

// NewCodec returns a codec over sealer. An empty purpose or non-positive ttl
// selects DefaultPurpose and DefaultTTL.
func NewCodec(sealer *security.Sealer, purpose string, ttl time.Duration) (*Codec, error) {
	if sealer == nil {
		return nil, errors.New("codetoken: sealer is required")
	}
	if purpose == "" {
		purpose = DefaultPurpose
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{sealer: sealer, purpose: purpose, ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of c whose payload timestamps come from now. The
// sealer keeps its own clock.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// TTL returns the lifetime given to issued codes.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue stamps tok with an expiry and seals it.
func (c *Codec) Issue(tok CodeToken) (string, error) {
	if tok.ClientID == "" || tok.RedirectURI == "" || tok.UserID == "" {
		return "", errors.New("codetoken: client_id, redirect_uri and user_id are required")
	}
	tok.ExpiresAt = c.now().Add(c.ttl).UTC().Truncate(time.Second)

	payload, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("codetoken: encode: %w", err)
	}
	code, err := c.sealer.Seal(c.purpose, payload, c.ttl)
	if err != nil {
		return "", fmt.Errorf("codetoken: seal: %w", err)
	}
	return code, nil
}

// Open unseals code and decodes its payload. Sealing failures come back as
// Unseal with the security.SealFailure reachable through security.SealFailureOf.
func (c *Codec) Open(code string) (*CodeToken, error) {
	plain, err := c.sealer.Unseal(c.purpose, code)
	if err != nil {
		return nil, newError(Unseal, err)
	}

	var tok CodeToken
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, newError(Payload, err)
	}
	if tok.ClientID == "" || tok.RedirectURI == "" || tok.UserID == "" {
		return nil, newError(Payload, errors.New("payload is missing required fields"))
	}
	return &tok, nil
}

// ExpiresAt returns the authoritative expiry of a sealed code without
// decrypting it. The value is unauthenticated until Open succeeds.
func ExpiresAt(code string) (time.Time, bool) {
	return security.ExpiresAt(code)
}
