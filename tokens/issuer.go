// Package tokens mints the access tokens returned by the token endpoint and
// publishes the keys that verify them.
package tokens

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sentaku/authserver/permissions"
)

// DefaultAccessTokenTTL is the lifetime of issued access tokens.
const DefaultAccessTokenTTL = time.Hour

// Subject describes who a token is issued for.
type Subject struct {
	UserID      string
	Username    string
	ClientID    string
	Permissions permissions.Permissions
}

// AccessToken is a signed token and its lifetime.
type AccessToken struct {
	Token     string
	ExpiresIn time.Duration
}

// Issuer mints access tokens.
type Issuer interface {
	Issue(ctx context.Context, sub Subject) (*AccessToken, error)
}

// Claims are the JWT claims of an access token.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id,omitempty"`
	Permissions uint64   `json:"permissions"`
	Scope       []string `json:"perms,omitempty"`
}

// JWTConfig configures a JWTIssuer.
type JWTConfig struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	Key      crypto.Signer

	// KeyID defaults to the key thumbprint.
	KeyID string
}

// JWTIssuer signs access tokens as JWTs.
type JWTIssuer struct {
	issuer   string
	audience string
	ttl      time.Duration
	key      crypto.Signer
	keyID    string
	method   jwt.SigningMethod
	now      func() time.Time
}

var _ Issuer = (*JWTIssuer)(nil)

// NewJWTIssuer validates cfg and returns an issuer.
func NewJWTIssuer(cfg JWTConfig) (*JWTIssuer, error) {
	if cfg.Key == nil {
		return nil, errors.New("signing key is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		cfg.Audience = cfg.Issuer
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultAccessTokenTTL
	}

	method, err := signingMethodFor(cfg.Key)
	if err != nil {
		return nil, err
	}
	if cfg.KeyID == "" {
		cfg.KeyID, err = DeriveKeyID(cfg.Key)
		if err != nil {
			return nil, err
		}
	}

	return &JWTIssuer{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		key:      cfg.Key,
		keyID:    cfg.KeyID,
		method:   method,
		now:      time.Now,
	}, nil
}

// KeyID returns the kid placed in token headers.
func (i *JWTIssuer) KeyID() string { return i.keyID }

// Algorithm returns the JWS algorithm name.
func (i *JWTIssuer) Algorithm() string { return i.method.Alg() }

// Issue implements Issuer.
func (i *JWTIssuer) Issue(ctx context.Context, sub Subject) (*AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sub.Username == "" {
		return nil, errors.New("subject username is required")
	}

	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   sub.Username,
			Audience:  jwt.ClaimStrings{i.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		ClientID:    sub.ClientID,
		Permissions: uint64(sub.Permissions),
		Scope:       sub.Permissions.Names(),
	}

	token := jwt.NewWithClaims(i.method, claims)
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	return &AccessToken{Token: signed, ExpiresIn: i.ttl}, nil
}

// Verify parses and validates a token issued by i.
func (i *JWTIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if kid, _ := t.Header["kid"].(string); kid != i.keyID {
				return nil, fmt.Errorf("unknown key id %q", kid)
			}
			return i.key.Public(), nil
		},
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// JWKS returns the public key set for the discovery endpoint.
func (i *JWTIssuer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       i.key.Public(),
			KeyID:     i.keyID,
			Algorithm: i.method.Alg(),
			Use:       "sig",
		}},
	}
}
