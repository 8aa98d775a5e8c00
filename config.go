package oauth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/sentaku/authserver/codetoken"
	"github.com/sentaku/authserver/instrumentation"
	"github.com/sentaku/authserver/internal/util"
)

// Endpoint paths served by Handler.Routes.
const (
	AuthorizePath = "/oauth2/authorize"
	SignInPath    = "/oauth2/signin-code"
	TokenPath     = "/oauth2/token"
	MetadataPath  = "/.well-known/oauth-authorization-server"
	JWKSPath      = "/.well-known/jwks.json"
)

// DefaultStoreTimeout bounds each call to the user store, the permission
// resolver, the token issuer and the consumed-code store.
const DefaultStoreTimeout = 5 * time.Second

// Config holds the authorization server configuration
type Config struct {
	// Issuer is the externally visible base URL of this server (required).
	// Used for metadata and to decide whether to send HSTS.
	Issuer string

	// CodePurpose names the sealing purpose for authorization codes. Every
	// process that seals or unseals codes must use the same value.
	// Default: "authserver.oauth2.code"
	CodePurpose string

	// CodeTTL is how long an authorization code stays redeemable.
	// Default: 5 minutes
	CodeTTL time.Duration

	// StoreTimeout bounds each collaborator call. Failures are not retried.
	// Default: 5 seconds
	StoreTimeout time.Duration

	// Security settings (secure by default)
	Security SecurityConfig

	// Rate limiting for the sign-in endpoint
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation for metrics and tracing (optional, no-op if not provided)
	Instrumentation *instrumentation.Instrumentation
}

// SecurityConfig holds protocol security settings. The zero value requires
// PKCE and accepts both S256 and plain challenges.
type SecurityConfig struct {
	// AllowMissingPKCE lets authorization requests omit code_challenge.
	// WARNING: codes without a challenge can be redeemed by anyone who
	// intercepts them.
	AllowMissingPKCE bool

	// DisablePKCEPlain rejects the plain code_challenge_method.
	DisablePKCEPlain bool

	// SingleUseCodes rejects a second exchange of the same code. Requires a
	// consumed-code store. When false, a code can be redeemed until it expires.
	SingleUseCodes bool

	// EnableAuditLogging emits security audit events (identifiers hashed).
	EnableAuditLogging bool
}

// RateLimitConfig holds sign-in rate limiting configuration
type RateLimitConfig struct {
	// PerMinute is sign-in attempts allowed per IP and per login. Zero disables.
	PerMinute float64

	// Burst is the maximum burst size. Default: 5
	Burst int

	// MaxEntries caps the number of tracked keys. Default: 10000
	MaxEntries int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of this server.
	// Default: 1
	TrustedProxyCount int
}

// RequirePKCE reports whether code_challenge is mandatory.
func (c *Config) RequirePKCE() bool { return !c.Security.AllowMissingPKCE }

// AllowPKCEPlain reports whether the plain method is accepted.
func (c *Config) AllowPKCEPlain() bool { return !c.Security.DisablePKCEPlain }

// AuthorizationEndpoint returns the absolute authorize URL.
func (c *Config) AuthorizationEndpoint() string { return c.endpoint(AuthorizePath) }

// TokenEndpoint returns the absolute token URL.
func (c *Config) TokenEndpoint() string { return c.endpoint(TokenPath) }

// JWKSEndpoint returns the absolute JWKS URL.
func (c *Config) JWKSEndpoint() string { return c.endpoint(JWKSPath) }

func (c *Config) endpoint(path string) string {
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return c.Issuer + path
	}
	return u.JoinPath(path).String()
}

// applyDefaults fills unset fields and warns about weakened settings.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Instrumentation == nil {
		c.Instrumentation = instrumentation.NewNoop()
	}
	if c.CodePurpose == "" {
		c.CodePurpose = codetoken.DefaultPurpose
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = codetoken.DefaultTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.RateLimit.PerMinute > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	if c.RateLimit.TrustedProxyCount <= 0 {
		c.RateLimit.TrustedProxyCount = 1
	}

	if u, err := url.Parse(c.Issuer); err == nil && util.IsInsecureRemote(u) {
		c.Logger.Warn("SECURITY WARNING: Issuer uses plain HTTP on a non-loopback host",
			"issuer", c.Issuer,
			"risk", "Credentials and authorization codes sent in cleartext")
	}
	if c.Security.AllowMissingPKCE {
		c.Logger.Warn("SECURITY WARNING: PKCE is optional",
			"risk", "Authorization code interception",
			"recommendation", "Leave AllowMissingPKCE unset")
	}
	if !c.Security.SingleUseCodes {
		c.Logger.Info("Authorization codes are replayable until they expire",
			"code_ttl", c.CodeTTL,
			"recommendation", "Set SingleUseCodes=true with a consumed-code store")
	}
	if c.RateLimit.TrustProxy {
		c.Logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"trusted_proxy_count", c.RateLimit.TrustedProxyCount)
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("issuer scheme must be http or https, got %q", u.Scheme)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}
	if c.CodeTTL > time.Hour {
		return fmt.Errorf("code TTL %s is too long, maximum is 1h", c.CodeTTL)
	}
	if c.RateLimit.PerMinute < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}
