package oauth

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/sentaku/authserver/clients"
	"github.com/sentaku/authserver/codetoken"
	"github.com/sentaku/authserver/internal/testutil"
	"github.com/sentaku/authserver/permissions"
	"github.com/sentaku/authserver/security"
	"github.com/sentaku/authserver/storage"
	"github.com/sentaku/authserver/storage/memory"
	"github.com/sentaku/authserver/tokens"
)

const (
	testIssuer    = "https://auth.example.com"
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	testPassword  = "correct horse battery staple"
	app1Redirect  = "https://app1/cb"
	confRedirect  = "https://conf.example.com/cb?tenant=a"
	confSecret    = "s3cret-value"
)

type fixture struct {
	server *Server
	issuer *tokens.JWTIssuer
	codec  *codetoken.Codec
	clock  *testutil.MockTime
	users  *memory.UserStore
}

// newFixture builds a server over in-memory collaborators. mutate may adjust
// the config and dependencies before construction.
func newFixture(t *testing.T, mutate func(*Config, *Dependencies)) *fixture {
	t.Helper()

	clk := testutil.NewMockTime(time.Now())

	key, err := security.GenerateKey()
	require.NoError(t, err)
	base, err := security.NewSealer(key)
	require.NoError(t, err)
	sealer := base.WithClock(clk.Now)

	dir, err := clients.New(
		clients.Client{ClientID: "app1", RedirectURIs: []string{app1Redirect}},
		clients.Client{ClientID: "app2", RedirectURIs: []string{"https://app2/cb"}},
		clients.Client{ClientID: "conf", RedirectURIs: []string{confRedirect}, ClientSecret: confSecret},
	)
	require.NoError(t, err)

	users := memory.NewUserStore()
	users.SetBcryptCost(bcrypt.MinCost)
	require.NoError(t, users.AddUser(storage.User{
		ID:       "u-alice",
		Username: "alice",
		Email:    "alice@example.com",
		Roles:    []string{"voter"},
	}, testPassword))
	require.NoError(t, users.AddUser(storage.User{
		ID:       "u-root",
		Username: "root",
		Roles:    []string{"administrator"},
	}, testPassword))

	signingKey, err := tokens.GenerateSigningKey()
	require.NoError(t, err)
	issuer, err := tokens.NewJWTIssuer(tokens.JWTConfig{Issuer: testIssuer, Key: signingKey})
	require.NoError(t, err)

	cfg := &Config{
		Issuer: testIssuer,
		Logger: slog.New(slog.DiscardHandler),
	}
	deps := Dependencies{
		Clients:     dir,
		Users:       users,
		Permissions: permissions.DefaultResolver(),
		Tokens:      issuer,
		Sealer:      sealer,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	srv, err := NewServer(deps, cfg)
	require.NoError(t, err)
	srv.now = clk.Now
	t.Cleanup(srv.Close)

	codec, err := codetoken.NewCodec(sealer, cfg.CodePurpose, cfg.CodeTTL)
	require.NoError(t, err)

	return &fixture{server: srv, issuer: issuer, codec: codec, clock: clk, users: users}
}

func validAuthRequest() AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:            "app1",
		RedirectURI:         app1Redirect,
		State:               "xyz",
		ResponseType:        "code",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: security.PKCEMethodS256,
		ClientIP:            "192.0.2.1",
	}
}

func validSignIn() SignInRequest {
	return SignInRequest{
		AuthorizationRequest: validAuthRequest(),
		Login:                "alice",
		Password:             testPassword,
	}
}

// signIn returns the code from a successful sign-in.
func (f *fixture) signIn(t *testing.T, req SignInRequest) string {
	t.Helper()
	location, target, err := f.server.SignIn(context.Background(), req)
	require.NoError(t, err)
	require.True(t, target.Trusted())

	u, err := url.Parse(location)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func validExchange(code string) TokenRequest {
	return TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  app1Redirect,
		ClientID:     "app1",
		CodeVerifier: testVerifier,
		ClientIP:     "192.0.2.1",
	}
}

func requireOAuthError(t *testing.T, err error, code string) *Error {
	t.Helper()
	require.Error(t, err)
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, code, oe.Code)
	return oe
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	f := newFixture(t, nil)
	full := Dependencies{
		Clients:     f.server.clients,
		Users:       f.server.users,
		Permissions: f.server.perms,
		Tokens:      f.server.issuer,
		Sealer:      nil,
	}

	_, err := NewServer(full, &Config{Issuer: testIssuer})
	assert.Error(t, err, "sealer is required")

	_, err = NewServer(Dependencies{}, &Config{Issuer: testIssuer})
	assert.Error(t, err)

	key, _ := security.GenerateKey()
	full.Sealer, _ = security.NewSealer(key)
	_, err = NewServer(full, &Config{Issuer: testIssuer, Security: SecurityConfig{SingleUseCodes: true}})
	assert.Error(t, err, "single-use codes need a store")

	_, err = NewServer(full, &Config{Issuer: "not a url"})
	assert.Error(t, err)
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*AuthorizationRequest)
		config      func(*Config, *Dependencies)
		wantCode    string
		wantTrusted bool
	}{
		{
			name:        "valid S256",
			wantTrusted: true,
		},
		{
			name:        "valid plain",
			mutate:      func(r *AuthorizationRequest) { r.CodeChallenge, r.CodeChallengeMethod = testVerifier, "plain" },
			wantTrusted: true,
		},
		{
			name: "unknown client wins over everything",
			mutate: func(r *AuthorizationRequest) {
				r.ClientID, r.RedirectURI, r.ResponseType = "nope", "https://evil/cb", "token"
			},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example/cb" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "redirect prefix is not a match",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = app1Redirect + "/extra" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "redirect of another client",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = "https://app2/cb" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:        "unsupported response type",
			mutate:      func(r *AuthorizationRequest) { r.ResponseType = "token" },
			wantCode:    ErrorCodeUnsupportedResponseType,
			wantTrusted: true,
		},
		{
			name:        "missing challenge",
			mutate:      func(r *AuthorizationRequest) { r.CodeChallenge, r.CodeChallengeMethod = "", "" },
			wantCode:    ErrorCodeInvalidRequest,
			wantTrusted: true,
		},
		{
			name:        "missing challenge allowed",
			mutate:      func(r *AuthorizationRequest) { r.CodeChallenge, r.CodeChallengeMethod = "", "" },
			config:      func(c *Config, _ *Dependencies) { c.Security.AllowMissingPKCE = true },
			wantTrusted: true,
		},
		{
			name:        "unknown method",
			mutate:      func(r *AuthorizationRequest) { r.CodeChallengeMethod = "S512" },
			wantCode:    ErrorCodeInvalidRequest,
			wantTrusted: true,
		},
		{
			name:        "empty method",
			mutate:      func(r *AuthorizationRequest) { r.CodeChallengeMethod = "" },
			wantCode:    ErrorCodeInvalidRequest,
			wantTrusted: true,
		},
		{
			name:        "plain disabled",
			mutate:      func(r *AuthorizationRequest) { r.CodeChallenge, r.CodeChallengeMethod = testVerifier, "plain" },
			config:      func(c *Config, _ *Dependencies) { c.Security.DisablePKCEPlain = true },
			wantCode:    ErrorCodeInvalidRequest,
			wantTrusted: true,
		},
		{
			name:        "short challenge",
			mutate:      func(r *AuthorizationRequest) { r.CodeChallenge = "abc" },
			wantCode:    ErrorCodeInvalidRequest,
			wantTrusted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.config)
			req := validAuthRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			target, err := f.server.Authorize(context.Background(), req)
			assert.Equal(t, tt.wantTrusted, target.Trusted())
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestSignIn_IssuesCode(t *testing.T) {
	f := newFixture(t, nil)

	location, target, err := f.server.SignIn(context.Background(), validSignIn())
	require.NoError(t, err)
	assert.True(t, target.Trusted())

	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "app1", u.Host)
	assert.Equal(t, "/cb", u.Path)
	assert.Equal(t, "xyz", u.Query().Get("state"))

	tok, err := f.codec.Open(u.Query().Get("code"))
	require.NoError(t, err)
	assert.Equal(t, "app1", tok.ClientID)
	assert.Equal(t, app1Redirect, tok.RedirectURI)
	assert.Equal(t, "u-alice", tok.UserID)
	assert.Equal(t, testChallenge, tok.CodeChallenge)
	assert.Equal(t, "S256", tok.CodeChallengeMethod)
	assert.WithinDuration(t, f.clock.Now().Add(5*time.Minute), tok.ExpiresAt, 2*time.Second)
}

func TestSignIn_KeepsRegisteredQuery(t *testing.T) {
	f := newFixture(t, nil)
	req := validSignIn()
	req.ClientID = "conf"
	req.RedirectURI = confRedirect

	location, _, err := f.server.SignIn(context.Background(), req)
	require.NoError(t, err)

	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "a", u.Query().Get("tenant"))
	assert.NotEmpty(t, u.Query().Get("code"))
}

func TestSignIn_LoginByEmail(t *testing.T) {
	f := newFixture(t, nil)
	req := validSignIn()
	req.Login = "ALICE@example.com"

	code := f.signIn(t, req)
	tok, err := f.codec.Open(code)
	require.NoError(t, err)
	assert.Equal(t, "u-alice", tok.UserID)
}

func TestSignIn_InvalidCredentials(t *testing.T) {
	tests := []struct {
		name     string
		login    string
		password string
	}{
		{"wrong password", "alice", "wrong"},
		{"unknown user", "mallory", testPassword},
		{"empty login", "", testPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := validSignIn()
			req.Login, req.Password = tt.login, tt.password

			location, _, err := f.server.SignIn(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
			assert.Empty(t, location)
		})
	}
}

func TestSignIn_RevalidatesClient(t *testing.T) {
	f := newFixture(t, nil)

	req := validSignIn()
	req.ClientID = "forged"
	_, target, err := f.server.SignIn(context.Background(), req)
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
	assert.False(t, target.Trusted())

	req = validSignIn()
	req.RedirectURI = "https://evil.example/cb"
	_, target, err = f.server.SignIn(context.Background(), req)
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
	assert.False(t, target.Trusted())
}

func TestSignIn_RevalidatesPKCEMethod(t *testing.T) {
	f := newFixture(t, nil)

	req := validSignIn()
	req.CodeChallengeMethod = "S512"
	location, target, err := f.server.SignIn(context.Background(), req)
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
	assert.True(t, target.Trusted())
	assert.Empty(t, location)
}

func TestSignIn_RateLimited(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Dependencies) {
		c.RateLimit = RateLimitConfig{PerMinute: 1, Burst: 2}
	})

	req := validSignIn()
	req.Password = "wrong"
	for i := 0; i < 2; i++ {
		_, _, err := f.server.SignIn(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, _, err := f.server.SignIn(context.Background(), validSignIn())
	assert.ErrorIs(t, err, ErrRateLimited)
}

// failingUsers fails or blocks selected operations.
type failingUsers struct {
	storage.UserStore
	findErr  error
	byIDErr  error
	blockIDs bool
}

func (u *failingUsers) FindByUsername(ctx context.Context, name string) (*storage.User, error) {
	if u.findErr != nil {
		return nil, u.findErr
	}
	return u.UserStore.FindByUsername(ctx, name)
}

func (u *failingUsers) FindByID(ctx context.Context, id string) (*storage.User, error) {
	if u.blockIDs {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if u.byIDErr != nil {
		return nil, u.byIDErr
	}
	return u.UserStore.FindByID(ctx, id)
}

func TestSignIn_StoreFailure(t *testing.T) {
	storeErr := errors.New("connection refused")
	f := newFixture(t, func(_ *Config, d *Dependencies) {
		d.Users = &failingUsers{UserStore: d.Users, findErr: storeErr}
	})

	_, target, err := f.server.SignIn(context.Background(), validSignIn())
	oe := requireOAuthError(t, err, ErrorCodeServerError)
	assert.True(t, target.Trusted())
	assert.ErrorIs(t, err, storeErr)
	assert.NotContains(t, oe.Description, "connection refused")
}

func TestExchange_Success(t *testing.T) {
	f := newFixture(t, nil)
	code := f.signIn(t, validSignIn())

	resp, err := f.server.Exchange(context.Background(), validExchange(code))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	claims, err := f.issuer.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "app1", claims.ClientID)
	assert.Equal(t, uint64(permissions.ViewPolls|permissions.Vote), claims.Permissions)
}

func TestExchange_AdministratorGetsAll(t *testing.T) {
	f := newFixture(t, nil)
	req := validSignIn()
	req.Login = "root"
	code := f.signIn(t, req)

	resp, err := f.server.Exchange(context.Background(), validExchange(code))
	require.NoError(t, err)

	claims, err := f.issuer.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, uint64(permissions.All), claims.Permissions)
}

func TestExchange_PlainPKCE(t *testing.T) {
	f := newFixture(t, nil)
	req := validSignIn()
	req.CodeChallenge, req.CodeChallengeMethod = testVerifier, "plain"
	code := f.signIn(t, req)

	_, err := f.server.Exchange(context.Background(), validExchange(code))
	assert.NoError(t, err)
}

func TestExchange_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*TokenRequest)
		wantCode string
		wantDesc string
	}{
		{
			name:     "unsupported grant",
			mutate:   func(r *TokenRequest) { r.GrantType = "refresh_token" },
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name:     "missing grant",
			mutate:   func(r *TokenRequest) { r.GrantType = "" },
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name:     "unknown client",
			mutate:   func(r *TokenRequest) { r.ClientID = "nope" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "public client sending a secret",
			mutate:   func(r *TokenRequest) { r.ClientSecret = "guess" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing code",
			mutate:   func(r *TokenRequest) { r.Code = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "garbage code",
			mutate:   func(r *TokenRequest) { r.Code = "not-a-code" },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: "authorization code is invalid",
		},
		{
			name:     "tampered code",
			mutate:   func(r *TokenRequest) { r.Code = tamper(r.Code) },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: "authorization code is invalid",
		},
		{
			name:     "other client",
			mutate:   func(r *TokenRequest) { r.ClientID = "app2" },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: "authorization code is invalid",
		},
		{
			name:     "other redirect",
			mutate:   func(r *TokenRequest) { r.RedirectURI = "https://app2/cb" },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: "authorization code is invalid",
		},
		{
			name:     "wrong verifier",
			mutate:   func(r *TokenRequest) { r.CodeVerifier = oauth2.GenerateVerifier() },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: "authorization code is invalid",
		},
		{
			name:     "missing verifier",
			mutate:   func(r *TokenRequest) { r.CodeVerifier = "" },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: "authorization code is invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := validExchange(f.signIn(t, validSignIn()))
			tt.mutate(&req)

			resp, err := f.server.Exchange(context.Background(), req)
			assert.Nil(t, resp)
			oe := requireOAuthError(t, err, tt.wantCode)
			if tt.wantDesc != "" {
				assert.Equal(t, tt.wantDesc, oe.Description)
			}
		})
	}
}

func TestExchange_FailureKindsAreDistinguishable(t *testing.T) {
	f := newFixture(t, nil)
	code := f.signIn(t, validSignIn())

	req := validExchange(code)
	req.ClientID = "app2"
	_, err := f.server.Exchange(context.Background(), req)
	assert.Equal(t, codetoken.ClientMismatch, codetoken.KindOf(err))

	req = validExchange(code)
	req.RedirectURI = "https://app1/other"
	_, err = f.server.Exchange(context.Background(), req)
	assert.Equal(t, codetoken.RedirectMismatch, codetoken.KindOf(err))

	req = validExchange(code)
	req.CodeVerifier = "wrong-verifier"
	_, err = f.server.Exchange(context.Background(), req)
	assert.Equal(t, codetoken.PKCEMismatch, codetoken.KindOf(err))

	req = validExchange(tamper(code))
	_, err = f.server.Exchange(context.Background(), req)
	assert.Equal(t, codetoken.Unseal, codetoken.KindOf(err))
	assert.Equal(t, security.SealTampered, security.SealFailureOf(err))
}

func TestExchange_Expiry(t *testing.T) {
	f := newFixture(t, nil)
	code := f.signIn(t, validSignIn())

	f.clock.Advance(4*time.Minute + 59*time.Second)
	_, err := f.server.Exchange(context.Background(), validExchange(code))
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.server.Exchange(context.Background(), validExchange(code))
	oe := requireOAuthError(t, err, ErrorCodeInvalidGrant)
	assert.Equal(t, "authorization code has expired", oe.Description)
	assert.Equal(t, security.SealExpired, security.SealFailureOf(err))
}

func TestExchange_ConfidentialClient(t *testing.T) {
	f := newFixture(t, nil)
	req := validSignIn()
	req.ClientID, req.RedirectURI = "conf", confRedirect
	code := f.signIn(t, req)

	exchange := validExchange(code)
	exchange.ClientID, exchange.RedirectURI = "conf", confRedirect

	_, err := f.server.Exchange(context.Background(), exchange)
	requireOAuthError(t, err, ErrorCodeInvalidClient)

	exchange.ClientSecret = "wrong"
	_, err = f.server.Exchange(context.Background(), exchange)
	requireOAuthError(t, err, ErrorCodeInvalidClient)

	exchange.ClientSecret = confSecret
	_, err = f.server.Exchange(context.Background(), exchange)
	assert.NoError(t, err)
}

func TestExchange_ReplayAllowedByDefault(t *testing.T) {
	f := newFixture(t, nil)
	code := f.signIn(t, validSignIn())

	_, err := f.server.Exchange(context.Background(), validExchange(code))
	require.NoError(t, err)
	_, err = f.server.Exchange(context.Background(), validExchange(code))
	assert.NoError(t, err, "codes are replayable until expiry unless single-use is enabled")
}

func TestExchange_SingleUseCodes(t *testing.T) {
	consumed := memory.NewConsumedCodes()
	t.Cleanup(consumed.Stop)

	f := newFixture(t, func(c *Config, d *Dependencies) {
		c.Security.SingleUseCodes = true
		d.ConsumedCodes = consumed
	})
	code := f.signIn(t, validSignIn())

	_, err := f.server.Exchange(context.Background(), validExchange(code))
	require.NoError(t, err)

	_, err = f.server.Exchange(context.Background(), validExchange(code))
	oe := requireOAuthError(t, err, ErrorCodeInvalidGrant)
	assert.Equal(t, "authorization code is invalid", oe.Description)
	assert.Equal(t, codetoken.Replayed, codetoken.KindOf(err))
	assert.Equal(t, 1, consumed.Len())
}

func TestExchange_FailedValidationDoesNotConsume(t *testing.T) {
	consumed := memory.NewConsumedCodes()
	t.Cleanup(consumed.Stop)

	f := newFixture(t, func(c *Config, d *Dependencies) {
		c.Security.SingleUseCodes = true
		d.ConsumedCodes = consumed
	})
	code := f.signIn(t, validSignIn())

	bad := validExchange(code)
	bad.CodeVerifier = "wrong-verifier"
	_, err := f.server.Exchange(context.Background(), bad)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = f.server.Exchange(context.Background(), validExchange(code))
	assert.NoError(t, err)
}

func TestExchange_UserGone(t *testing.T) {
	f := newFixture(t, func(_ *Config, d *Dependencies) {
		d.Users = &failingUsers{UserStore: d.Users, byIDErr: storage.ErrUserNotFound}
	})
	code := f.signIn(t, validSignIn())

	_, err := f.server.Exchange(context.Background(), validExchange(code))
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestExchange_StoreTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config, d *Dependencies) {
		c.StoreTimeout = 20 * time.Millisecond
		d.Users = &failingUsers{UserStore: d.Users, blockIDs: true}
	})
	code := f.signIn(t, validSignIn())

	start := time.Now()
	_, err := f.server.Exchange(context.Background(), validExchange(code))
	requireOAuthError(t, err, ErrorCodeServerError)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// tamper flips one bit of the decoded code.
func tamper(code string) string {
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		panic(err)
	}
	raw[len(raw)-1] ^= 0x01
	return base64.RawURLEncoding.EncodeToString(raw)
}
