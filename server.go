package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentaku/authserver/clients"
	"github.com/sentaku/authserver/codetoken"
	"github.com/sentaku/authserver/instrumentation"
	"github.com/sentaku/authserver/internal/util"
	"github.com/sentaku/authserver/permissions"
	"github.com/sentaku/authserver/security"
	"github.com/sentaku/authserver/storage"
	"github.com/sentaku/authserver/tokens"
)

var (
	// ErrInvalidCredentials is returned by SignIn when the login or password
	// is wrong. The form is shown again; no code is issued.
	ErrInvalidCredentials = errors.New("invalid login or password")

	// ErrRateLimited is returned by SignIn when the caller exceeded the
	// sign-in rate limit.
	ErrRateLimited = errors.New("too many sign-in attempts")
)

// RFC 7636 section 4.2
var codeChallengePattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// Dependencies are the collaborators a Server consumes.
type Dependencies struct {
	Clients     *clients.Directory
	Users       storage.UserStore
	Permissions permissions.Resolver
	Tokens      tokens.Issuer
	Sealer      *security.Sealer

	// ConsumedCodes is required when Security.SingleUseCodes is set.
	ConsumedCodes storage.ConsumedCodeStore
}

// Server implements the authorization code flow independent of HTTP.
// It holds no per-request state and is safe for concurrent use.
type Server struct {
	Config          *Config
	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter
	Instrumentation *instrumentation.Instrumentation

	clients  *clients.Directory
	users    storage.UserStore
	perms    permissions.Resolver
	issuer   tokens.Issuer
	codec    *codetoken.Codec
	consumed storage.ConsumedCodeStore

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewServer creates a new authorization server
func NewServer(deps Dependencies, config *Config) (*Server, error) {
	if deps.Clients == nil {
		return nil, fmt.Errorf("client directory is required")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if deps.Permissions == nil {
		return nil, fmt.Errorf("permission resolver is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if config == nil {
		config = &Config{}
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Security.SingleUseCodes && deps.ConsumedCodes == nil {
		return nil, fmt.Errorf("single-use codes require a consumed-code store")
	}

	codec, err := codetoken.NewCodec(deps.Sealer, config.CodePurpose, config.CodeTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Config:          config,
		Auditor:         security.NewAuditor(config.Logger, config.Security.EnableAuditLogging),
		Instrumentation: config.Instrumentation,
		clients:         deps.Clients,
		users:           deps.Users,
		perms:           deps.Permissions,
		issuer:          deps.Tokens,
		codec:           codec,
		consumed:        deps.ConsumedCodes,
		logger:          config.Logger,
		tracer:          config.Instrumentation.Tracer("oauth"),
		metrics:         config.Instrumentation.Metrics(),
		now:             time.Now,
	}

	if config.RateLimit.PerMinute > 0 {
		s.RateLimiter = security.NewRateLimiter(
			config.RateLimit.PerMinute,
			config.RateLimit.Burst,
			config.RateLimit.MaxEntries,
			config.Logger,
		)
	}

	return s, nil
}

// Close stops background work.
func (s *Server) Close() {
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
}

// storeContext bounds a single collaborator call.
func (s *Server) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.StoreTimeout)
}

// Authorize validates an authorization request. The returned target is
// trusted once client_id and redirect_uri have been verified; errors returned
// with an untrusted target must not be redirected.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest) (ResponseTarget, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.authorize")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)
	s.addClientIP(span, req.ClientIP)

	client, ok := s.clients.Lookup(req.ClientID)
	if !ok {
		s.logger.Warn("Authorization request for unknown client", "client_id", util.Label(req.ClientID))
		s.metrics.RecordAuthorize(ctx, "", ErrorCodeInvalidClient)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventUnknownClient,
			ClientID:  util.Label(req.ClientID),
			IPAddress: req.ClientIP,
		})
		instrumentation.SetSpanError(span, "unknown client")
		return ResponseTarget{}, ErrInvalidClient("unknown client_id")
	}

	target, ok := verifyRedirect(client, req.RedirectURI, req.State)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRedirectTrusted, ok))
	if !ok {
		s.logger.Warn("Authorization request with unregistered redirect_uri", "client_id", client.ClientID)
		s.metrics.RecordAuthorize(ctx, client.ClientID, ErrorCodeInvalidRequest)
		s.Auditor.LogInvalidRedirect(client.ClientID, req.ClientIP, req.RedirectURI)
		instrumentation.SetSpanError(span, "redirect_uri not registered")
		return target, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	if req.ResponseType != responseTypeCode {
		s.metrics.RecordAuthorize(ctx, client.ClientID, ErrorCodeUnsupportedResponseType)
		instrumentation.SetSpanError(span, "unsupported response_type")
		return target, ErrUnsupportedResponseType(`response_type must be "code"`)
	}

	if err := s.checkPKCEParams(ctx, req); err != nil {
		s.metrics.RecordAuthorize(ctx, client.ClientID, ErrorCodeInvalidRequest)
		instrumentation.SetSpanError(span, "invalid PKCE parameters")
		return target, err
	}

	s.metrics.RecordAuthorize(ctx, client.ClientID, "form")
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationFormServed,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
	})
	instrumentation.SetSpanSuccess(span)
	return target, nil
}

// checkPKCEParams runs before any code exists, so no code is ever minted for
// a method the token endpoint cannot verify.
func (s *Server) checkPKCEParams(ctx context.Context, req AuthorizationRequest) *Error {
	if req.CodeChallenge == "" {
		if req.CodeChallengeMethod != "" {
			return ErrInvalidRequest("code_challenge_method requires code_challenge")
		}
		if s.Config.RequirePKCE() {
			return ErrInvalidRequest("code_challenge is required")
		}
		return nil
	}

	if req.CodeChallengeMethod == "" {
		return ErrInvalidRequest("code_challenge_method is required")
	}
	if err := security.ValidatePKCEMethod(req.CodeChallengeMethod, s.Config.AllowPKCEPlain()); err != nil {
		s.metrics.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"method": req.CodeChallengeMethod},
		})
		return ErrInvalidRequest("unsupported code_challenge_method")
	}
	if !codeChallengePattern.MatchString(req.CodeChallenge) {
		return ErrInvalidRequest("code_challenge is malformed")
	}
	return nil
}

// SignIn verifies credentials and issues an authorization code. On success
// it returns the redirect carrying the code. ErrInvalidCredentials and
// ErrRateLimited mean the form should be shown again. An *Error is delivered
// by redirect only if the returned target is trusted.
func (s *Server) SignIn(ctx context.Context, req SignInRequest) (string, ResponseTarget, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.signin")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "")
	s.addClientIP(span, req.ClientIP)

	client, _ := s.clients.Lookup(req.ClientID)
	target, _ := verifyRedirect(client, req.RedirectURI, req.State)

	if s.RateLimiter != nil && !s.RateLimiter.AllowSignIn(req.ClientIP, req.Login) {
		s.logger.Warn("Sign-in rate limit exceeded", "ip", req.ClientIP)
		s.metrics.RecordRateLimitExceeded(ctx, "signin")
		s.metrics.RecordSignIn(ctx, "rate_limited")
		s.Auditor.LogRateLimitExceeded(req.ClientIP, req.Login)
		instrumentation.SetSpanError(span, "rate limited")
		return "", target, ErrRateLimited
	}

	user, err := s.authenticate(ctx, req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.metrics.RecordSignIn(ctx, "invalid_credentials")
			s.Auditor.LogAuthFailure(req.Login, req.ClientID, req.ClientIP, "invalid_credentials")
			instrumentation.SetSpanError(span, "invalid credentials")
			return "", target, err
		}
		s.logger.Error("Credential store failure during sign-in", "error", err)
		s.metrics.RecordSignIn(ctx, "error")
		instrumentation.RecordError(span, err)
		return "", target, ErrServerError("unable to verify credentials").withCause(err)
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, user.ID)

	// The form is untrusted input: client and redirect are checked again.
	if client == nil {
		s.metrics.RecordSignIn(ctx, "invalid_client")
		instrumentation.SetSpanError(span, "unknown client")
		return "", target, ErrInvalidRequest("unknown client_id")
	}
	if !target.Trusted() {
		s.metrics.RecordSignIn(ctx, "invalid_redirect")
		s.Auditor.LogInvalidRedirect(client.ClientID, req.ClientIP, req.RedirectURI)
		instrumentation.SetSpanError(span, "redirect_uri not registered")
		return "", target, ErrInvalidRequest("redirect_uri is not registered for this client")
	}
	if perr := s.checkPKCEParams(ctx, req.AuthorizationRequest); perr != nil {
		s.metrics.RecordSignIn(ctx, "invalid_request")
		instrumentation.SetSpanError(span, "invalid PKCE parameters")
		return "", target, perr
	}

	code, err := s.codec.Issue(codetoken.CodeToken{
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		UserID:              user.ID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		s.logger.Error("Failed to issue authorization code", "error", err)
		s.metrics.RecordSignIn(ctx, "error")
		instrumentation.RecordError(span, err)
		return "", target, ErrServerError("unable to issue authorization code").withCause(err)
	}

	location, err := target.Location(url.Values{"code": {code}})
	if err != nil {
		return "", target, ErrServerError("unable to build redirect").withCause(err)
	}

	s.metrics.RecordSignIn(ctx, "success")
	s.metrics.RecordCodeIssued(ctx, client.ClientID, req.CodeChallengeMethod)
	s.Auditor.LogCodeIssued(user.ID, client.ClientID, req.ClientIP, req.CodeChallengeMethod)
	instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)
	instrumentation.SetSpanSuccess(span)
	return location, target, nil
}

// authenticate resolves the login by username, then email, and checks the
// password.
func (s *Server) authenticate(ctx context.Context, req SignInRequest) (*storage.User, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.findUser(ctx, req.Login)
	if errors.Is(err, storage.ErrUserNotFound) {
		// same bcrypt cost as a wrong password
		_ = storage.ComparePassword(nil, req.Password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := s.users.VerifyPassword(ctx, user, req.Password); err != nil {
		if errors.Is(err, storage.ErrInvalidPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return user, nil
}

func (s *Server) findUser(ctx context.Context, login string) (*storage.User, error) {
	if login == "" {
		return nil, storage.ErrUserNotFound
	}
	user, err := s.users.FindByUsername(ctx, login)
	if !errors.Is(err, storage.ErrUserNotFound) {
		return user, err
	}
	return s.users.FindByEmail(ctx, login)
}

// Exchange redeems an authorization code for an access token. Every error is
// an *Error written directly to the caller.
func (s *Server) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.token")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID),
	)
	s.addClientIP(span, req.ClientIP)

	if req.GrantType != grantTypeAuthCode {
		instrumentation.SetSpanError(span, "unsupported grant_type")
		return nil, ErrUnsupportedGrantType(`grant_type must be "authorization_code"`)
	}

	client, oerr := s.authenticateClient(req)
	if oerr != nil {
		s.metrics.RecordCodeExchange(ctx, "", ErrorCodeInvalidClient)
		instrumentation.SetSpanError(span, "client authentication failed")
		return nil, oerr
	}

	if req.Code == "" {
		s.metrics.RecordCodeExchange(ctx, client.ClientID, ErrorCodeInvalidRequest)
		return nil, ErrInvalidRequest("code is required")
	}

	tok, err := s.codec.Open(req.Code)
	if err != nil {
		return nil, s.exchangeFailure(ctx, span, req, "", err)
	}
	if exp, ok := codetoken.ExpiresAt(req.Code); ok {
		if drift, drifted := security.ExpiryDrift(tok.ExpiresAt, exp); drifted {
			s.logger.Warn("Code payload expiry differs from envelope expiry",
				"client_id", client.ClientID, "drift", drift)
		}
	}

	if err := tok.Validate(client.ClientID, req.RedirectURI, req.CodeVerifier); err != nil {
		if codetoken.KindOf(err) == codetoken.PKCEMismatch {
			s.metrics.RecordPKCEValidationFailed(ctx, tok.CodeChallengeMethod)
		}
		return nil, s.exchangeFailure(ctx, span, req, tok.UserID, err)
	}

	if s.Config.Security.SingleUseCodes {
		if oerr := s.consumeCode(ctx, span, req, tok); oerr != nil {
			return nil, oerr
		}
	}

	resp, oerr := s.issueToken(ctx, span, client, tok, req.ClientIP)
	if oerr != nil {
		return nil, oerr
	}

	s.metrics.RecordCodeExchange(ctx, client.ClientID, "success")
	instrumentation.AddPKCEAttributes(span, tok.CodeChallengeMethod)
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// authenticateClient resolves the client and checks its secret when it has one.
func (s *Server) authenticateClient(req TokenRequest) (*clients.Client, *Error) {
	if req.ClientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}
	client, ok := s.clients.Lookup(req.ClientID)
	if !ok {
		s.logger.Warn("Token request for unknown client", "client_id", util.Label(req.ClientID), "ip", req.ClientIP)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventUnknownClient,
			ClientID:  util.Label(req.ClientID),
			IPAddress: req.ClientIP,
		})
		return nil, ErrInvalidClient("unknown client_id")
	}
	if !client.VerifySecret(req.ClientSecret) {
		s.logger.Warn("Client authentication failed", "client_id", client.ClientID, "ip", req.ClientIP)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientAuthFailed,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// exchangeFailure logs the precise reason and returns the generic grant error.
func (s *Server) exchangeFailure(ctx context.Context, span trace.Span, req TokenRequest, userID string, err error) *Error {
	reason := codetoken.Reason(err)
	s.logger.Warn("Authorization code rejected",
		"client_id", req.ClientID,
		"reason", reason,
		"request_id", security.GetRequestID(ctx))
	s.metrics.RecordCodeExchange(ctx, req.ClientID, reason)
	s.Auditor.LogExchangeFailure(userID, req.ClientID, req.ClientIP, reason)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrFailureKind, reason))
	instrumentation.SetSpanError(span, "authorization code rejected")

	desc := "authorization code is invalid"
	if security.SealFailureOf(err) == security.SealExpired {
		desc = "authorization code has expired"
	}
	instrumentation.AddOAuthErrorAttributes(span, ErrorCodeInvalidGrant, desc)
	return ErrInvalidGrant(desc).withCause(err)
}

// addClientIP puts the caller's address on span when Instrumentation allows it.
func (s *Server) addClientIP(span trace.Span, ip string) {
	if s.Instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, ip)
	}
}

// consumeCode records the code as used, rejecting a second presentation.
func (s *Server) consumeCode(ctx context.Context, span trace.Span, req TokenRequest, tok *codetoken.CodeToken) *Error {
	ttl := time.Second
	if exp, ok := codetoken.ExpiresAt(req.Code); ok {
		if remaining := exp.Sub(s.now()); remaining > ttl {
			ttl = remaining
		}
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	already, err := s.consumed.MarkConsumed(sctx, storage.CodeKey(req.Code), ttl)
	if err != nil {
		s.logger.Error("Consumed-code store failure", "error", err)
		s.metrics.RecordCodeExchange(ctx, req.ClientID, "error")
		instrumentation.RecordError(span, err)
		return ErrServerError("unable to redeem authorization code").withCause(err)
	}
	if already {
		s.metrics.RecordCodeReuseDetected(ctx)
		s.Auditor.LogCodeReplay(tok.UserID, req.ClientID, req.ClientIP)
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, true))
		return s.exchangeFailure(ctx, span, req, tok.UserID, codetoken.NewReplayError())
	}
	return nil
}

// issueToken loads the user, resolves permissions and signs the token.
func (s *Server) issueToken(ctx context.Context, span trace.Span, client *clients.Client, tok *codetoken.CodeToken, clientIP string) (*TokenResponse, *Error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.users.FindByID(sctx, tok.UserID)
	if errors.Is(err, storage.ErrUserNotFound) {
		s.metrics.RecordCodeExchange(ctx, client.ClientID, "unknown_user")
		instrumentation.SetSpanError(span, "user not found")
		return nil, ErrInvalidRequest("user no longer exists")
	}
	if err != nil {
		s.logger.Error("Failed to load user for token", "error", err)
		s.metrics.RecordCodeExchange(ctx, client.ClientID, "error")
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("unable to load user").withCause(err)
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, user.ID)

	perms, err := s.perms.Resolve(sctx, user.Roles)
	if err != nil {
		s.logger.Error("Failed to resolve permissions", "error", err)
		s.metrics.RecordCodeExchange(ctx, client.ClientID, "error")
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("unable to resolve permissions").withCause(err)
	}

	access, err := s.issuer.Issue(sctx, tokens.Subject{
		UserID:      user.ID,
		Username:    user.Username,
		ClientID:    client.ClientID,
		Permissions: perms,
	})
	if err != nil {
		s.logger.Error("Failed to issue access token", "error", err)
		s.metrics.RecordCodeExchange(ctx, client.ClientID, "error")
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("unable to issue access token").withCause(err)
	}

	s.metrics.RecordTokenIssued(ctx, client.ClientID)
	s.Auditor.LogTokenIssued(user.ID, client.ClientID, clientIP, uint64(perms))
	return &TokenResponse{
		AccessToken: access.Token,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(access.ExpiresIn / time.Second),
	}, nil
}
