package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentaku/authserver/instrumentation"
	"github.com/sentaku/authserver/security"
)

// maxFormBytes bounds sign-in and token request bodies.
const maxFormBytes = 64 << 10

// KeySetProvider is implemented by token issuers that can publish their
// verification keys.
type KeySetProvider interface {
	JWKS() jose.JSONWebKeySet
}

// Handler is a thin HTTP adapter for the Server.
type Handler struct {
	server *Server
	logger *slog.Logger
	ips    security.ClientIPResolver
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{
		server: server,
		logger: logger,
		ips: security.ClientIPResolver{
			TrustProxy:     server.Config.RateLimit.TrustProxy,
			TrustedProxies: server.Config.RateLimit.TrustedProxyCount,
		},
	}
}

// Routes mounts every endpoint on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		http.Error(w, "Not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	r.With(h.instrument("authorize")).Get(AuthorizePath, h.ServeAuthorize)
	r.With(h.instrument("signin")).Post(SignInPath, h.ServeSignIn)
	r.With(h.instrument("token")).Post(TokenPath, h.ServeToken)
	r.With(h.instrument("metadata")).Get(MetadataPath, h.ServeAuthorizationServerMetadata)
	r.With(h.instrument("jwks")).Get(JWKSPath, h.ServeJWKS)
	return r
}

// instrument records request count and latency per endpoint.
func (h *Handler) instrument(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := h.server.tracer.Start(r.Context(), "http."+endpoint, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
			duration := float64(time.Since(start).Microseconds()) / 1000
			h.server.metrics.RecordHTTPRequest(ctx, r.Method, endpoint, status, duration)
		})
	}
}

// ServeAuthorize handles GET /oauth2/authorize and shows the login form.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	req := AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		ResponseType:        q.Get("response_type"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ClientIP:            h.ips.ClientIP(r),
	}

	target, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		h.respondError(w, r, target, err)
		return
	}

	h.renderForm(w, r, http.StatusOK, loginView{Request: req})
}

// ServeSignIn handles POST /oauth2/signin-code.
func (h *Handler) ServeSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, ErrInvalidRequest("failed to parse form"))
		return
	}

	login := r.PostForm.Get("login")
	if login == "" {
		login = r.PostForm.Get("username")
	}
	req := SignInRequest{
		AuthorizationRequest: AuthorizationRequest{
			ClientID:            r.PostForm.Get("client_id"),
			RedirectURI:         r.PostForm.Get("redirect_uri"),
			State:               r.PostForm.Get("state"),
			ResponseType:        responseTypeCode,
			CodeChallenge:       r.PostForm.Get("code_challenge"),
			CodeChallengeMethod: r.PostForm.Get("code_challenge_method"),
			ClientIP:            h.ips.ClientIP(r),
		},
		Login:    login,
		Password: r.PostForm.Get("password"),
	}

	location, target, err := h.server.SignIn(r.Context(), req)
	view := loginView{Request: req.AuthorizationRequest, Login: req.Login}

	switch {
	case err == nil:
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		http.Redirect(w, r, location, http.StatusFound)
	case errors.Is(err, ErrInvalidCredentials):
		view.Error = "Invalid login or password."
		h.renderForm(w, r, http.StatusOK, view)
	case errors.Is(err, ErrRateLimited):
		view.Error = "Too many sign-in attempts. Please try again later."
		w.Header().Set("Retry-After", "60")
		h.renderForm(w, r, http.StatusTooManyRequests, view)
	case target.Trusted():
		h.respondError(w, r, target, err)
	default:
		// never redirect to an unverified URI
		oe := AsError(err)
		h.logCause(r.Context(), oe)
		view.Error = oe.Description
		status := http.StatusOK
		if oe.Code == ErrorCodeServerError {
			status = http.StatusInternalServerError
		}
		h.renderForm(w, r, status, view)
	}
}

// ServeToken handles POST /oauth2/token.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, ErrInvalidRequest("failed to parse request"))
		return
	}

	req := TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		ClientIP:     h.ips.ClientIP(r),
	}
	basic := h.applyBasicAuth(r, &req)

	resp, err := h.server.Exchange(r.Context(), req)
	if err != nil {
		oe := AsError(err)
		h.logCause(r.Context(), oe)
		if oe.Status == http.StatusUnauthorized && basic {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		h.writeError(w, r, oe)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// applyBasicAuth lets client_secret_basic credentials override form values.
// RFC 6749 section 2.3.1 form-encodes both parts.
func (h *Handler) applyBasicAuth(r *http.Request, req *TokenRequest) bool {
	id, secret, ok := r.BasicAuth()
	if !ok {
		return false
	}
	if v, err := url.QueryUnescape(id); err == nil {
		id = v
	}
	if v, err := url.QueryUnescape(secret); err == nil {
		secret = v
	}
	req.ClientID = id
	req.ClientSecret = secret
	return true
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.server.Config
	methods := []string{security.PKCEMethodS256}
	if cfg.AllowPKCEPlain() {
		methods = append(methods, security.PKCEMethodPlain)
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     cfg.TokenEndpoint(),
		ResponseTypesSupported:            []string{responseTypeCode},
		GrantTypesSupported:               []string{grantTypeAuthCode},
		TokenEndpointAuthMethodsSupported: []string{tokenAuthNone, tokenAuthSecretPost, tokenAuthSecretBasic},
		CodeChallengeMethodsSupported:     methods,
	}
	if _, ok := h.server.issuer.(KeySetProvider); ok {
		metadata.JWKSURI = cfg.JWKSEndpoint()
	}

	security.SetSecurityHeaders(w, cfg.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeJWKS publishes the access token verification keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	provider, ok := h.server.issuer.(KeySetProvider)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Del("Pragma")
	_ = json.NewEncoder(w).Encode(provider.JWKS())
}

// respondError redirects to target when it is trusted and writes the error
// directly otherwise.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, target ResponseTarget, err error) {
	oe := AsError(err)
	h.logCause(r.Context(), oe)

	if target.Trusted() {
		location, lerr := target.ErrorLocation(oe)
		if lerr == nil {
			instrumentation.AddOAuthErrorAttributes(trace.SpanFromContext(r.Context()), oe.Code, oe.Description)
			security.SetSecurityHeaders(w, h.server.Config.Issuer)
			http.Redirect(w, r, location, http.StatusFound)
			return
		}
		h.logger.Error("Failed to build error redirect", "error", lerr)
	}

	h.writeError(w, r, oe)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, e *Error) {
	instrumentation.AddOAuthErrorAttributes(trace.SpanFromContext(r.Context()), e.Code, e.Description)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	status := e.Status
	if status == 0 {
		status = StatusFor(e.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	})
}

// logCause records the internal error behind a server_error.
func (h *Handler) logCause(ctx context.Context, e *Error) {
	if e.Code != ErrorCodeServerError || e.cause == nil {
		return
	}
	security.LoggerFor(ctx, h.logger).Error("Request failed",
		"error_code", e.Code,
		"error", e.cause)
}
