package oauth

const (
	responseTypeCode     = "code"
	grantTypeAuthCode    = "authorization_code"
	tokenTypeBearer      = "Bearer"
	tokenAuthNone        = "none"
	tokenAuthSecretPost  = "client_secret_post"
	tokenAuthSecretBasic = "client_secret_basic"
)

// AuthorizationRequest is the authorize query, later echoed as hidden form
// fields. It is never stored.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	State               string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string

	// ClientIP is used for rate limiting and audit. Not echoed in the form.
	ClientIP string
}

// SignInRequest is the login form post.
type SignInRequest struct {
	AuthorizationRequest

	// Login is a username or an email address
	Login    string
	Password string
}

// TokenRequest is an authorization_code grant.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string

	ClientIP string
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the signed access token
	AccessToken string `json:"access_token"`

	// TokenType is always "Bearer"
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSURI is where the access token signing keys are published
	JWKSURI string `json:"jwks_uri,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}
