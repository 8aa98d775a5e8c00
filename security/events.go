package security

// Event type constants for security audit logging.
const (
	// Authorization flow events

	// EventAuthorizationFormServed is logged when a validated authorize request renders the login form
	EventAuthorizationFormServed = "authorization_form_served"

	// EventAuthorizationCodeIssued is logged when a sealed code is issued after sign-in
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventTokenIssued is logged when an access token is minted at the token endpoint
	EventTokenIssued = "token_issued"

	// EventCodeExchangeFailed is logged when a code cannot be exchanged. The
	// failure kind goes into the event details, never into the response.
	EventCodeExchangeFailed = "code_exchange_failed"

	// Security violation events

	// EventAuthFailure is logged when sign-in credentials are rejected
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect_uri is not registered for the client
	EventInvalidRedirect = "invalid_redirect"

	// EventUnknownClient is logged when a client_id is not in the directory
	EventUnknownClient = "unknown_client"

	// EventClientAuthFailed is logged when a confidential client presents a wrong secret
	EventClientAuthFailed = "client_auth_failed"
)
