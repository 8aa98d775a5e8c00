// Package oauth implements an OAuth 2.0 authorization server for the
// authorization code grant with PKCE (RFC 6749, RFC 7636).
//
// The flow spans three endpoints:
//
//	GET  /oauth2/authorize    validates the request and renders a login form
//	POST /oauth2/signin-code  authenticates the user and redirects with a code
//	POST /oauth2/token        exchanges the code for a signed access token
//
// The authorization code is not stored. It is a sealed envelope
// (AES-256-GCM under a per-purpose key, see package security) that carries
// the client, redirect URI, user and PKCE challenge, and expires after
// Config.CodeTTL. Codes may be presented more than once until they expire
// unless SecurityConfig.SingleUseCodes is set, in which case a
// storage.ConsumedCodeStore records each exchanged code.
//
// Error responses only redirect to a redirect URI that has been verified
// against the client's registration. Everything else is answered directly
// with a JSON error body.
//
// Basic usage:
//
//	srv, err := oauth.NewServer(oauth.Dependencies{
//		Clients:     directory,
//		Users:       users,
//		Permissions: permissions.DefaultResolver(),
//		Tokens:      issuer,
//		Sealer:      sealer,
//	}, &oauth.Config{Issuer: "https://auth.example.com"})
//	if err != nil {
//		return err
//	}
//	defer srv.Close()
//
//	http.ListenAndServe(":8080", oauth.NewHandler(srv, logger).Routes())
package oauth
