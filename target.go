package oauth

import (
	"errors"
	"net/url"

	"github.com/sentaku/authserver/clients"
)

var errUntrustedTarget = errors.New("redirect target has not been verified")

// ResponseTarget decides how a response reaches the client. Only a
// redirect_uri that exactly matched a registered URI of a known client is
// trusted; errors for any other request are written directly.
type ResponseTarget struct {
	redirectURI string
	state       string
	trusted     bool
}

// verifyRedirect is the only way to obtain a trusted target.
func verifyRedirect(client *clients.Client, redirectURI, state string) (ResponseTarget, bool) {
	if client == nil || !client.AllowsRedirect(redirectURI) {
		return ResponseTarget{state: state}, false
	}
	return ResponseTarget{redirectURI: redirectURI, state: state, trusted: true}, true
}

// Trusted reports whether responses may be delivered by redirect.
func (t ResponseTarget) Trusted() bool { return t.trusted }

// Location returns the redirect URI with params and state appended. State is
// echoed even when empty. Any query already present on the registered URI is
// kept.
func (t ResponseTarget) Location(params url.Values) (string, error) {
	if !t.trusted {
		return "", errUntrustedTarget
	}
	u, err := url.Parse(t.redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	q.Set("state", t.state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ErrorLocation renders e as an error redirect.
func (t ResponseTarget) ErrorLocation(e *Error) (string, error) {
	params := url.Values{"error": {e.Code}}
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	return t.Location(params)
}
