// Package clients holds the registered OAuth client directory.
//
// The directory is built once at start-up and never mutated, so lookups need
// no locking. Redirect URIs are matched by exact string equality.
package clients

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/sentaku/authserver/internal/util"
)

var (
	// ErrDuplicateClient is returned when two clients share an ID.
	ErrDuplicateClient = errors.New("duplicate client_id")

	// ErrInvalidClient is returned for a client definition that cannot be used.
	ErrInvalidClient = errors.New("invalid client definition")
)

// Client is a registered OAuth client.
type Client struct {
	ClientID     string   `yaml:"client_id"`
	Name         string   `yaml:"name,omitempty"`
	RedirectURIs []string `yaml:"redirect_uris"`

	// ClientSecret or ClientSecretHash (bcrypt) make the client confidential.
	// Public clients leave both empty and rely on PKCE.
	ClientSecret     string `yaml:"client_secret,omitempty"`
	ClientSecretHash string `yaml:"client_secret_hash,omitempty"`
}

// AllowsRedirect reports whether uri is one of the client's registered
// redirect URIs. No prefix matching or normalisation is applied.
func (c *Client) AllowsRedirect(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// Confidential reports whether the client must authenticate at the token endpoint.
func (c *Client) Confidential() bool {
	return c.ClientSecret != "" || c.ClientSecretHash != ""
}

// VerifySecret checks a presented secret. Public clients accept only the
// empty secret.
func (c *Client) VerifySecret(secret string) bool {
	switch {
	case c.ClientSecretHash != "":
		return secret != "" && bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(secret)) == nil
	case c.ClientSecret != "":
		return subtle.ConstantTimeCompare([]byte(c.ClientSecret), []byte(secret)) == 1
	default:
		return secret == ""
	}
}

func (c *Client) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidClient)
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("%w: client %q has no redirect_uris", ErrInvalidClient, c.ClientID)
	}
	for _, uri := range c.RedirectURIs {
		u, err := url.Parse(uri)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("%w: client %q redirect_uri %q must be an absolute URI", ErrInvalidClient, c.ClientID, uri)
		}
		if u.Fragment != "" {
			return fmt.Errorf("%w: client %q redirect_uri %q must not contain a fragment", ErrInvalidClient, c.ClientID, uri)
		}
		if util.IsInsecureRemote(u) {
			return fmt.Errorf("%w: client %q redirect_uri %q must use https unless it targets a loopback host", ErrInvalidClient, c.ClientID, uri)
		}
	}
	return nil
}

// Directory is an immutable set of clients keyed by ID.
type Directory struct {
	clients map[string]*Client
}

// New builds a directory from clients. Each client is copied, so later
// changes by the caller do not leak in.
func New(clients ...Client) (*Directory, error) {
	d := &Directory{clients: make(map[string]*Client, len(clients))}
	for i := range clients {
		c := clients[i]
		if err := c.validate(); err != nil {
			return nil, err
		}
		if _, exists := d.clients[c.ClientID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateClient, c.ClientID)
		}
		c.RedirectURIs = slices.Clone(c.RedirectURIs)
		d.clients[c.ClientID] = &c
	}
	return d, nil
}

// Lookup returns a copy of the client registered under clientID.
func (d *Directory) Lookup(clientID string) (*Client, bool) {
	if d == nil {
		return nil, false
	}
	c, ok := d.clients[clientID]
	if !ok {
		return nil, false
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &cp, true
}

// Len returns the number of registered clients.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.clients)
}
