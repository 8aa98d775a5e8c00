package tokens

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentaku/authserver/permissions"
)

func newTestIssuer(t *testing.T) *JWTIssuer {
	t.Helper()
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	issuer, err := NewJWTIssuer(JWTConfig{
		Issuer:   "https://auth.example.com",
		Audience: "sentaku-api",
		Key:      key,
	})
	require.NoError(t, err)
	return issuer
}

func TestJWTIssuer_IssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)

	tok, err := issuer.Issue(context.Background(), Subject{
		UserID:      "u-1",
		Username:    "alice",
		ClientID:    "web",
		Permissions: permissions.Vote | permissions.ViewPolls,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, tok.ExpiresIn)

	claims, err := issuer.Verify(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "https://auth.example.com", claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{"sentaku-api"}, claims.Audience)
	assert.Equal(t, "web", claims.ClientID)
	assert.Equal(t, uint64(permissions.Vote|permissions.ViewPolls), claims.Permissions)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestJWTIssuer_KeyIDHeader(t *testing.T) {
	issuer := newTestIssuer(t)

	tok, err := issuer.Issue(context.Background(), Subject{Username: "alice"})
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(tok.Token, &Claims{})
	require.NoError(t, err)
	assert.Equal(t, issuer.KeyID(), parsed.Header["kid"])
	assert.Equal(t, "RS256", parsed.Header["alg"])
}

func TestJWTIssuer_UniqueJTI(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	a, err := issuer.Issue(ctx, Subject{Username: "alice"})
	require.NoError(t, err)
	b, err := issuer.Issue(ctx, Subject{Username: "alice"})
	require.NoError(t, err)

	ca, err := issuer.Verify(a.Token)
	require.NoError(t, err)
	cb, err := issuer.Verify(b.Token)
	require.NoError(t, err)
	assert.NotEqual(t, ca.ID, cb.ID)
}

func TestJWTIssuer_VerifyRejects(t *testing.T) {
	issuer := newTestIssuer(t)
	other := newTestIssuer(t)

	tok, err := other.Issue(context.Background(), Subject{Username: "alice"})
	require.NoError(t, err)

	_, err = issuer.Verify(tok.Token)
	assert.Error(t, err)

	_, err = issuer.Verify("not-a-jwt")
	assert.Error(t, err)
}

func TestJWTIssuer_Expired(t *testing.T) {
	issuer := newTestIssuer(t)
	base := time.Now()
	issuer.now = func() time.Time { return base }

	tok, err := issuer.Issue(context.Background(), Subject{Username: "alice"})
	require.NoError(t, err)

	issuer.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = issuer.Verify(tok.Token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTIssuer_IssueValidation(t *testing.T) {
	issuer := newTestIssuer(t)

	_, err := issuer.Issue(context.Background(), Subject{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = issuer.Issue(ctx, Subject{Username: "alice"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewJWTIssuer(t *testing.T) {
	rsaKey, err := GenerateSigningKey()
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     JWTConfig
		wantAlg string
		wantErr bool
	}{
		{name: "rsa", cfg: JWTConfig{Issuer: "https://a", Key: rsaKey}, wantAlg: "RS256"},
		{name: "ec p256", cfg: JWTConfig{Issuer: "https://a", Key: ecKey}, wantAlg: "ES256"},
		{name: "missing key", cfg: JWTConfig{Issuer: "https://a"}, wantErr: true},
		{name: "missing issuer", cfg: JWTConfig{Key: rsaKey}, wantErr: true},
		{name: "weak rsa", cfg: JWTConfig{Issuer: "https://a", Key: weak}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer, err := NewJWTIssuer(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, issuer.Algorithm())
			assert.NotEmpty(t, issuer.KeyID())
		})
	}
}

func TestJWTIssuer_ECDSARoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	issuer, err := NewJWTIssuer(JWTConfig{Issuer: "https://a", Key: key})
	require.NoError(t, err)
	assert.Equal(t, "ES384", issuer.Algorithm())

	tok, err := issuer.Issue(context.Background(), Subject{Username: "bob"})
	require.NoError(t, err)
	claims, err := issuer.Verify(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{"https://a"}, claims.Audience)
}

func TestJWTIssuer_JWKS(t *testing.T) {
	issuer := newTestIssuer(t)

	set := issuer.JWKS()
	require.Len(t, set.Keys, 1)
	key := set.Keys[0]
	assert.Equal(t, issuer.KeyID(), key.KeyID)
	assert.Equal(t, "RS256", key.Algorithm)
	assert.Equal(t, "sig", key.Use)
	assert.True(t, key.IsPublic())

	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"d":`)
}

func TestLoadSigningKey(t *testing.T) {
	dir := t.TempDir()

	key, err := GenerateSigningKey()
	require.NoError(t, err)
	pemData, err := EncodeSigningKey(key)
	require.NoError(t, err)

	path := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(path, pemData, 0o600))

	loaded, err := LoadSigningKey(path)
	require.NoError(t, err)

	wantID, err := DeriveKeyID(key)
	require.NoError(t, err)
	gotID, err := DeriveKeyID(loaded)
	require.NoError(t, err)
	assert.Equal(t, wantID, gotID)

	_, err = LoadSigningKey(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)

	_, err = ParseSigningKey([]byte("not pem"))
	assert.Error(t, err)
}
