package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecnicocursos/render-api/internal/config"
)

const testKeyID = "render-key-1"

type identityProvider struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	issuer string
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &identityProvider{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   idp.issuer,
			"jwks_uri": idp.server.URL + "/oauth/v2/keys",
		})
	})
	mux.HandleFunc("/oauth/v2/keys", func(w http.ResponseWriter, r *http.Request) {
		pub := key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKeyID,
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})
	idp.server = httptest.NewServer(mux)
	idp.issuer = idp.server.URL
	t.Cleanup(idp.server.Close)
	return idp
}

func (p *identityProvider) sign(t *testing.T, claims *Claims, key *rsa.PrivateKey) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func (p *identityProvider) claims(sub string) *Claims {
	now := time.Now()
	return &Claims{
		UserID: sub,
		Email:  sub + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{"render-api"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func newVerifier(t *testing.T, idp *identityProvider, role string) *JWKSVerifier {
	t.Helper()
	v, err := NewJWKSVerifier(&config.ZitadelConfig{Issuer: idp.issuer, ClientID: "render-api", RequiredRole: role})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestJWKSVerifier_AcceptsProjectRole(t *testing.T) {
	idp := newIdentityProvider(t)
	v := newVerifier(t, idp, "renderer")

	c := idp.claims("alice")
	c.Roles = []string{"viewer"}
	c.ProjectRoles = map[string]map[string]string{"renderer": {"org-1": "acme.example.com"}}

	got, err := v.Validate(idp.sign(t, c, idp.key))
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, []string{"renderer", "viewer"}, got.RoleNames())
}

func TestJWKSVerifier_Rejections(t *testing.T) {
	idp := newIdentityProvider(t)
	v := newVerifier(t, idp, "renderer")
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	withRole := func(c *Claims) *Claims {
		c.Roles = []string{"renderer"}
		return c
	}

	expired := withRole(idp.claims("alice"))
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongAudience := withRole(idp.claims("alice"))
	wrongAudience.Audience = jwt.ClaimStrings{"billing"}

	wrongIssuer := withRole(idp.claims("alice"))
	wrongIssuer.Issuer = "https://elsewhere.example.com"

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", idp.sign(t, expired, idp.key), jwt.ErrTokenExpired},
		{"wrong audience", idp.sign(t, wrongAudience, idp.key), jwt.ErrTokenInvalidAudience},
		{"wrong issuer", idp.sign(t, wrongIssuer, idp.key), jwt.ErrTokenInvalidIssuer},
		{"foreign key", idp.sign(t, withRole(idp.claims("alice")), otherKey), jwt.ErrTokenSignatureInvalid},
		{"missing role", idp.sign(t, idp.claims("alice"), idp.key), ErrMissingRole},
		{"no subject", idp.sign(t, withRole(idp.claims("")), idp.key), ErrMissingSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewJWKSVerifier_IssuerMismatch(t *testing.T) {
	idp := newIdentityProvider(t)
	idp.issuer = "https://auth.example.com"

	_, err := NewJWKSVerifier(&config.ZitadelConfig{Issuer: idp.server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.example.com")
}
