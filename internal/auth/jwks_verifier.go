package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tecnicocursos/render-api/internal/config"
)

var (
	ErrMissingSubject = errors.New("token has no subject")
	ErrMissingRole    = errors.New("token lacks the required role")
)

// TokenVerifier defines the interface for JWT token verification
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims represents the JWT claims from Zitadel. UserID is the job and
// project owner identity.
type Claims struct {
	UserID            string   `json:"sub"`
	Email             string   `json:"email,omitempty"`
	EmailVerified     bool     `json:"email_verified,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	// ProjectRoles maps role name to the granting organizations.
	ProjectRoles map[string]map[string]string `json:"urn:zitadel:iam:org:project:roles,omitempty"`
	jwt.RegisteredClaims
}

// RoleNames merges plain roles with Zitadel project roles, sorted and unique.
func (c *Claims) RoleNames() []string {
	names := make([]string, 0, len(c.Roles)+len(c.ProjectRoles))
	names = append(names, c.Roles...)
	for role := range c.ProjectRoles {
		names = append(names, role)
	}
	sort.Strings(names)
	return slices.Compact(names)
}

// HasRole reports whether role was granted in either claim.
func (c *Claims) HasRole(role string) bool {
	if _, ok := c.ProjectRoles[role]; ok {
		return true
	}
	return slices.Contains(c.Roles, role)
}

// JWKSVerifier implements TokenVerifier using JWKS
type JWKSVerifier struct {
	jwks         keyfunc.Keyfunc
	issuer       string
	audience     string
	requiredRole string
	cancel       context.CancelFunc
}

// NewJWKSVerifier discovers the issuer's key set and keeps it refreshed
// until Close.
func NewJWKSVerifier(cfg *config.ZitadelConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("zitadel issuer is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jwksURL, err := discoverJWKSURL(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	// Background refresh runs on this context
	refreshCtx, stop := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWKSVerifier{
		jwks:         jwks,
		issuer:       cfg.Issuer,
		audience:     cfg.ClientID,
		requiredRole: cfg.RequiredRole,
		cancel:       stop,
	}, nil
}

// discoverJWKSURL fetches the OIDC discovery document and extracts the jwks_uri.
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	discoveryURL := fmt.Sprintf("%s/.well-known/openid-configuration", issuer)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}
	if doc.Issuer != "" && doc.Issuer != issuer {
		return "", fmt.Errorf("discovery document is for issuer %q", doc.Issuer)
	}

	return doc.JWKSURI, nil
}

// Validate checks signature, issuer, expiry and audience, then requires an
// owner identity and, when configured, the render role.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, ErrMissingSubject
	}
	if v.requiredRole != "" && !claims.HasRole(v.requiredRole) {
		return nil, ErrMissingRole
	}
	return claims, nil
}

// Close stops the key set refresh.
func (v *JWKSVerifier) Close() error {
	if v.cancel != nil {
		v.cancel()
	}
	return nil
}
