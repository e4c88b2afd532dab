package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecnicocursos/render-api/internal/auth"
)

type identity struct {
	UserID string   `json:"userId"`
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Roles  []string `json:"roles"`
}

func identityApp(mw fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Get("/me", mw, func(c *fiber.Ctx) error {
		return c.JSON(identity{
			UserID: GetUserID(c),
			Email:  GetUserEmail(c),
			Name:   GetUserName(c),
			Roles:  GetUserRoles(c),
		})
	})
	return app
}

func TestGatewayAuthMiddleware(t *testing.T) {
	mw := GatewayAuthMiddleware(GatewayOptions{SharedSecret: "s3cret", RequiredRole: "render"})

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{
			name:    "wrong gateway secret",
			headers: map[string]string{HeaderGatewaySecret: "nope", HeaderUserID: "u1", HeaderUserRoles: "render"},
			status:  fiber.StatusUnauthorized,
		},
		{
			name:    "no gateway secret",
			headers: map[string]string{HeaderUserID: "u1", HeaderUserRoles: "render"},
			status:  fiber.StatusUnauthorized,
		},
		{
			name:    "no user id",
			headers: map[string]string{HeaderGatewaySecret: "s3cret", HeaderUserRoles: "render"},
			status:  fiber.StatusUnauthorized,
		},
		{
			name:    "role not granted",
			headers: map[string]string{HeaderGatewaySecret: "s3cret", HeaderUserID: "u1", HeaderUserRoles: "viewer"},
			status:  fiber.StatusForbidden,
		},
		{
			name:    "allowed",
			headers: map[string]string{HeaderGatewaySecret: "s3cret", HeaderUserID: "u1", HeaderUserRoles: "viewer, render"},
			status:  fiber.StatusOK,
		},
	}

	app := identityApp(mw)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestGatewayAuthMiddleware_SetsIdentity(t *testing.T) {
	app := identityApp(GatewayAuthMiddleware(GatewayOptions{}))

	req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(HeaderUserEmail, "ana@example.com")
	req.Header.Set(HeaderUserName, "Ana")
	req.Header.Set(HeaderUserRoles, "render,admin")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var got identity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, identity{UserID: "u1", Email: "ana@example.com", Name: "Ana", Roles: []string{"render", "admin"}}, got)
}

func TestParseRoles(t *testing.T) {
	assert.Nil(t, ParseRoles(""))
	assert.Nil(t, ParseRoles(" , "))
	assert.Equal(t, []string{"render", "admin"}, ParseRoles(" render ,, admin"))
}

type fakeVerifier struct {
	claims *auth.Claims
	err    error
}

func (f *fakeVerifier) Validate(string) (*auth.Claims, error) { return f.claims, f.err }
func (f *fakeVerifier) Close() error                          { return nil }

func TestAuthenticate_JWKSRoles(t *testing.T) {
	claims := &auth.Claims{
		UserID:       "u1",
		Email:        "ana@example.com",
		Roles:        []string{"admin"},
		ProjectRoles: map[string]map[string]string{"render": {"org1": "example.com"}},
	}

	tests := []struct {
		name     string
		verifier *fakeVerifier
		secret   string
		status   int
		body     string
	}{
		{name: "valid token", verifier: &fakeVerifier{claims: claims}, status: fiber.StatusOK, body: `"roles":["admin","render"]`},
		{name: "missing role", verifier: &fakeVerifier{err: auth.ErrMissingRole}, status: fiber.StatusForbidden, body: "FORBIDDEN"},
		// A legacy secret must not turn a role rejection into a second chance
		{name: "missing role with legacy fallback", verifier: &fakeVerifier{err: auth.ErrMissingRole}, secret: "legacy", status: fiber.StatusForbidden, body: "FORBIDDEN"},
		{name: "invalid token", verifier: &fakeVerifier{err: errors.New("bad signature")}, status: fiber.StatusUnauthorized, body: "UNAUTHORIZED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := identityApp(NewAuthMiddlewareWithFallback(tt.verifier, tt.secret).Authenticate())
			req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
			req.Header.Set("Authorization", "Bearer token")

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.body)
		})
	}
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	app := identityApp(NewAuthMiddleware(&fakeVerifier{}).Authenticate())
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
