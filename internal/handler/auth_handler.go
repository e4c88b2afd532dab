package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/tecnicocursos/render-api/internal/auth"
	"github.com/tecnicocursos/render-api/internal/middleware"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

// NewAuthHandler creates a new auth handler for ForwardAuth verification
func NewAuthHandler(verifier auth.TokenVerifier, jwtSecret string) *AuthHandler {
	return &AuthHandler{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Verify handles GET /auth/verify, called by Traefik ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure and 403 when
// the token lacks the required role. Progress stream upgrades may carry the
// token as access_token.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	tokenString, msg := middleware.BearerToken(c)
	if msg != "" {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	if h.verifier != nil {
		claims, err := h.verifier.Validate(tokenString)
		if err == nil {
			c.Set(middleware.HeaderUserID, claims.UserID)
			c.Set(middleware.HeaderUserEmail, claims.Email)
			c.Set(middleware.HeaderUserName, claims.Name)
			c.Set(middleware.HeaderUserRoles, strings.Join(claims.RoleNames(), ","))
			return c.SendStatus(fiber.StatusOK)
		}
		if errors.Is(err, auth.ErrMissingRole) {
			return c.SendStatus(fiber.StatusForbidden)
		}
	}

	if h.jwtSecret != "" {
		if claims, err := auth.ValidateLegacyToken(tokenString, h.jwtSecret); err == nil {
			c.Set(middleware.HeaderUserID, claims.UserID)
			c.Set(middleware.HeaderUserEmail, claims.Email)
			return c.SendStatus(fiber.StatusOK)
		}
	}

	return c.SendStatus(fiber.StatusUnauthorized)
}
