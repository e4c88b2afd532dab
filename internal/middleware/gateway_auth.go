package middleware

import (
	"crypto/subtle"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/tecnicocursos/render-api/pkg/response"
)

// Identity headers exchanged with the gateway. The verify endpoint sets them,
// the gateway copies them onto the forwarded request.
const (
	HeaderUserID        = "X-User-Id"
	HeaderUserEmail     = "X-User-Email"
	HeaderUserName      = "X-User-Name"
	HeaderUserRoles     = "X-User-Roles"
	HeaderGatewaySecret = "X-Gateway-Secret"
)

// GatewayOptions controls how much the API trusts forwarded identity headers.
type GatewayOptions struct {
	// SharedSecret rejects requests that did not pass through the gateway.
	SharedSecret string
	// RequiredRole must appear in X-User-Roles when set.
	RequiredRole string
}

// GatewayAuthMiddleware reads the caller identity from X-User-* headers set
// by Traefik ForwardAuth. The user id becomes the owner of submitted jobs.
func GatewayAuthMiddleware(opts GatewayOptions) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if opts.SharedSecret != "" &&
			subtle.ConstantTimeCompare([]byte(c.Get(HeaderGatewaySecret)), []byte(opts.SharedSecret)) != 1 {
			return response.Unauthorized(c, "Request did not pass through the gateway")
		}

		userID := c.Get(HeaderUserID)
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		roles := ParseRoles(c.Get(HeaderUserRoles))
		if opts.RequiredRole != "" && !slices.Contains(roles, opts.RequiredRole) {
			return response.Forbidden(c, "Not allowed to render")
		}

		c.Locals("userId", userID)
		c.Locals("email", c.Get(HeaderUserEmail))
		c.Locals("name", c.Get(HeaderUserName))
		c.Locals("roles", roles)

		return c.Next()
	}
}

// ParseRoles splits a comma separated role header.
func ParseRoles(header string) []string {
	var roles []string
	for _, r := range strings.Split(header, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
