package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/tecnicocursos/render-api/internal/middleware"
	ws "github.com/tecnicocursos/render-api/internal/websocket"
	"github.com/tecnicocursos/render-api/pkg/response"
)

// Routes collects everything Register mounts. Verify, Limiter, Assets and
// Health are optional.
type Routes struct {
	Auth          fiber.Handler
	Verify        *AuthHandler
	Limiter       *middleware.RateLimiter
	SubmitPerHour int
	Render        *RenderHandler
	Projects      *ProjectHandler
	Assets        *AssetHandler
	Hub           *ws.Hub
	Health        fiber.Handler
}

// Register mounts the render API on app.
func Register(app *fiber.App, r Routes) {
	if r.Health != nil {
		app.Get("/health", r.Health)
	}

	// ForwardAuth verification endpoint (internal, called by Traefik)
	if r.Verify != nil {
		app.Get("/auth/verify", r.Verify.Verify)
	}

	api := app.Group("/api", r.Auth)

	submit := []fiber.Handler{}
	if r.Limiter != nil {
		submit = append(submit, r.Limiter.SubmitLimit(r.SubmitPerHour))
	}
	submit = append(submit, r.Render.Submit)

	jobs := api.Group("/render-jobs")
	jobs.Post("/", submit...)
	jobs.Get("/", r.Render.List)
	jobs.Get("/stats", r.Render.Stats)
	jobs.Get("/:jobId", r.Render.Status)
	jobs.Delete("/:jobId", r.Render.Cancel)

	projects := api.Group("/projects/:projectId")
	projects.Put("/timeline", r.Projects.PutTimeline)
	if r.Assets != nil {
		projects.Post("/assets", r.Assets.Upload)
		projects.Delete("/assets/:assetId", r.Assets.Delete)
	}

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/render-jobs/:jobId", r.Auth, websocket.New(func(c *websocket.Conn) {
		callerID, _ := c.Locals("userId").(string)
		r.Hub.HandleConnection(c, callerID, c.Params("jobId"))
	}))
}

// ErrorHandler renders errors that escape handlers in the standard envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
