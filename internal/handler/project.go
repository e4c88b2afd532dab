package handler

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/middleware"
	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/service"
	"github.com/tecnicocursos/render-api/pkg/response"
)

type ProjectHandler struct {
	service *service.RenderService
	logger  *zap.Logger
}

func NewProjectHandler(svc *service.RenderService, logger *zap.Logger) *ProjectHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectHandler{service: svc, logger: logger}
}

// PutTimeline handles PUT /api/projects/:projectId/timeline
func (h *ProjectHandler) PutTimeline(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	var req model.TimelineUpsertRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	proj, err := h.service.UpsertTimeline(c.Context(), middleware.GetUserID(c), projectID, &req)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}

	return response.OK(c, proj)
}
