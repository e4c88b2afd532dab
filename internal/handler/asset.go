package handler

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/middleware"
	"github.com/tecnicocursos/render-api/internal/service"
	"github.com/tecnicocursos/render-api/pkg/response"
)

type AssetHandler struct {
	service *service.AssetService
	logger  *zap.Logger
}

func NewAssetHandler(svc *service.AssetService, logger *zap.Logger) *AssetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssetHandler{service: svc, logger: logger}
}

// Upload handles POST /api/projects/:projectId/assets (multipart field "file")
func (h *AssetHandler) Upload(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.Upload(c.Context(), middleware.GetUserID(c), projectID,
		file.Header.Get("Content-Type"), f, file.Size)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}

	return response.Created(c, result)
}

// Delete handles DELETE /api/projects/:projectId/assets/:assetId
func (h *AssetHandler) Delete(c *fiber.Ctx) error {
	projectID, assetID := c.Params("projectId"), c.Params("assetId")
	if projectID == "" || assetID == "" {
		return response.ValidationError(c, "Project ID and asset ID are required", nil)
	}

	if err := h.service.Delete(c.Context(), middleware.GetUserID(c), projectID, assetID); err != nil {
		return writeServiceError(c, h.logger, err)
	}

	return response.NoContent(c)
}
