package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/middleware"
	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/service"
	"github.com/tecnicocursos/render-api/internal/store"
	"github.com/tecnicocursos/render-api/pkg/response"
)

type RenderHandler struct {
	service *service.RenderService
	logger  *zap.Logger
}

func NewRenderHandler(svc *service.RenderService, logger *zap.Logger) *RenderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RenderHandler{
		service: svc,
		logger:  logger,
	}
}

// Submit handles POST /api/render-jobs
func (h *RenderHandler) Submit(c *fiber.Ctx) error {
	var req model.RenderSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	result, err := h.service.Submit(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/render-jobs/:jobId
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.GetStatus(c.Context(), middleware.GetUserID(c), jobID)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.OK(c, model.NewRenderJobResponse(job))
}

// List handles GET /api/render-jobs?projectId=&status=&limit=
func (h *RenderHandler) List(c *fiber.Ctx) error {
	projectID := c.Query("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", map[string]string{"projectId": "required"})
	}
	filter := store.ListFilter{
		Status: model.JobStatus(c.Query("status")),
		Limit:  c.QueryInt("limit", store.DefaultListLimit),
	}

	jobs, err := h.service.ListJobs(c.Context(), middleware.GetUserID(c), projectID, filter)
	if err != nil {
		return h.serviceError(c, err)
	}

	out := model.RenderJobListResponse{Jobs: make([]*model.RenderJobResponse, 0, len(jobs))}
	for _, job := range jobs {
		out.Jobs = append(out.Jobs, model.NewRenderJobResponse(job))
	}
	return response.OK(c, out)
}

// Cancel handles DELETE /api/render-jobs/:jobId
func (h *RenderHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.Cancel(c.Context(), middleware.GetUserID(c), jobID)
	if err != nil {
		return h.serviceError(c, err)
	}

	// Cancelling a finished job is a successful no-op; status tells which
	return response.OK(c, model.RenderCancelResponse{
		OK:     true,
		JobID:  job.ID,
		Status: job.Status,
	})
}

// Stats handles GET /api/render-jobs/stats
func (h *RenderHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.Context())
	if err != nil {
		h.logger.Error("Failed to read queue stats", zap.Error(err))
		return response.Unavailable(c, "Queue statistics are unavailable")
	}
	return response.OK(c, stats)
}

func (h *RenderHandler) serviceError(c *fiber.Ctx, err error) error {
	return writeServiceError(c, h.logger, err)
}

// writeServiceError maps service sentinels onto the error envelope.
// Unexpected errors are logged and hidden from the caller.
func writeServiceError(c *fiber.Ctx, logger *zap.Logger, err error) error {
	var inputErr *service.InputError
	switch {
	case errors.As(err, &inputErr):
		var details interface{}
		if len(inputErr.Details) > 0 {
			details = inputErr.Details
		}
		return response.ValidationError(c, inputErr.Message, details)
	case errors.Is(err, service.ErrUnauthorized):
		return response.Forbidden(c, "Not allowed to access this resource")
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrProjectNotFound):
		return response.ProjectNotFound(c, "Project not found")
	}
	logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
	return response.ServiceError(c, "Internal error")
}
