package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/videogen/internal/middleware"
	"github.com/makeasinger/videogen/internal/model"
	"github.com/makeasinger/videogen/internal/service"
	"github.com/makeasinger/videogen/pkg/response"
)

type VideoHandler struct {
	service   service.VideoJobs
	validator *validator.Validate
}

func NewVideoHandler(svc service.VideoJobs, v *validator.Validate) *VideoHandler {
	return &VideoHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/video/generate
//
// Queues an image-to-video job, or text-to-video when imageUrl is omitted.
// Responds 202 with the job ID; 503 when no generator is configured.
func (h *VideoHandler) Generate(c *fiber.Ctx) error {
	var req model.VideoGenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartVideo(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		if errors.Is(err, service.ErrGeneratorUnavailable) {
			return response.ServiceUnavailable(c, "Video generation is not configured")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// AuthorizeStream guards GET /ws/jobs/:jobId so that only the job's owner
// can subscribe to its updates.
func (h *VideoHandler) AuthorizeStream(c *fiber.Ctx) error {
	if _, err := h.service.GetStatus(c.UserContext(), middleware.GetUserID(c), c.Params("jobId")); err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return c.Next()
}

// Status handles GET /api/video/status/:jobId
func (h *VideoHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), middleware.GetUserID(c), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Result handles GET /api/video/result/:jobId
func (h *VideoHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetResult(c.UserContext(), middleware.GetUserID(c), jobID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrJobNotCompleted):
			return response.ValidationError(c, "Job not completed yet", nil)
		case errors.Is(err, service.ErrJobCanceled):
			return response.ValidationError(c, "Job was canceled", nil)
		case errors.Is(err, service.ErrJobFailed):
			return response.JobFailed(c, err.Error())
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/video/cancel/:jobId
//
// The remote task cannot be stopped; cancelling only discards its result.
func (h *VideoHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.CancelVideo(c.UserContext(), middleware.GetUserID(c), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		if errors.Is(err, service.ErrJobFinished) {
			return response.ValidationError(c, "Job already finished", nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
