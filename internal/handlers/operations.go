package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/rsguard/rsguard/internal/models"
	"github.com/rsguard/rsguard/internal/status"
)

// GetStatus returns the current application status snapshot
func (h *Handler) GetStatus(c *fiber.Ctx) error {
	return c.JSON(h.tracker.Snapshot())
}

// RunCheck triggers a background integrity check
func (h *Handler) RunCheck(c *fiber.Ctx) error {
	if err := h.checker.RunAsync(h.baseCtx); err != nil {
		return h.operationError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(models.OperationResponse{
		Accepted:  true,
		Operation: "check",
		RequestID: uuid.NewString(),
	})
}

// RunRepair triggers a background repair run
func (h *Handler) RunRepair(c *fiber.Ctx) error {
	if err := h.repairer.RunAsync(h.baseCtx); err != nil {
		return h.operationError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(models.OperationResponse{
		Accepted:  true,
		Operation: "repair",
		RequestID: uuid.NewString(),
	})
}

// operationError maps a trigger failure to the right status code
func (h *Handler) operationError(c *fiber.Ctx, err error) error {
	if errors.Is(err, status.ErrOperationInProgress) {
		return c.Status(fiber.StatusConflict).JSON(models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    "OPERATION_IN_PROGRESS",
				Message: err.Error(),
			},
		})
	}

	h.logger.Error("Operation trigger failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    "ERROR",
			Message: err.Error(),
		},
	})
}
