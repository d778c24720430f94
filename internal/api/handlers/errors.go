package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/dashboard"
	"github.com/gsheet-analysis/dashboard/internal/gallery"
	"github.com/gsheet-analysis/dashboard/internal/remote"
	"github.com/gsheet-analysis/dashboard/internal/render"
	"github.com/gsheet-analysis/dashboard/pkg/circuitbreaker"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
)

// respondError maps domain errors to HTTP answers. Messages of rejected
// remote calls are passed through since they are meant for the user.
func respondError(c *fiber.Ctx, err error) error {
	status, msg := classify(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func classify(err error) (int, string) {
	var apiErr *remote.APIError

	switch {
	case errors.Is(err, dashboard.ErrNoSession):
		return fiber.StatusUnauthorized, "No active session"
	case errors.Is(err, gallery.ErrConfirmationRequired):
		return fiber.StatusPreconditionRequired, "Confirmation required"
	case errors.Is(err, dashboard.ErrSectionNotFound),
		errors.Is(err, dashboard.ErrGraphNotFound),
		errors.Is(err, render.ErrSurfaceNotFound):
		return fiber.StatusNotFound, err.Error()
	case errors.Is(err, render.ErrDecode):
		return fiber.StatusUnprocessableEntity, render.ErrDecode.Error()
	case errors.Is(err, render.ErrUnmounted):
		return fiber.StatusGone, err.Error()
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return fiber.StatusServiceUnavailable, "Analytics service is temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "Timed out waiting for the graph"
	case errors.As(err, &apiErr):
		if apiErr.Unauthorized() {
			return fiber.StatusUnauthorized, apiErr.Error()
		}
		if apiErr.StatusCode == fiber.StatusOK {
			return fiber.StatusUnprocessableEntity, apiErr.Error()
		}
		return fiber.StatusBadGateway, apiErr.Error()
	default:
		return fiber.StatusInternalServerError, "Internal server error"
	}
}
