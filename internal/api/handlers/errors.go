package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/messages"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
)

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, apperrors.ErrAbandoned):
		return fiber.StatusRequestTimeout
	case errors.Is(err, apperrors.ErrUpstreamUnavailable):
		return fiber.StatusBadGateway
	case errors.Is(err, apperrors.ErrPersistence):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes the error kind as JSON. Client errors carry their
// public message without the wrapped cause; server errors are logged and
// answered generically.
func respondError(c *fiber.Ctx, err error, action string) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("Failed to "+action,
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
		return c.Status(status).JSON(fiber.Map{
			"error": "Failed to " + action,
		})
	}

	logger.Debug("Request rejected",
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Error(err),
	)
	return c.Status(status).JSON(fiber.Map{
		"error": apperrors.Public(err),
	})
}

// respondQueryError answers a farmer submission. When a model or store is
// down the farmer gets the fallback advice in their language.
func respondQueryError(c *fiber.Ctx, err error, action, locale string) error {
	status := statusFor(err)
	if status < fiber.StatusInternalServerError {
		return respondError(c, err, action)
	}

	logger.Error("Failed to "+action,
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Error(err),
	)
	return c.Status(status).JSON(fiber.Map{
		"error":  "Failed to " + action,
		"answer": messages.Fallback(locale),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}
