package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(c *fiber.Ctx, logger *zap.Logger, err error) error {
	status := apperrors.HTTPStatus(err)
	detail := ErrorDetail{Code: apperrors.Code(err), Message: "internal server error"}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		detail.Message = appErr.Message
	}
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(ErrorBody{Error: detail})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorBody{Error: ErrorDetail{
		Code:    apperrors.CodeInvalidRequest,
		Message: message,
	}})
}
