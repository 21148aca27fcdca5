package handlers

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Structured Error Responses
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewErrorResponse(code string, message string, details ...any) ErrorResponse {
	var detail any
	if len(details) > 0 {
		detail = details
	}
	return ErrorResponse{
		Code:    code,
		Message: message,
		Details: detail,
	}
}

// ErrorHandler is the application-wide Fiber error handler. Fiber errors
// keep their status; anything else surfaces as a 500.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		logger.Error("request error",
			zap.Error(err),
			zap.String("path", c.Path()),
			zap.Int("status", code))

		errCode := "INTERNAL_ERROR"
		if code < fiber.StatusInternalServerError {
			errCode = "REQUEST_FAILED"
		}
		return c.Status(code).JSON(NewErrorResponse(errCode, err.Error()))
	}
}

// formatValidationError flattens validator errors into one readable string.
func formatValidationError(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Field()+" failed on "+e.Tag())
	}
	return strings.Join(messages, ", ")
}
