// Package api provides HTTP handlers and routing for the Argus Logs REST API.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"argus-logs/internal/domain"
)

// APIResponse is the standard response envelope for all API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError represents an error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes for failures not raised by the engine.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Success sends a successful JSON response with the given data.
func Success(c *fiber.Ctx, data interface{}) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
	})
}

// SuccessWithStatus sends a successful JSON response with a custom status code.
func SuccessWithStatus(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
	})
}

// Created sends a 201 Created response with the given data.
func Created(c *fiber.Ctx, data interface{}) error {
	return SuccessWithStatus(c, fiber.StatusCreated, data)
}

// Accepted sends a 202 Accepted response with the given data.
func Accepted(c *fiber.Ctx, data interface{}) error {
	return SuccessWithStatus(c, fiber.StatusAccepted, data)
}

// Error sends an error JSON response with the given status code.
func Error(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest sends a 400 Bad Request error response.
func BadRequest(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadRequest, ErrCodeBadRequest, message)
}

// InternalError sends a 500 Internal Server Error response.
func InternalError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, ErrCodeInternalError, message)
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return fiber.StatusBadRequest
	case domain.KindNotFound:
		return fiber.StatusNotFound
	case domain.KindConflict, domain.KindState:
		return fiber.StatusConflict
	case domain.KindBackendUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// DomainError sends the error response for an engine error, using its
// code and message. Unclassified errors become a generic 500.
func DomainError(c *fiber.Ctx, err error) error {
	var e *domain.Error
	if !errors.As(err, &e) {
		return InternalError(c, "internal error")
	}
	return Error(c, StatusOf(err), string(e.Code), e.Message)
}
