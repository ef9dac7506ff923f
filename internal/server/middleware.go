package server

import (
	"context"
	"net/http"

	"stackup/internal/errors"

	"github.com/labstack/echo/v4"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// ContextKeyRequestID is the key for request ID in context
const ContextKeyRequestID contextKey = "request_id"

// contextEnricher copies the request id into the request context
func contextEnricher() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if reqID, ok := c.Get("request_id").(string); ok && reqID != "" {
				ctx := context.WithValue(c.Request().Context(), ContextKeyRequestID, reqID)
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}

// ErrorHandler is a custom error handler for the server
func ErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var body interface{} = ErrorResponse{Error: "Internal server error"}

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		switch msg := he.Message.(type) {
		case errors.HTTPErrorResponse:
			body = msg
		case string:
			body = ErrorResponse{Error: msg}
		}
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(code)
		return
	}
	c.JSON(code, body)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}
