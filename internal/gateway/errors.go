package gateway

import (
	"time"

	"github.com/labstack/echo/v4"
)

// Error codes returned in every error body. The vocabulary is fixed: new
// failure modes reuse an existing code rather than inventing one.
const (
	CodeAuthInvalidKey             = "AUTH_INVALID_KEY"
	CodeRateLimitExceeded          = "RATE_LIMIT_EXCEEDED"
	CodeInvalidRequest             = "INVALID_REQUEST"
	CodeAuthInsufficientPermission = "AUTH_INSUFFICIENT_PERMISSION"
	CodePlanNotFound               = "PLAN_NOT_FOUND"
	CodeIntentNotFound             = "INTENT_NOT_FOUND"
	CodeAlreadyTransitioned        = "ALREADY_TRANSITIONED"
	CodeServerError                = "SERVER_ERROR"
)

// ErrorBody is the uniform error response. 500s carry no internals beyond
// the fixed message.
type ErrorBody struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorBody{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}
