package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/reach/internal/ir"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the engine error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBody(code ir.ErrorCode, msg string) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Code: string(code), Message: msg}}
}

// statusFor maps engine error codes to HTTP statuses.
func statusFor(code ir.ErrorCode) int {
	switch code {
	case ir.ErrCodeNotFound:
		return http.StatusNotFound
	case ir.ErrCodeInvalidTransition, ir.ErrCodeLeaseConflict:
		return http.StatusConflict
	case ir.ErrCodeProtocolViolation:
		return http.StatusBadRequest
	case ir.ErrCodeSecurityViolation:
		return http.StatusForbidden
	case ir.ErrCodeIntegrity, ir.ErrCodeReplayMismatch:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := ir.CodeOf(err)
	status := statusFor(code)
	if code == "" {
		code = "INTERNAL"
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, errorBody(code, err.Error()))
}
