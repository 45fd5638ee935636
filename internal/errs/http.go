package errs

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/logger"
)

// Payload is the JSON error body returned by every endpoint.
type Payload struct {
	ErrorCode   string `json:"error_code"`
	Description string `json:"description"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Solution    string `json:"solution,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// WriteError renders err as the shared error payload and logs it.
// Untyped errors render as Internal.Error with a 500.
func WriteError(c *gin.Context, log *logger.Logger, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Internal("Internal.Error", "internal error").WithCause(err)
	}

	status := HTTPStatus(e)
	requestID := requestIDFrom(c)

	fields := []zap.Field{
		zap.String("error_code", e.Code),
		zap.Int("status", status),
		zap.Error(err),
	}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Debug("request rejected", fields...)
	}

	c.AbortWithStatusJSON(status, Payload{
		ErrorCode:   e.Code,
		Description: e.Description,
		ErrorDetail: e.Detail,
		Solution:    e.Solution,
		RequestID:   requestID,
	})
}

func requestIDFrom(c *gin.Context) string {
	if id, ok := c.Request.Context().Value(logger.RequestIDKey).(string); ok {
		return id
	}
	return ""
}
