package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/dto"
)

const queryValueTrue = "true"

// respondError renders err in the standard failure shape. Client
// mistakes pass through quietly; anything that maps to a 5xx is logged
// with the request id before it leaves the process.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	status := errs.HTTPStatus(err)
	resp := dto.ErrorResponse{
		ErrorCode:   errs.CodeOf(err),
		Description: "unexpected internal error",
	}

	var e *errs.Error
	if errors.As(err, &e) {
		resp.Description = e.Description
		resp.ErrorDetail = e.Detail
		resp.Solution = e.Solution
	}
	if id, ok := c.Request.Context().Value(logger.RequestIDKey).(string); ok {
		resp.RequestID = id
	}

	if status >= http.StatusInternalServerError {
		log.WithContext(c.Request.Context()).Error("request failed",
			zap.Int("status", status),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, resp)
}

// bindError wraps a body-binding failure as a validation error.
func bindError(c *gin.Context, log *logger.Logger, err error) {
	respondError(c, log, errs.Validation("Request.InvalidBody", "request body failed validation").
		WithDetail("%v", err))
}
