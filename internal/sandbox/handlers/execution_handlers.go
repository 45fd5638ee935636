package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/dto"
	"github.com/sandpit-io/sandpit/internal/sandbox/ids"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	"github.com/sandpit-io/sandpit/internal/sandbox/service"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// Polling bounds for the synchronous execute variant, in seconds.
const (
	minPollIntervalSec = 0.1
	maxPollIntervalSec = 10
	minSyncTimeoutSec  = 10
	maxSyncTimeoutSec  = 3600
)

type ExecutionHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewExecutionHandlers(svc *service.Service, log *logger.Logger) *ExecutionHandlers {
	return &ExecutionHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "execution-handlers")),
	}
}

func RegisterExecutionRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	handlers := NewExecutionHandlers(svc, log)
	handlers.registerHTTP(router)
}

func (h *ExecutionHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/executions/sessions/:sid/execute", h.httpExecute)
	api.POST("/executions/sessions/:sid/execute-sync", h.httpExecuteSync)
	api.GET("/executions/sessions/:sid/executions", h.httpListExecutions)
	api.GET("/executions/sessions/:sid/stats", h.httpSessionStats)
	api.GET("/executions/:id/status", h.httpExecutionStatus)
	api.GET("/executions/:id/result", h.httpExecutionResult)
	api.GET("/executions/:id/artifacts", h.httpExecutionArtifacts)
}

func (h *ExecutionHandlers) httpExecute(c *gin.Context) {
	sessionID := c.Param("sid")
	if !ids.ValidSessionID(sessionID) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", sessionID))
		return
	}
	var req v1.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}
	execution, err := h.service.ExecuteCode(c.Request.Context(), sessionID, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.ExecuteResponse{
		ExecutionID: execution.ID,
		SessionID:   execution.SessionID,
		Status:      execution.Status,
	})
}

func (h *ExecutionHandlers) httpExecuteSync(c *gin.Context) {
	sessionID := c.Param("sid")
	if !ids.ValidSessionID(sessionID) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", sessionID))
		return
	}
	pollInterval, err := durationQuery(c, "poll_interval", minPollIntervalSec, maxPollIntervalSec)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	syncTimeout, err := durationQuery(c, "sync_timeout", minSyncTimeoutSec, maxSyncTimeoutSec)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var req v1.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}

	result, err := h.service.ExecuteSync(c.Request.Context(), sessionID, &req, pollInterval, syncTimeout)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	resp := dto.ExecuteSyncResponse{Execution: dto.FromExecution(result.Execution)}
	if result.TimedOut {
		resp.SyncStatus = "timeout"
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ExecutionHandlers) httpExecutionStatus(c *gin.Context) {
	id := c.Param("id")
	if !ids.ValidExecutionID(id) {
		respondError(c, h.logger, errs.BadRequest("Execution.InvalidID", "execution id %q is malformed", id))
		return
	}
	execution, err := h.service.GetExecution(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromExecutionStatus(execution))
}

func (h *ExecutionHandlers) httpExecutionResult(c *gin.Context) {
	id := c.Param("id")
	if !ids.ValidExecutionID(id) {
		respondError(c, h.logger, errs.BadRequest("Execution.InvalidID", "execution id %q is malformed", id))
		return
	}
	execution, err := h.service.GetExecution(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromExecution(execution))
}

func (h *ExecutionHandlers) httpListExecutions(c *gin.Context) {
	sessionID := c.Param("sid")
	if !ids.ValidSessionID(sessionID) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", sessionID))
		return
	}
	opts := repository.ListExecutionsOptions{}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts.Offset = parsed
		}
	}
	executions, total, err := h.service.ListExecutions(c.Request.Context(), sessionID, opts)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListExecutionsResponse{
		Executions: dto.FromExecutions(executions),
		Total:      total,
	})
}

func (h *ExecutionHandlers) httpSessionStats(c *gin.Context) {
	sessionID := c.Param("sid")
	if !ids.ValidSessionID(sessionID) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", sessionID))
		return
	}
	stats, err := h.service.SessionExecutionStats(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *ExecutionHandlers) httpExecutionArtifacts(c *gin.Context) {
	id := c.Param("id")
	if !ids.ValidExecutionID(id) {
		respondError(c, h.logger, errs.BadRequest("Execution.InvalidID", "execution id %q is malformed", id))
		return
	}
	presign := c.Query("presign") == queryValueTrue
	artifacts, err := h.service.ExecutionArtifacts(c.Request.Context(), id, presign)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListArtifactsResponse{
		Artifacts: artifacts,
		Total:     len(artifacts),
	})
}

// durationQuery parses a float seconds query parameter, enforcing the
// inclusive range. Absent means zero; the service fills its default.
func durationQuery(c *gin.Context, name string, minSec, maxSec float64) (time.Duration, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errs.Validation("Execution.InvalidQuery", "%s %q is not a number", name, raw)
	}
	if secs < minSec || secs > maxSec {
		return 0, errs.Validation("Execution.InvalidQuery",
			"%s must be between %g and %g seconds, got %g", name, minSec, maxSec, secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
