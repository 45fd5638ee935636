package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/callback"
	"github.com/sandpit-io/sandpit/internal/common/httpmw"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/dto"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// CallbackHandlers serves the container-facing endpoints executor agents
// report into. They sit outside /api/v1 and behind the shared token.
type CallbackHandlers struct {
	service *callback.Service
	logger  *logger.Logger
}

func NewCallbackHandlers(svc *callback.Service, log *logger.Logger) *CallbackHandlers {
	return &CallbackHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "callback-handlers")),
	}
}

func RegisterCallbackRoutes(router *gin.Engine, svc *callback.Service, token string, log *logger.Logger) {
	handlers := NewCallbackHandlers(svc, log)
	handlers.registerHTTP(router, token)
}

func (h *CallbackHandlers) registerHTTP(router *gin.Engine, token string) {
	internal := router.Group("/internal", httpmw.InternalAuth(token))
	internal.POST("/containers/ready", h.httpContainerReady)
	internal.POST("/containers/exited", h.httpContainerExited)
	internal.POST("/executions/:id/heartbeat", h.httpExecutionHeartbeat)
	internal.POST("/executions/:id/result", h.httpExecutionResult)
}

func (h *CallbackHandlers) httpContainerReady(c *gin.Context) {
	var req v1.ContainerReadyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}
	session, err := h.service.ContainerReady(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSession(session))
}

func (h *CallbackHandlers) httpContainerExited(c *gin.Context) {
	var req v1.ContainerExitedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}
	session, err := h.service.ContainerExited(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSession(session))
}

// httpExecutionHeartbeat acknowledges even unknown execution ids; a
// result may have raced the heartbeat and killing the agent over it
// helps nobody.
func (h *CallbackHandlers) httpExecutionHeartbeat(c *gin.Context) {
	var req v1.ExecutionHeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, h.logger, err)
			return
		}
	}
	if err := h.service.ExecutionHeartbeat(c.Request.Context(), c.Param("id"), &req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}

// httpExecutionResult applies a terminal outcome. First reduction
// answers 201; an identical re-report answers 200 with the stored row;
// anything else maps through the error kinds (400/404/409).
func (h *CallbackHandlers) httpExecutionResult(c *gin.Context) {
	var req v1.ExecutionResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, errs.BadRequest("Callback.InvalidBody", "result payload failed validation").
			WithDetail("%v", err))
		return
	}
	outcome, err := h.service.ExecutionResult(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, dto.FromExecution(outcome.Execution))
}
