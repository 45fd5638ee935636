// Package handlers exposes the sandbox REST surface. Each concern has
// its own handler struct and RegisterXRoutes entry point; cmd wiring
// decides which ones a process serves.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

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

type SessionHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewSessionHandlers(svc *service.Service, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "session-handlers")),
	}
}

func RegisterSessionRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	handlers := NewSessionHandlers(svc, log)
	handlers.registerHTTP(router)
}

func (h *SessionHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/sessions", h.httpCreateSession)
	api.GET("/sessions", h.httpListSessions)
	api.GET("/sessions/:id", h.httpGetSession)
	api.DELETE("/sessions/:id", h.httpTerminateSession)
}

func (h *SessionHandlers) httpCreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}
	session, err := h.service.CreateSession(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromSession(session))
}

func (h *SessionHandlers) httpGetSession(c *gin.Context) {
	id := c.Param("id")
	if !ids.ValidSessionID(id) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", id))
		return
	}
	session, err := h.service.GetSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSession(session))
}

func (h *SessionHandlers) httpListSessions(c *gin.Context) {
	page := 1
	pageSize := 20

	if p := c.Query("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if ps := c.Query("page_size"); ps != "" {
		if parsed, err := strconv.Atoi(ps); err == nil && parsed > 0 && parsed <= 100 {
			pageSize = parsed
		}
	}

	opts := repository.ListSessionsOptions{
		TemplateID: c.Query("template_id"),
		Search:     c.Query("search"),
		Page:       page,
		PageSize:   pageSize,
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != "" {
				opts.Statuses = append(opts.Statuses, v1.SessionStatus(s))
			}
		}
	}
	if key := c.Query("metadata_key"); key != "" {
		opts.MetadataKey = key
		opts.MetadataValue = c.Query("metadata_value")
	}

	sessions, total, err := h.service.ListSessions(c.Request.Context(), opts)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListSessionsResponse{
		Sessions: dto.FromSessions(sessions),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func (h *SessionHandlers) httpTerminateSession(c *gin.Context) {
	id := c.Param("id")
	if !ids.ValidSessionID(id) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", id))
		return
	}
	session, err := h.service.TerminateSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSession(session))
}
