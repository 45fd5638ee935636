package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/sandbox/dto"
	"github.com/sandpit-io/sandpit/internal/sandbox/service"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

type TemplateHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewTemplateHandlers(svc *service.Service, log *logger.Logger) *TemplateHandlers {
	return &TemplateHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "template-handlers")),
	}
}

func RegisterTemplateRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	handlers := NewTemplateHandlers(svc, log)
	handlers.registerHTTP(router)
}

func (h *TemplateHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/templates", h.httpCreateTemplate)
	api.GET("/templates", h.httpListTemplates)
	api.GET("/templates/:id", h.httpGetTemplate)
	api.PATCH("/templates/:id", h.httpUpdateTemplate)
	api.DELETE("/templates/:id", h.httpDeleteTemplate)
}

func (h *TemplateHandlers) httpCreateTemplate(c *gin.Context) {
	var req v1.CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}
	template, err := h.service.CreateTemplate(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromTemplate(template))
}

func (h *TemplateHandlers) httpGetTemplate(c *gin.Context) {
	template, err := h.service.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTemplate(template))
}

func (h *TemplateHandlers) httpListTemplates(c *gin.Context) {
	templates, err := h.service.ListTemplates(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListTemplatesResponse{
		Templates: dto.FromTemplates(templates),
		Total:     len(templates),
	})
}

func (h *TemplateHandlers) httpUpdateTemplate(c *gin.Context) {
	var req v1.UpdateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}
	template, err := h.service.UpdateTemplate(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTemplate(template))
}

func (h *TemplateHandlers) httpDeleteTemplate(c *gin.Context) {
	if err := h.service.DeleteTemplate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}
