package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/sandbox/dto"
	"github.com/sandpit-io/sandpit/internal/sandbox/service"
)

type NodeHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewNodeHandlers(svc *service.Service, log *logger.Logger) *NodeHandlers {
	return &NodeHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "node-handlers")),
	}
}

func RegisterNodeRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	handlers := NewNodeHandlers(svc, log)
	handlers.registerHTTP(router)
}

func (h *NodeHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/nodes", h.httpListNodes)
	api.GET("/nodes/:id", h.httpGetNode)
}

func (h *NodeHandlers) httpListNodes(c *gin.Context) {
	nodes, err := h.service.ListNodes(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListNodesResponse{
		Nodes: dto.FromNodes(nodes),
		Total: len(nodes),
	})
}

func (h *NodeHandlers) httpGetNode(c *gin.Context) {
	node, err := h.service.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromNode(node))
}
