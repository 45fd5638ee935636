package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/events/bus"
	"github.com/sandpit-io/sandpit/internal/metrics"
	"github.com/sandpit-io/sandpit/internal/reconciler"
	"github.com/sandpit-io/sandpit/internal/sandbox/dto"
	"github.com/sandpit-io/sandpit/internal/storage"
)

const probeTimeout = 2 * time.Second

// HealthDeps are the dependencies the health endpoint probes. Nil
// members are skipped, so partial wirings (tests, single-purpose
// processes) stay healthy.
type HealthDeps struct {
	Store     storage.ObjectStore
	Backend   backend.Backend
	Bus       bus.EventBus
	StateSync *reconciler.StateSync
	Cleanup   *reconciler.Cleanup
}

type HealthHandlers struct {
	deps   HealthDeps
	logger *logger.Logger
}

func NewHealthHandlers(deps HealthDeps, log *logger.Logger) *HealthHandlers {
	return &HealthHandlers{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "health-handlers")),
	}
}

func RegisterHealthRoutes(router *gin.Engine, deps HealthDeps, log *logger.Logger) {
	handlers := NewHealthHandlers(deps, log)
	handlers.registerHTTP(router)
}

func (h *HealthHandlers) registerHTTP(router *gin.Engine) {
	router.GET("/health", h.httpHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

func (h *HealthHandlers) httpHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if h.deps.Store != nil {
		if err := h.deps.Store.Ping(ctx); err != nil {
			checks["storage"] = err.Error()
			healthy = false
		} else {
			checks["storage"] = "ok"
		}
	}
	if h.deps.Backend != nil {
		if err := h.deps.Backend.Ping(ctx); err != nil {
			checks["backend"] = err.Error()
			healthy = false
		} else {
			checks["backend"] = "ok"
		}
	}
	if h.deps.Bus != nil {
		if h.deps.Bus.IsConnected() {
			checks["event_bus"] = "ok"
		} else {
			checks["event_bus"] = "disconnected"
			healthy = false
		}
	}

	resp := dto.HealthResponse{Status: "ok", Checks: checks}
	if h.deps.StateSync != nil {
		resp.StateSync = h.deps.StateSync.LastReport()
	}
	if h.deps.Cleanup != nil {
		resp.Cleanup = h.deps.Cleanup.LastReport()
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
