package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/events"
	"github.com/sandpit-io/sandpit/internal/events/bus"
	"github.com/sandpit-io/sandpit/internal/sandbox/ids"
	"github.com/sandpit-io/sandpit/internal/sandbox/service"
)

const (
	// Time allowed to write an event to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// The stream is one-way; inbound frames are control traffic only
	maxStreamMessageSize = 4 * 1024
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandlers serves the live event feed for one session over a
// WebSocket: the session's lifecycle events plus every execution event
// that belongs to it.
type StreamHandlers struct {
	service  *service.Service
	eventBus bus.EventBus
	logger   *logger.Logger
}

func NewStreamHandlers(svc *service.Service, eventBus bus.EventBus, log *logger.Logger) *StreamHandlers {
	return &StreamHandlers{
		service:  svc,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "stream-handlers")),
	}
}

func RegisterStreamRoutes(router *gin.Engine, svc *service.Service, eventBus bus.EventBus, log *logger.Logger) {
	handlers := NewStreamHandlers(svc, eventBus, log)
	handlers.registerHTTP(router)
}

func (h *StreamHandlers) registerHTTP(router *gin.Engine) {
	router.GET("/ws/sessions/:id/events", h.httpSessionEvents)
}

func (h *StreamHandlers) httpSessionEvents(c *gin.Context) {
	sessionID := c.Param("id")
	if !ids.ValidSessionID(sessionID) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", sessionID))
		return
	}
	if _, err := h.service.GetSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	log := h.logger.WithSessionID(sessionID)
	feed := make(chan *bus.Event, 64)
	push := func(event *bus.Event) {
		select {
		case feed <- event:
		default:
			log.Warn("event feed full, dropping event", zap.String("type", event.Type))
		}
	}

	sessionSub, err := h.eventBus.Subscribe(events.BuildSessionSubject(sessionID),
		func(ctx context.Context, event *bus.Event) error {
			push(event)
			return nil
		})
	if err != nil {
		log.Error("session subscription failed", zap.Error(err))
		conn.Close()
		return
	}
	executionSub, err := h.eventBus.Subscribe(events.BuildExecutionWildcardSubject(),
		func(ctx context.Context, event *bus.Event) error {
			if sid, _ := event.Data["session_id"].(string); sid == sessionID {
				push(event)
			}
			return nil
		})
	if err != nil {
		log.Error("execution subscription failed", zap.Error(err))
		_ = sessionSub.Unsubscribe()
		conn.Close()
		return
	}

	defer func() {
		_ = sessionSub.Unsubscribe()
		_ = executionSub.Unsubscribe()
		conn.Close()
	}()

	// Read pump: the client sends nothing but close and pong frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxStreamMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("websocket read ended", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
