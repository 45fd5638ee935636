// Package service implements the application operations behind the REST
// surface: session lifecycle, code execution, workspace files, template
// CRUD and node queries. Handlers stay thin; everything that touches
// more than one port lives here.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/clock"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/events"
	"github.com/sandpit-io/sandpit/internal/events/bus"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	"github.com/sandpit-io/sandpit/internal/scheduler"
	"github.com/sandpit-io/sandpit/internal/storage"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

const eventSource = "service"

// Behavioural defaults applied when a request leaves a knob unset.
const (
	// DefaultInstallTimeout bounds dependency installation when a
	// session requests packages without a timeout, in seconds.
	DefaultInstallTimeout = 300

	// DefaultPollInterval is the execute-sync polling period.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultSyncTimeout bounds execute-sync waiting. Expiry returns the
	// latest snapshot; the execution itself keeps running.
	DefaultSyncTimeout = 60 * time.Second

	// TerminateGrace is how long a container gets to stop before the
	// backend kills it on session termination.
	TerminateGrace = 10 * time.Second

	// MaxInlineDownloadBytes is the largest file returned inline;
	// anything bigger answers with a presigned URL.
	MaxInlineDownloadBytes = 10 << 20 // 10 MiB
)

// Config carries the deployment facts the service needs beyond its ports.
type Config struct {
	// Bucket is the object-store bucket workspaces live in. Custom
	// workspace paths must point into it.
	Bucket string

	// PresignTTL is the lifetime of presigned download URLs.
	PresignTTL time.Duration
}

// Service provides the sandbox business logic.
type Service struct {
	repo      repository.Repository
	store     storage.ObjectStore
	scheduler *scheduler.Scheduler
	eventBus  bus.EventBus
	clk       clock.Clock
	logger    *logger.Logger
	config    Config
}

// New creates the sandbox service. The event bus may be nil when
// nothing consumes lifecycle events.
func New(
	repo repository.Repository,
	store storage.ObjectStore,
	sched *scheduler.Scheduler,
	eventBus bus.EventBus,
	clk clock.Clock,
	log *logger.Logger,
	cfg Config,
) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	return &Service{
		repo:      repo,
		store:     store,
		scheduler: sched,
		eventBus:  eventBus,
		clk:       clk,
		logger:    log.WithFields(zap.String("component", "service")),
		config:    cfg,
	}
}

// runtimeLanguage maps a template runtime onto the language tag the
// executor agent understands.
func runtimeLanguage(r v1.Runtime) string {
	switch r {
	case v1.RuntimePython311:
		return "python"
	case v1.RuntimeNodeJS20:
		return "javascript"
	case v1.RuntimeJava17:
		return "java"
	case v1.RuntimeGo121:
		return "go"
	}
	return string(r)
}

func (s *Service) publishSession(ctx context.Context, eventType string, session *models.Session, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{}, 2)
	}
	data["session_id"] = session.ID
	data["status"] = string(session.Status)
	subject := events.BuildSessionSubject(session.ID)
	_ = s.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data))
}

func (s *Service) publishExecution(ctx context.Context, eventType string, execution *models.Execution, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{}, 3)
	}
	data["execution_id"] = execution.ID
	data["session_id"] = execution.SessionID
	data["status"] = string(execution.Status)
	subject := events.BuildExecutionSubject(execution.ID)
	_ = s.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data))
}
