// Package callback reduces executor-agent reports into session and
// execution state. Agents inside sandbox containers post ready, exited,
// heartbeat and result events to /internal/*; this service is the only
// writer for those transitions, so replays and races resolve against
// the guarded state machines instead of handler logic.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/clock"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/events"
	"github.com/sandpit-io/sandpit/internal/events/bus"
	"github.com/sandpit-io/sandpit/internal/metrics"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

const eventSource = "callback"

// Service absorbs executor callbacks.
type Service struct {
	repo     repository.Repository
	eventBus bus.EventBus
	clk      clock.Clock
	logger   *logger.Logger
}

// NewService creates the callback service.
func NewService(repo repository.Repository, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		clk:      clk,
		logger:   log.WithFields(zap.String("component", "callback")),
	}
}

// ContainerReady flips the session behind a container to RUNNING and
// records the dependency install outcome the agent reports alongside.
// A session already RUNNING absorbs the replay unchanged.
func (s *Service) ContainerReady(ctx context.Context, req *v1.ContainerReadyRequest) (*models.Session, error) {
	metrics.CallbackEvents.WithLabelValues("ready").Inc()

	session, err := s.repo.GetSessionByContainerID(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now().UTC()
	changed := applyDependencyOutcome(session, req)

	switch {
	case session.Status == v1.SessionStatusRunning:
		// Replay; persist only a late dependency report.
		if changed {
			if err := s.repo.UpdateSession(ctx, session); err != nil {
				return nil, err
			}
		}
		return session, nil
	case session.Status == v1.SessionStatusCreating:
		if err := session.MarkRunning(now); err != nil {
			return nil, err
		}
	default:
		return nil, errs.StateConflict("Session.InvalidState",
			"session %s is %s and cannot become ready", session.ID, session.Status)
	}

	session.TouchActivity(now)
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("Container ready, session running",
		zap.String("session_id", session.ID),
		zap.String("container_id", req.ContainerID),
		zap.String("hostname", req.Hostname),
	)
	s.publishSession(ctx, events.SessionRunning, session, map[string]interface{}{
		"container_id": req.ContainerID,
		"hostname":     req.Hostname,
	})
	return session, nil
}

// applyDependencyOutcome folds the agent's install report into the
// session. It only fires while the session is still INSTALLING, so
// replays cannot overwrite a recorded outcome.
func applyDependencyOutcome(session *models.Session, req *v1.ContainerReadyRequest) bool {
	if req.DependencyStatus == "" || session.DependencyInstall != v1.DependencyInstallInstalling {
		return false
	}
	switch strings.ToLower(req.DependencyStatus) {
	case "completed":
		session.DependencyInstall = v1.DependencyInstallCompleted
		session.InstalledDeps = req.InstalledPackages
	case "failed":
		session.DependencyInstall = v1.DependencyInstallFailed
		if req.DependencyError != "" {
			session.ErrorMessage = req.DependencyError
		}
	default:
		return false
	}
	return true
}

// ContainerExited marks the session behind an exited container as
// FAILED, or TIMEOUT when the container was TERMed after the session
// outlived its own deadline. Terminal sessions absorb the replay.
func (s *Service) ContainerExited(ctx context.Context, req *v1.ContainerExitedRequest) (*models.Session, error) {
	metrics.CallbackEvents.WithLabelValues("exited").Inc()

	session, err := s.repo.GetSessionByContainerID(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return session, nil
	}

	now := s.clk.Now().UTC()
	eventType := events.SessionFailed
	if req.ExitReason == v1.ExitReasonSigterm && s.deadlineElapsed(session, now) {
		if err := session.MarkTimeout(now); err != nil {
			return nil, err
		}
		eventType = events.SessionTimeout
	} else {
		if err := session.MarkFailed(now, exitMessage(req)); err != nil {
			return nil, err
		}
	}

	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	metrics.SessionsTerminal.WithLabelValues(string(session.Status)).Inc()
	s.logger.Info("Container exited",
		zap.String("session_id", session.ID),
		zap.String("container_id", req.ContainerID),
		zap.Int("exit_code", req.ExitCode),
		zap.String("exit_reason", req.ExitReason),
		zap.String("status", string(session.Status)),
	)
	s.publishSession(ctx, eventType, session, map[string]interface{}{
		"container_id": req.ContainerID,
		"exit_code":    req.ExitCode,
		"exit_reason":  req.ExitReason,
	})
	return session, nil
}

func (s *Service) deadlineElapsed(session *models.Session, now time.Time) bool {
	return session.Timeout > 0 && session.Age(now) >= time.Duration(session.Timeout)*time.Second
}

func exitMessage(req *v1.ContainerExitedRequest) string {
	reason := req.ExitReason
	if reason == "" {
		reason = "unknown"
	}
	return fmt.Sprintf("container exited (%s, code %d)", reason, req.ExitCode)
}

// ExecutionHeartbeat records agent liveness on the execution and bumps
// the parent session's activity. Heartbeats for unknown executions are
// accepted and logged: the agent may outrace the submit commit or
// outlive a swept session.
func (s *Service) ExecutionHeartbeat(ctx context.Context, executionID string, req *v1.ExecutionHeartbeatRequest) error {
	metrics.CallbackEvents.WithLabelValues("heartbeat").Inc()

	now := s.clk.Now().UTC()
	var sessionID string
	err := s.repo.ApplyExecutionResult(ctx, executionID, func(e *models.Execution) error {
		e.Heartbeat(now)
		sessionID = e.SessionID
		return nil
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			s.logger.Debug("Heartbeat for unknown execution",
				zap.String("execution_id", executionID))
			return nil
		}
		return err
	}

	if err := s.repo.TouchSessionActivity(ctx, sessionID, now); err != nil {
		s.logger.Warn("Heartbeat could not bump session activity",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	data := map[string]interface{}{
		"execution_id": executionID,
		"session_id":   sessionID,
	}
	if len(req.Progress) > 0 {
		data["progress"] = req.Progress
	}
	s.publishExecution(ctx, events.ExecutionHeartbeat, executionID, data)
	return nil
}

// ResultOutcome reports how a result callback landed.
type ResultOutcome struct {
	Execution *models.Execution
	// Replayed means the stored state was already terminal with the
	// same status; nothing changed.
	Replayed bool
}

// ExecutionResult applies the terminal outcome an agent reports. The
// reduction is idempotent under replay: re-reporting the stored
// terminal status is a no-op, while a different terminal status is a
// state conflict.
func (s *Service) ExecutionResult(ctx context.Context, executionID string, req *v1.ExecutionResultRequest) (*ResultOutcome, error) {
	metrics.CallbackEvents.WithLabelValues("result").Inc()

	target, ok := resultStatus(req.Status)
	if !ok {
		return nil, errs.BadRequest("Execution.InvalidResultStatus",
			"unknown result status %q", req.Status)
	}

	now := s.clk.Now().UTC()
	replayed := false
	err := s.repo.ApplyExecutionResult(ctx, executionID, func(e *models.Execution) error {
		if e.IsTerminal() {
			if e.Status == target {
				replayed = true
				return nil
			}
			return errs.StateConflict("Execution.ResultConflict",
				"execution %s is already %s; conflicting result %s", e.ID, e.Status, target)
		}
		return applyResult(e, target, req, now)
	})
	if err != nil {
		return nil, err
	}

	execution, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if replayed {
		s.logger.Debug("Result replayed",
			zap.String("execution_id", executionID),
			zap.String("status", string(execution.Status)),
		)
		return &ResultOutcome{Execution: execution, Replayed: true}, nil
	}

	metrics.ExecutionsTerminal.WithLabelValues(string(execution.Status)).Inc()
	if execution.Metrics != nil && execution.Metrics.DurationMs > 0 {
		metrics.ExecutionDuration.Observe(float64(execution.Metrics.DurationMs) / 1000)
	}

	s.logger.Info("Execution finished",
		zap.String("execution_id", executionID),
		zap.String("session_id", execution.SessionID),
		zap.String("status", string(execution.Status)),
		zap.Int("exit_code", req.ExitCode),
	)
	s.publishExecution(ctx, events.ExecutionCompleted, executionID, map[string]interface{}{
		"execution_id": executionID,
		"session_id":   execution.SessionID,
		"status":       string(execution.Status),
		"exit_code":    req.ExitCode,
	})
	return &ResultOutcome{Execution: execution, Replayed: false}, nil
}

// resultStatus maps the wire status onto the domain status.
func resultStatus(status string) (v1.ExecutionStatus, bool) {
	switch status {
	case v1.ResultStatusSuccess:
		return v1.ExecutionStatusCompleted, true
	case v1.ResultStatusFailed:
		return v1.ExecutionStatusFailed, true
	case v1.ResultStatusTimeout:
		return v1.ExecutionStatusTimeout, true
	case v1.ResultStatusCrashed:
		return v1.ExecutionStatusCrashed, true
	}
	return "", false
}

// applyResult runs the whole reduction against the staged row. Any
// error leaves the stored execution untouched, so a bad payload cannot
// half-apply.
func applyResult(e *models.Execution, target v1.ExecutionStatus, req *v1.ExecutionResultRequest, now time.Time) error {
	artifacts := make([]models.Artifact, 0, len(req.Artifacts))
	for _, upload := range req.Artifacts {
		artifact := models.Artifact{
			Path:      upload.Path,
			Size:      upload.Size,
			MimeType:  upload.MimeType,
			Kind:      artifactKind(upload.Kind),
			Checksum:  strings.ToLower(upload.Checksum),
			CreatedAt: now,
		}
		if err := artifact.Validate(); err != nil {
			return err
		}
		artifacts = append(artifacts, artifact)
	}

	returnValue, err := encodeReturnValue(req.ReturnValue)
	if err != nil {
		return err
	}

	var terr error
	switch target {
	case v1.ExecutionStatusCompleted:
		terr = e.Complete(now)
	case v1.ExecutionStatusFailed:
		terr = e.Fail(now)
	case v1.ExecutionStatusTimeout:
		terr = e.MarkTimeout(now)
	case v1.ExecutionStatusCrashed:
		terr = e.Crash(now)
	}
	if terr != nil {
		return terr
	}

	exitCode := req.ExitCode
	e.ExitCode = &exitCode
	e.ErrorMessage = req.ErrorMessage
	e.Stdout = models.TruncateOutput(req.Stdout)
	e.Stderr = models.TruncateOutput(req.Stderr)
	e.ReturnValue = returnValue
	e.Metrics = resultMetrics(req)
	e.Artifacts = artifacts
	return nil
}

func artifactKind(kind string) v1.ArtifactKind {
	switch strings.ToUpper(kind) {
	case "", string(v1.ArtifactKindArtifact):
		return v1.ArtifactKindArtifact
	case string(v1.ArtifactKindLog):
		return v1.ArtifactKindLog
	case string(v1.ArtifactKindOutput):
		return v1.ArtifactKindOutput
	}
	return v1.ArtifactKind(strings.ToUpper(kind)) // Validate rejects it
}

func encodeReturnValue(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errs.Validation("Execution.InvalidReturnValue",
			"return value is not representable as JSON").WithCause(err)
	}
	return string(raw), nil
}

// resultMetrics merges the metrics block with the top-level
// execution_time_ms field older agents send.
func resultMetrics(req *v1.ExecutionResultRequest) *v1.ExecutionMetrics {
	if req.Metrics != nil {
		m := *req.Metrics
		if m.DurationMs == 0 {
			m.DurationMs = req.ExecutionTimeMs
		}
		return &m
	}
	if req.ExecutionTimeMs > 0 {
		return &v1.ExecutionMetrics{DurationMs: req.ExecutionTimeMs}
	}
	return nil
}

func (s *Service) publishSession(ctx context.Context, eventType string, session *models.Session, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	data["session_id"] = session.ID
	data["status"] = string(session.Status)
	subject := events.BuildSessionSubject(session.ID)
	_ = s.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data))
}

func (s *Service) publishExecution(ctx context.Context, eventType, executionID string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	subject := events.BuildExecutionSubject(executionID)
	_ = s.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data))
}
