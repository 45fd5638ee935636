package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/events"
	"github.com/sandpit-io/sandpit/internal/metrics"
	"github.com/sandpit-io/sandpit/internal/sandbox/ids"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	"github.com/sandpit-io/sandpit/internal/storage"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// SyncResult is the outcome of ExecuteSync: the freshest execution row
// plus whether the wait gave up before the execution went terminal.
type SyncResult struct {
	Execution *models.Execution
	TimedOut  bool
}

// ExecuteCode submits code to a running session. The PENDING execution
// and the session activity bump are committed in one transaction before
// anything is sent to the executor, so the row exists no matter what the
// network does next. A failed submit marks the execution FAILED and
// returns it; the caller reads the status, not an error.
func (s *Service) ExecuteCode(ctx context.Context, sessionID string, req *v1.ExecuteRequest) (*models.Execution, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != v1.SessionStatusRunning {
		return nil, errs.StateConflict("Execution.SessionNotRunning",
			"session %s is %s and cannot accept code", sessionID, session.Status).
			WithSolution("wait for the session to reach RUNNING, or create a new one")
	}

	if req.Code == "" {
		return nil, errs.Validation("Execution.EmptyCode", "code must not be empty")
	}
	if len(req.Code) > models.MaxCodeBytes {
		return nil, errs.Validation("Execution.CodeTooLarge",
			"code payload is %d bytes, limit is %d", len(req.Code), models.MaxCodeBytes)
	}
	if req.Event != nil {
		raw, err := json.Marshal(req.Event)
		if err != nil {
			return nil, errs.Validation("Execution.InvalidEvent",
				"event payload does not serialize to JSON").WithCause(err)
		}
		if len(raw) > models.MaxEventBytes {
			return nil, errs.Validation("Execution.EventTooLarge",
				"event payload is %d bytes, limit is %d", len(raw), models.MaxEventBytes)
		}
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = session.Timeout
	}
	if timeout < models.MinExecutionTimeout || timeout > models.MaxExecutionTimeout {
		return nil, errs.Validation("Execution.InvalidTimeout",
			"timeout must be between %d and %d seconds, got %d",
			models.MinExecutionTimeout, models.MaxExecutionTimeout, timeout)
	}
	language := req.Language
	if language == "" {
		language = runtimeLanguage(session.Runtime)
	}

	now := s.clk.Now().UTC()
	execution := &models.Execution{
		ID:        ids.NewExecutionID(s.clk),
		SessionID: sessionID,
		Code:      req.Code,
		Language:  language,
		Timeout:   timeout,
		Event:     req.Event,
		EnvVars:   req.EnvVars,
		Status:    v1.ExecutionStatusPending,
		CreatedAt: now,
	}
	err = s.repo.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.CreateExecution(ctx, execution); err != nil {
			return err
		}
		return tx.TouchSessionActivity(ctx, sessionID, now)
	})
	if err != nil {
		return nil, err
	}
	metrics.ExecutionsSubmitted.Inc()
	s.publishExecution(ctx, events.ExecutionSubmitted, execution, nil)

	submit := &v1.ExecutorSubmit{
		ExecutionID: execution.ID,
		SessionID:   sessionID,
		Code:        req.Code,
		Language:    language,
		Timeout:     timeout,
		Event:       req.Event,
		EnvVars:     req.EnvVars,
	}
	if _, err := s.scheduler.Execute(ctx, sessionID, session.ContainerID, submit); err != nil {
		return s.failSubmit(ctx, execution.ID, err)
	}

	ackAt := s.clk.Now().UTC()
	err = s.repo.ApplyExecutionResult(ctx, execution.ID, func(e *models.Execution) error {
		return e.MarkRunning(ackAt)
	})
	if err != nil && errs.KindOf(err) != errs.KindStateConflict {
		// A conflict means the result callback already landed; the row
		// is terminal and fresher than anything we would write.
		return nil, err
	}

	execution, err = s.repo.GetExecution(ctx, execution.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Execution submitted",
		zap.String("execution_id", execution.ID),
		zap.String("session_id", sessionID),
		zap.String("language", language),
		zap.Int("timeout", timeout))
	s.publishExecution(ctx, events.ExecutionStarted, execution, nil)
	return execution, nil
}

// failSubmit records a submit failure as a FAILED execution and returns
// the row. The executor never saw the code, so no callback will follow.
func (s *Service) failSubmit(ctx context.Context, executionID string, cause error) (*models.Execution, error) {
	now := s.clk.Now().UTC()
	err := s.repo.ApplyExecutionResult(ctx, executionID, func(e *models.Execution) error {
		if err := e.Fail(now); err != nil {
			return err
		}
		e.ErrorMessage = "submit to executor failed: " + cause.Error()
		return nil
	})
	if err != nil && errs.KindOf(err) != errs.KindStateConflict {
		return nil, err
	}
	execution, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	metrics.ExecutionsTerminal.WithLabelValues(string(execution.Status)).Inc()
	s.logger.Error("Execution submit failed",
		zap.String("execution_id", executionID),
		zap.String("session_id", execution.SessionID),
		zap.Error(cause))
	s.publishExecution(ctx, events.ExecutionCompleted, execution, map[string]interface{}{
		"error": execution.ErrorMessage,
	})
	return execution, nil
}

// ExecuteSync submits code and polls until the execution goes terminal
// or syncTimeout elapses. Zero pollInterval and syncTimeout take the
// service defaults. On timeout the latest row is returned with TimedOut
// set; the execution keeps running in the sandbox.
func (s *Service) ExecuteSync(ctx context.Context, sessionID string, req *v1.ExecuteRequest, pollInterval, syncTimeout time.Duration) (*SyncResult, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if syncTimeout <= 0 {
		syncTimeout = DefaultSyncTimeout
	}

	execution, err := s.ExecuteCode(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	if execution.IsTerminal() {
		return &SyncResult{Execution: execution}, nil
	}

	deadline := time.NewTimer(syncTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			latest, err := s.repo.GetExecution(ctx, execution.ID)
			if err != nil {
				return nil, err
			}
			if latest.IsTerminal() {
				return &SyncResult{Execution: latest}, nil
			}
			s.logger.Debug("Synchronous wait expired",
				zap.String("execution_id", execution.ID),
				zap.Duration("sync_timeout", syncTimeout))
			return &SyncResult{Execution: latest, TimedOut: true}, nil
		case <-ticker.C:
			latest, err := s.repo.GetExecution(ctx, execution.ID)
			if err != nil {
				return nil, err
			}
			if latest.IsTerminal() {
				return &SyncResult{Execution: latest}, nil
			}
		}
	}
}

// GetExecution returns one execution.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return s.repo.GetExecution(ctx, id)
}

// ListExecutions returns a page of a session's executions, newest first,
// and the unpaged total. The session must exist.
func (s *Service) ListExecutions(ctx context.Context, sessionID string, opts repository.ListExecutionsOptions) ([]*models.Execution, int, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, 0, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.repo.ListExecutionsBySession(ctx, sessionID, opts)
}

// ExecutionArtifacts returns the artifacts an execution reported. With
// presign set, each artifact carries a time-limited download URL.
func (s *Service) ExecutionArtifacts(ctx context.Context, executionID string, presign bool) ([]v1.Artifact, error) {
	execution, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make([]v1.Artifact, 0, len(execution.Artifacts))
	if len(execution.Artifacts) == 0 {
		return out, nil
	}

	prefix := ""
	if presign {
		session, err := s.repo.GetSession(ctx, execution.SessionID)
		if err != nil {
			return nil, err
		}
		prefix = storage.PrefixFor(session.WorkspacePath, session.ID)
	}
	for _, a := range execution.Artifacts {
		wire := v1.Artifact{
			Path:      a.Path,
			Size:      a.Size,
			MimeType:  a.MimeType,
			Kind:      a.Kind,
			Checksum:  a.Checksum,
			CreatedAt: a.CreatedAt,
		}
		if presign {
			url, err := s.store.Presign(ctx, prefix+a.Path, s.config.PresignTTL)
			if err != nil {
				return nil, err
			}
			wire.URL = url
		}
		out = append(out, wire)
	}
	return out, nil
}

// SessionExecutionStats aggregates execution outcomes for one session.
// The session must exist.
func (s *Service) SessionExecutionStats(ctx context.Context, sessionID string) (*repository.SessionExecutionStats, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.GetSessionExecutionStats(ctx, sessionID)
}
