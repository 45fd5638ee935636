package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/events"
	"github.com/sandpit-io/sandpit/internal/metrics"
	"github.com/sandpit-io/sandpit/internal/sandbox/ids"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	"github.com/sandpit-io/sandpit/internal/scheduler"
	"github.com/sandpit-io/sandpit/internal/storage"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// CreateSession provisions a new sandbox session: template lookup,
// validation, placement, persistence, then container provisioning. The
// session is returned in CREATING (cold container booting), RUNNING
// (warm container bound) or FAILED (provisioning broke; the row records
// why). Callers read the status instead of expecting an error for
// provisioning failures, because the session row already exists.
func (s *Service) CreateSession(ctx context.Context, req *v1.CreateSessionRequest) (*models.Session, error) {
	tpl, err := s.repo.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = tpl.DefaultTimeout
	}
	if timeout < models.MinExecutionTimeout || timeout > models.MaxExecutionTimeout {
		return nil, errs.Validation("Session.InvalidTimeout",
			"timeout must be between %d and %d seconds, got %d",
			models.MinExecutionTimeout, models.MaxExecutionTimeout, timeout)
	}

	resources := tpl.Resources
	if req.CPU != "" {
		resources.CPU = req.CPU
	}
	if req.Memory != "" {
		resources.Memory = req.Memory
	}
	if req.Disk != "" {
		resources.Disk = req.Disk
	}
	if err := resources.Validate(); err != nil {
		return nil, err
	}

	deps := make([]models.DependencySpec, 0, len(req.Dependencies))
	for _, d := range req.Dependencies {
		deps = append(deps, models.DependencySpec{Name: d.Name, Version: d.Version})
	}
	if err := models.ValidateDependencies(deps); err != nil {
		return nil, err
	}
	installTimeout := req.InstallTimeout
	if len(deps) > 0 && installTimeout == 0 {
		installTimeout = DefaultInstallTimeout
	}
	if installTimeout != 0 && (installTimeout < models.MinInstallTimeout || installTimeout > models.MaxInstallTimeout) {
		return nil, errs.Validation("Session.InvalidInstallTimeout",
			"install_timeout must be between %d and %d seconds, got %d",
			models.MinInstallTimeout, models.MaxInstallTimeout, installTimeout)
	}

	id := ids.NewSessionID(s.clk)
	workspacePath, err := s.workspacePath(id, req.WorkspacePath)
	if err != nil {
		return nil, err
	}

	// Sessions installing dependencies need a container booted with the
	// install env, so they never take a warm one.
	node, err := s.scheduler.Schedule(ctx, scheduler.ScheduleRequest{
		SessionID:   id,
		TemplateID:  tpl.ID,
		RequireCold: len(deps) > 0,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrNoHealthyNode) {
			return nil, errs.ResourceExhausted("Session.NoCapacity",
				"no runtime node can host a new session right now").
				WithSolution("retry once capacity frees up, or add runtime nodes").
				WithCause(err)
		}
		return nil, err
	}

	now := s.clk.Now().UTC()
	installState := v1.DependencyInstallNone
	if len(deps) > 0 {
		installState = v1.DependencyInstallInstalling
	}
	session := &models.Session{
		ID:                id,
		TemplateID:        tpl.ID,
		Status:            v1.SessionStatusCreating,
		Runtime:           tpl.Runtime,
		Resources:         resources,
		WorkspacePath:     workspacePath,
		NodeID:            node.ID,
		EnvVars:           req.EnvVars,
		Timeout:           timeout,
		Dependencies:      deps,
		InstallTimeout:    installTimeout,
		DependencyInstall: installState,
		Metadata:          req.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastActivityAt:    now,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.Inc()
	if err := s.repo.IncrementNodeSessions(ctx, node.ID); err != nil {
		// State sync recounts from the session table, so a missed
		// increment only skews placement until the next cycle.
		s.logger.Warn("Failed to bump node session count",
			zap.String("node_id", node.ID), zap.Error(err))
	}

	containerID, warm, err := s.scheduler.CreateContainerForSession(ctx, scheduler.CreateContainerRequest{
		SessionID:     id,
		TemplateID:    tpl.ID,
		Image:         tpl.Image,
		Resources:     resources,
		Env:           containerEnv(session),
		WorkspacePath: workspacePath,
		NodeID:        node.ID,
	})
	if err != nil {
		return s.failProvisioning(ctx, session, containerID, err)
	}

	if err := session.AssignContainer(containerID, now); err != nil {
		return s.failProvisioning(ctx, session, containerID, err)
	}
	if warm {
		// A warm container is already booted; its executor reported
		// ready back when nothing was bound to hear it.
		if err := session.MarkRunning(now); err != nil {
			return s.failProvisioning(ctx, session, containerID, err)
		}
	}
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("template_id", tpl.ID),
		zap.String("node_id", node.ID),
		zap.String("container_id", containerID),
		zap.Bool("warm", warm),
		zap.Int("dependencies", len(deps)),
	)
	s.publishSession(ctx, events.SessionCreated, session, map[string]interface{}{
		"template_id":  tpl.ID,
		"node_id":      node.ID,
		"container_id": containerID,
		"warm":         warm,
	})
	return session, nil
}

// workspacePath resolves the workspace location for a new session. A
// caller-supplied path must parse and live in the configured bucket;
// otherwise the conventional sessions/<id>/ prefix is used.
func (s *Service) workspacePath(sessionID, override string) (string, error) {
	if override == "" {
		return storage.WorkspacePath(s.config.Bucket, sessionID), nil
	}
	bucket, prefix, err := storage.ParseWorkspacePath(override)
	if err != nil {
		return "", err
	}
	if bucket != s.config.Bucket {
		return "", errs.Validation("Session.InvalidWorkspacePath",
			"workspace path must live in bucket %q, got %q", s.config.Bucket, bucket)
	}
	if prefix == "" {
		return "", errs.Validation("Session.InvalidWorkspacePath",
			"workspace path %q has no key prefix", override)
	}
	if !strings.HasSuffix(override, "/") {
		override += "/"
	}
	return override, nil
}

// containerEnv renders the env the session container boots with: the
// caller's variables plus the dependency install contract when the
// session requested packages.
func containerEnv(session *models.Session) map[string]string {
	if len(session.Dependencies) == 0 {
		return session.EnvVars
	}
	env := make(map[string]string, len(session.EnvVars)+2)
	for k, v := range session.EnvVars {
		env[k] = v
	}
	specs := make([]string, 0, len(session.Dependencies))
	for _, d := range session.Dependencies {
		specs = append(specs, d.Spec())
	}
	env["DEPENDENCIES"] = strings.Join(specs, " ")
	env["INSTALL_TIMEOUT"] = strconv.Itoa(session.InstallTimeout)
	return env
}

// failProvisioning records a provisioning failure on the session and
// tears down whatever was built. The FAILED session is returned instead
// of an error: the row exists and the client needs its id.
func (s *Service) failProvisioning(ctx context.Context, session *models.Session, containerID string, cause error) (*models.Session, error) {
	now := s.clk.Now().UTC()
	msg := fmt.Sprintf("container provisioning failed: %v", cause)
	if err := session.MarkFailed(now, msg); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	if containerID != "" {
		if err := s.scheduler.DestroyContainer(ctx, containerID, 0); err != nil {
			s.logger.Warn("Failed to destroy container of failed session",
				zap.String("session_id", session.ID),
				zap.String("container_id", containerID),
				zap.Error(err))
		}
	}
	s.decrementNode(ctx, session.NodeID)

	metrics.SessionsTerminal.WithLabelValues(string(v1.SessionStatusFailed)).Inc()
	s.logger.Error("Session provisioning failed",
		zap.String("session_id", session.ID),
		zap.Error(cause))
	s.publishSession(ctx, events.SessionFailed, session, map[string]interface{}{
		"error": msg,
	})
	return session, nil
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ListSessions returns a session page and the unpaged total.
func (s *Service) ListSessions(ctx context.Context, opts repository.ListSessionsOptions) ([]*models.Session, int, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.PageSize > 100 {
		opts.PageSize = 100
	}
	return s.repo.ListSessions(ctx, opts)
}

// TerminateSession tears a session down: container destroyed with a
// stop grace, workspace prefix deleted, then the TERMINATED transition.
// Teardown failures are logged and tolerated; they never block the
// transition. Terminating a terminal session is a no-op.
func (s *Service) TerminateSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return session, nil
	}

	destroyed := false
	if session.ContainerID != "" {
		if err := s.scheduler.DestroyContainer(ctx, session.ContainerID, TerminateGrace); err != nil {
			s.logger.Warn("Failed to destroy session container on terminate",
				zap.String("session_id", id),
				zap.String("container_id", session.ContainerID),
				zap.Error(err))
		} else {
			destroyed = true
		}
	}
	if _, err := s.store.DeletePrefix(ctx, storage.PrefixFor(session.WorkspacePath, id)); err != nil {
		s.logger.Warn("Failed to delete session workspace on terminate",
			zap.String("session_id", id),
			zap.Error(err))
	}

	err = s.repo.UpdateSessionStatus(ctx, id,
		[]v1.SessionStatus{v1.SessionStatusCreating, v1.SessionStatusRunning},
		v1.SessionStatusTerminated, "")
	if err != nil {
		if errs.KindOf(err) == errs.KindStateConflict {
			// Raced with a sweep or a callback; whoever won, the session
			// is terminal and the teardown above was idempotent.
			return s.repo.GetSession(ctx, id)
		}
		return nil, err
	}
	if destroyed {
		if err := s.repo.ClearSessionContainer(ctx, id); err != nil {
			s.logger.Warn("Failed to clear container binding on terminate",
				zap.String("session_id", id), zap.Error(err))
		}
	}
	s.decrementNode(ctx, session.NodeID)

	session, err = s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	metrics.SessionsTerminal.WithLabelValues(string(v1.SessionStatusTerminated)).Inc()
	s.logger.Info("Session terminated",
		zap.String("session_id", id),
		zap.Bool("container_destroyed", destroyed))
	s.publishSession(ctx, events.SessionTerminated, session, map[string]interface{}{
		"reason": "requested",
	})
	return session, nil
}

func (s *Service) decrementNode(ctx context.Context, nodeID string) {
	if nodeID == "" {
		return
	}
	if err := s.repo.DecrementNodeSessions(ctx, nodeID); err != nil {
		s.logger.Warn("Failed to drop node session count",
			zap.String("node_id", nodeID), zap.Error(err))
	}
}
