// Package scheduler places sessions on runtime nodes and turns them
// into running containers.
//
// Placement order: warm pool, then template affinity, then least
// loaded. Container creation is dispatched as a detached task so the
// create API returns a synthetic container id (the container name)
// without waiting for boot; the session flips to RUNNING only when the
// executor agent inside the container reports ready.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/common/appctx"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/executor"
	"github.com/sandpit-io/sandpit/internal/metrics"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	"github.com/sandpit-io/sandpit/internal/warmpool"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
	ErrNoHealthyNode           = errors.New("no healthy node available")
)

// Config holds scheduler configuration.
type Config struct {
	ExecutorPort    int
	Network         string // container network session containers join
	ControlPlaneURL string
	InternalToken   string
	WarmPoolEnabled bool
	DisableBwrap    bool
	DetachedTimeout time.Duration // bound on deferred create/replenish tasks
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ExecutorPort:    8080,
		DetachedTimeout: 5 * time.Minute,
	}
}

// ScheduleRequest asks for a node able to host one new session.
type ScheduleRequest struct {
	SessionID  string
	TemplateID string
	// RequireCold skips the warm pool. Sessions that install
	// dependencies need a container booted with the install env, which
	// a warm container no longer is.
	RequireCold bool
}

// CreateContainerRequest carries everything needed to provision the
// container backing a session.
type CreateContainerRequest struct {
	SessionID     string
	TemplateID    string
	Image         string
	Resources     models.ResourceLimit
	Env           map[string]string
	WorkspacePath string
	NodeID        string
}

// Scheduler picks nodes and provisions containers.
type Scheduler struct {
	repo     repository.Repository
	backend  backend.Backend
	pool     *warmpool.Pool
	executor *executor.Client
	logger   *logger.Logger
	config   Config

	// Templates that already triggered warm-pool initialization.
	seenTemplates map[string]struct{}

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(
	repo repository.Repository,
	be backend.Backend,
	pool *warmpool.Pool,
	exec *executor.Client,
	log *logger.Logger,
	cfg Config,
) *Scheduler {
	if cfg.DetachedTimeout <= 0 {
		cfg.DetachedTimeout = DefaultConfig().DetachedTimeout
	}
	return &Scheduler{
		repo:          repo,
		backend:       be,
		pool:          pool,
		executor:      exec,
		logger:        log.WithFields(zap.String("component", "scheduler")),
		config:        cfg,
		seenTemplates: make(map[string]struct{}),
	}
}

// Start marks the scheduler running. Detached tasks spawned afterwards
// are canceled when Stop closes the stop channel.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Bool("warm_pool", s.config.WarmPoolEnabled),
		zap.Int("executor_port", s.config.ExecutorPort))
	return nil
}

// Stop cancels detached tasks and waits for them to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Schedule picks the node a new session should land on. A warm-pool
// hit returns the node backing the pooled container and records the
// session binding for the create path.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*models.RuntimeNode, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	s.initWarmPoolOnce(ctx, req.TemplateID)

	if s.config.WarmPoolEnabled && !req.RequireCold {
		if entry := s.pool.Acquire(ctx, req.TemplateID, req.SessionID); entry != nil {
			node, err := s.repo.GetNode(ctx, entry.NodeID)
			if err == nil {
				return node, nil
			}
			// The backing node vanished; destroy the entry and place
			// the session cold.
			s.logger.Warn("Warm entry references unknown node, discarding",
				zap.String("node_id", entry.NodeID),
				zap.String("container_id", entry.ContainerID),
				zap.Error(err),
			)
			_ = s.pool.Release(ctx, entry.ContainerID)
		}
	}

	node, err := s.pickNode(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Session scheduled",
		zap.String("session_id", req.SessionID),
		zap.String("node_id", node.ID),
		zap.Float64("load_ratio", node.LoadRatio()),
	)
	return node, nil
}

// pickNode returns the online node with the smallest
// (loadRatio, sessionCount) tuple, preferring nodes that already cache
// the template image. Nodes at their session limit are skipped; ties
// break on node id so placement is deterministic.
func (s *Scheduler) pickNode(ctx context.Context, templateID string) (*models.RuntimeNode, error) {
	nodes, err := s.repo.ListNodesByStatus(ctx, v1.NodeStatusOnline)
	if err != nil {
		return nil, err
	}

	eligible := nodes[:0]
	for _, node := range nodes {
		if node.HasCapacity() {
			eligible = append(eligible, node)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoHealthyNode
	}

	candidates := eligible
	var cached []*models.RuntimeNode
	for _, node := range eligible {
		if node.HasTemplate(templateID) {
			cached = append(cached, node)
		}
	}
	if len(cached) > 0 {
		candidates = cached
	}

	best := candidates[0]
	for _, node := range candidates[1:] {
		if lessLoaded(node, best) {
			best = node
		}
	}
	return best, nil
}

func lessLoaded(a, b *models.RuntimeNode) bool {
	if a.LoadRatio() != b.LoadRatio() {
		return a.LoadRatio() < b.LoadRatio()
	}
	if a.SessionCount != b.SessionCount {
		return a.SessionCount < b.SessionCount
	}
	return a.ID < b.ID
}

// CreateContainerForSession provisions the container for a session and
// returns its id immediately. A bound warm container returns at once
// with a detached replenish and warm=true; otherwise create+start runs
// as a detached task and the returned id is the container name the
// task will use. Callers use warm to decide whether the container is
// already booted.
func (s *Scheduler) CreateContainerForSession(ctx context.Context, req CreateContainerRequest) (id string, warm bool, err error) {
	if s.config.WarmPoolEnabled {
		if entry, ok := s.pool.Bound(req.SessionID); ok {
			target := s.pool.Settings(req.TemplateID).PoolSize
			s.replenishDetached(req.TemplateID, target)
			s.logger.Info("Session bound to warm container",
				zap.String("session_id", req.SessionID),
				zap.String("container_id", entry.ContainerID),
			)
			return entry.ContainerID, true, nil
		}
	}

	spec := s.sessionSpec(req)
	name := spec.Name

	// Deferred create: the API answers with the synthetic id while the
	// container boots. The creation-deadline sweep catches sessions
	// whose deferred create never finished.
	s.detach(func(dctx context.Context) {
		id, err := s.backend.Create(dctx, spec)
		if err != nil {
			s.logger.Error("Deferred container create failed",
				zap.String("session_id", req.SessionID),
				zap.String("container", name),
				zap.Error(err),
			)
			return
		}
		if err := s.backend.Start(dctx, id); err != nil {
			s.logger.Error("Deferred container start failed",
				zap.String("session_id", req.SessionID),
				zap.String("container", name),
				zap.Error(err),
			)
			_ = s.backend.Remove(dctx, id, true)
			return
		}
		s.logger.Info("Container started",
			zap.String("session_id", req.SessionID),
			zap.String("container", name),
		)
	})

	return name, false, nil
}

// RecreateContainer rebuilds a session container in the foreground and
// reports the real outcome. State sync uses it when a session's
// container vanished: recovery needs to know whether the replacement
// actually started, not just that a create was queued.
func (s *Scheduler) RecreateContainer(ctx context.Context, req CreateContainerRequest) (string, error) {
	spec := s.sessionSpec(req)
	id, err := s.backend.Create(ctx, spec)
	if err != nil {
		return "", errs.Backend("Scheduler.RecreateFailed",
			"recreate container for session %s: create failed", req.SessionID).WithCause(err)
	}
	if err := s.backend.Start(ctx, id); err != nil {
		_ = s.backend.Remove(ctx, id, true)
		return "", errs.Backend("Scheduler.RecreateFailed",
			"recreate container for session %s: start failed", req.SessionID).WithCause(err)
	}
	return id, nil
}

// sessionSpec renders the container spec for a session container.
func (s *Scheduler) sessionSpec(req CreateContainerRequest) backend.ContainerSpec {
	return backend.ContainerSpec{
		Name:      ContainerName(req.SessionID),
		Image:     req.Image,
		Env:       s.containerEnv(req),
		Resources: req.Resources,
		Workspace: backend.WorkspaceSpec{
			Path:      req.WorkspacePath,
			MountPath: "/workspace",
		},
		Labels: map[string]string{
			backend.LabelSessionID:  req.SessionID,
			backend.LabelTemplateID: req.TemplateID,
			backend.LabelManagedBy:  backend.ManagedByValue,
		},
		Network: s.config.Network,
	}
}

// containerEnv merges the session env with the variables the executor
// agent needs to boot and call back.
func (s *Scheduler) containerEnv(req CreateContainerRequest) map[string]string {
	env := make(map[string]string, len(req.Env)+6)
	for k, v := range req.Env {
		env[k] = v
	}
	env["SESSION_ID"] = req.SessionID
	env["WORKSPACE_PATH"] = req.WorkspacePath
	env["CONTROL_PLANE_URL"] = s.config.ControlPlaneURL
	env["INTERNAL_API_TOKEN"] = s.config.InternalToken
	env["EXECUTOR_PORT"] = strconv.Itoa(s.config.ExecutorPort)
	env["DISABLE_BWRAP"] = strconv.FormatBool(s.config.DisableBwrap)
	return env
}

// DestroyContainer tears a container down. Pool containers route
// through Release; everything else is stopped with the grace period
// and removed, with missing containers ignored.
func (s *Scheduler) DestroyContainer(ctx context.Context, containerID string, grace time.Duration) error {
	if s.pool != nil && s.pool.Owns(containerID) {
		return s.pool.Release(ctx, containerID)
	}

	if err := s.backend.Stop(ctx, containerID, grace); err != nil && !errors.Is(err, backend.ErrNotFound) {
		s.logger.Warn("Container stop failed, forcing removal",
			zap.String("container_id", containerID),
			zap.Error(err),
		)
	}
	if err := s.backend.Remove(ctx, containerID, true); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	return nil
}

// Execute forwards a code submission to the executor agent inside the
// session's container and returns the acknowledged execution id. It
// never waits for the code to finish.
func (s *Scheduler) Execute(ctx context.Context, sessionID, containerID string, submit *v1.ExecutorSubmit) (string, error) {
	status, err := s.backend.Inspect(ctx, containerID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return "", errs.NotFound("Scheduler.ContainerNotFound",
				"container for session %s no longer exists", sessionID).WithCause(err)
		}
		return "", errs.Backend("Scheduler.InspectFailed",
			"failed to inspect container for session %s", sessionID).WithCause(err)
	}

	host := status.Name
	if host == "" {
		host = containerID
	}

	ack, err := s.executor.Submit(ctx, host, submit)
	if err != nil {
		return "", err
	}
	return ack.ExecutionID, nil
}

// AcquireWarmInstance hands out a warm container without binding it to
// a session. External provisioners use this to claim pool capacity.
func (s *Scheduler) AcquireWarmInstance(ctx context.Context, templateID string) (*models.WarmPoolEntry, error) {
	entry := s.pool.Acquire(ctx, templateID, "")
	if entry == nil {
		return nil, errs.ResourceExhausted("WarmPool.Empty",
			"no warm container available for template %s", templateID)
	}
	return entry, nil
}

// AddWarmInstance registers an externally created container with the
// pool.
func (s *Scheduler) AddWarmInstance(ctx context.Context, templateID, nodeID, containerID string) error {
	tpl, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return err
	}
	status, err := s.backend.Inspect(ctx, containerID)
	if err != nil {
		return errs.Backend("WarmPool.AddFailed",
			"failed to inspect container %s", containerID).WithCause(err)
	}

	now := time.Now().UTC()
	return s.pool.Add(ctx, &models.WarmPoolEntry{
		TemplateID:     templateID,
		NodeID:         nodeID,
		ContainerID:    status.ID,
		ContainerName:  status.Name,
		Image:          tpl.Image,
		Status:         models.WarmPoolAvailable,
		CreatedAt:      now,
		LastActivityAt: now,
	})
}

// WarmPoolStats reports pool occupancy per template.
func (s *Scheduler) WarmPoolStats() map[string]warmpool.TemplateStats {
	return s.pool.Stats()
}

// initWarmPoolOnce launches warm-pool initialization for a template the
// first time it is seen. The triggering request is never delayed.
func (s *Scheduler) initWarmPoolOnce(ctx context.Context, templateID string) {
	if !s.config.WarmPoolEnabled {
		return
	}

	s.mu.Lock()
	if _, seen := s.seenTemplates[templateID]; seen {
		s.mu.Unlock()
		return
	}
	s.seenTemplates[templateID] = struct{}{}
	s.mu.Unlock()

	target := s.pool.Settings(templateID).MinSize
	s.logger.Info("First use of template, initializing warm pool",
		zap.String("template_id", templateID),
		zap.Int("target", target),
	)
	s.replenishDetached(templateID, target)
}

// replenishDetached tops the pool up to target in the background.
func (s *Scheduler) replenishDetached(templateID string, target int) {
	s.detach(func(ctx context.Context) {
		if err := s.replenish(ctx, templateID, target); err != nil {
			s.logger.Warn("Warm pool replenish failed",
				zap.String("template_id", templateID),
				zap.Error(err),
			)
		}
	})
}

func (s *Scheduler) replenish(ctx context.Context, templateID string, target int) error {
	tpl, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	node, err := s.pickNode(ctx, templateID)
	if err != nil {
		return err
	}

	return s.pool.Replenish(ctx, warmpool.ReplenishRequest{
		TemplateID: templateID,
		Target:     target,
		Image:      tpl.Image,
		NodeID:     node.ID,
		Resources:  tpl.Resources,
		Env: map[string]string{
			"CONTROL_PLANE_URL":  s.config.ControlPlaneURL,
			"INTERNAL_API_TOKEN": s.config.InternalToken,
			"EXECUTOR_PORT":      strconv.Itoa(s.config.ExecutorPort),
			"DISABLE_BWRAP":      strconv.FormatBool(s.config.DisableBwrap),
		},
		Network: s.config.Network,
	})
}

// detach runs fn in a goroutine whose context outlives the caller's
// request, bounded by the detached-task timeout and canceled on Stop.
// The task is tracked so Stop can wait for it.
func (s *Scheduler) detach(fn func(ctx context.Context)) {
	s.mu.RLock()
	stopCh := s.stopCh
	s.mu.RUnlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := appctx.Detached(context.Background(), stopCh, s.config.DetachedTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// ContainerName derives the backend container name for a session.
func ContainerName(sessionID string) string {
	return "sandbox-" + sessionID
}
