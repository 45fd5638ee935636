// Package reconciler keeps the session table and the container backend
// convergent. Two independent loops share the package: state sync
// probes the containers of active sessions and recovers or fails
// sessions whose container vanished; cleanup sweeps idle, expired and
// orphaned sessions and tears down what they leave behind.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/common/appctx"
	"github.com/sandpit-io/sandpit/internal/common/clock"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/events"
	"github.com/sandpit-io/sandpit/internal/events/bus"
	"github.com/sandpit-io/sandpit/internal/metrics"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	"github.com/sandpit-io/sandpit/internal/scheduler"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// Common errors
var (
	ErrReconcilerAlreadyRunning = errors.New("reconciler is already running")
	ErrReconcilerNotRunning     = errors.New("reconciler is not running")
)

const eventSource = "reconciler"

// StateSyncConfig holds state-sync loop configuration.
type StateSyncConfig struct {
	Interval time.Duration // time between sync cycles
	FanOut   int           // max concurrent backend probes per cycle
}

// DefaultStateSyncConfig returns default configuration.
func DefaultStateSyncConfig() StateSyncConfig {
	return StateSyncConfig{
		Interval: 30 * time.Second,
		FanOut:   8,
	}
}

// SyncReport summarizes one state-sync cycle.
type SyncReport struct {
	Checked   int      `json:"checked"`
	Healthy   int      `json:"healthy"`
	Recovered int      `json:"recovered"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// StateSync verifies that every active session still has a live
// container. A session whose container vanished gets one recovery
// attempt with a fresh container; if that fails the session is FAILED
// so clients stop submitting into a void.
type StateSync struct {
	repo      repository.Repository
	backend   backend.Backend
	scheduler *scheduler.Scheduler
	eventBus  bus.EventBus
	clk       clock.Clock
	logger    *logger.Logger
	config    StateSyncConfig

	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	lastReport *SyncReport
}

// NewStateSync creates the state-sync reconciler. The event bus may be
// nil when nothing consumes lifecycle events.
func NewStateSync(
	repo repository.Repository,
	be backend.Backend,
	sched *scheduler.Scheduler,
	eventBus bus.EventBus,
	clk clock.Clock,
	log *logger.Logger,
	cfg StateSyncConfig,
) *StateSync {
	def := DefaultStateSyncConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = def.FanOut
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &StateSync{
		repo:      repo,
		backend:   be,
		scheduler: sched,
		eventBus:  eventBus,
		clk:       clk,
		logger:    log.WithFields(zap.String("component", "statesync")),
		config:    cfg,
	}
}

// Start launches the sync loop. The first cycle runs immediately so a
// restarted control plane converges before the first tick.
func (s *StateSync) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrReconcilerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("state sync starting",
		zap.Duration("interval", s.config.Interval),
		zap.Int("fan_out", s.config.FanOut))

	s.wg.Add(1)
	go s.loop(s.stopCh)
	return nil
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *StateSync) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrReconcilerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("state sync stopped")
	return nil
}

// IsRunning returns true if the sync loop is active.
func (s *StateSync) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastReport returns the report of the most recent completed cycle, or
// nil when no cycle has run yet.
func (s *StateSync) LastReport() *SyncReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

func (s *StateSync) loop(stopCh chan struct{}) {
	defer s.wg.Done()

	s.runCycle(stopCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.runCycle(stopCh)
		}
	}
}

// runCycle bounds one cycle by the interval so cycles never overlap.
func (s *StateSync) runCycle(stopCh <-chan struct{}) {
	ctx, cancel := appctx.Detached(context.Background(), stopCh, s.config.Interval)
	defer cancel()
	if _, err := s.SyncOnce(ctx); err != nil {
		s.logger.Error("State sync cycle failed", zap.Error(err))
	}
}

// SyncOnce runs one reconciliation cycle: probe every active session's
// container, then repair the ones whose container is gone. Probes fan
// out across goroutines bounded by FanOut; repairs run sequentially so
// per-session work is never concurrent with itself.
func (s *StateSync) SyncOnce(ctx context.Context) (*SyncReport, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, "statesync")
	defer metrics.ReconcileCycles.WithLabelValues("statesync").Inc()

	sessions, err := s.repo.ListActiveSessionsWithContainer(ctx)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Checked: len(sessions)}

	alive := make([]bool, len(sessions))
	probeErrs := make([]error, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.FanOut)
	for i, session := range sessions {
		g.Go(func() error {
			alive[i], probeErrs[i] = s.backend.IsRunning(gctx, session.ContainerID)
			return nil
		})
	}
	_ = g.Wait() // probe failures land in probeErrs

	for i, session := range sessions {
		switch {
		case probeErrs[i] != nil:
			// Backend flake, not a verdict on the container. Leave the
			// session alone and try again next cycle.
			report.Errors = append(report.Errors,
				fmt.Sprintf("probe %s (%s): %v", session.ID, session.ContainerID, probeErrs[i]))
		case alive[i]:
			report.Healthy++
		default:
			s.repair(ctx, session, report)
		}
	}

	s.reconcileNodeCounts(ctx, report)

	s.setLastReport(report)
	s.logger.Info("State sync cycle complete",
		zap.Int("checked", report.Checked),
		zap.Int("healthy", report.Healthy),
		zap.Int("recovered", report.Recovered),
		zap.Int("failed", report.Failed),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// reconcileNodeCounts recomputes each node's session count from the
// session table. Sweeps and callbacks move sessions to terminal states
// without touching node accounting, so placement data drifts; the
// recount heals it every cycle.
func (s *StateSync) reconcileNodeCounts(ctx context.Context, report *SyncReport) {
	nodes, err := s.repo.ListNodes(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("recount nodes: %v", err))
		return
	}
	if len(nodes) == 0 {
		return
	}

	active, err := s.repo.ListSessionsByStatus(ctx,
		v1.SessionStatusCreating, v1.SessionStatusRunning)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("recount sessions: %v", err))
		return
	}
	counts := make(map[string]int, len(nodes))
	for _, session := range active {
		if session.NodeID != "" {
			counts[session.NodeID]++
		}
	}

	for _, node := range nodes {
		want := counts[node.ID]
		if node.SessionCount == want {
			continue
		}
		s.logger.Debug("Correcting node session count",
			zap.String("node_id", node.ID),
			zap.Int("stored", node.SessionCount),
			zap.Int("actual", want))
		node.SessionCount = want
		node.UpdatedAt = s.clk.Now()
		if err := s.repo.UpsertNode(ctx, node); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("recount node %s: %v", node.ID, err))
		}
	}
}

// repair gives a session whose container vanished one fresh container.
// On success the session is rebound (and bumped to RUNNING if it was
// still CREATING); on any failure it is marked FAILED.
func (s *StateSync) repair(ctx context.Context, session *models.Session, report *SyncReport) {
	s.logger.Warn("Session container vanished",
		zap.String("session_id", session.ID),
		zap.String("container_id", session.ContainerID),
		zap.String("status", string(session.Status)))

	tpl, err := s.repo.GetTemplate(ctx, session.TemplateID)
	if err != nil {
		s.fail(ctx, session, report, fmt.Sprintf("template %s unavailable: %v", session.TemplateID, err))
		return
	}

	// Clear whatever the dead container left behind so its name is free
	// for the replacement.
	if err := s.scheduler.DestroyContainer(ctx, session.ContainerID, 0); err != nil {
		s.logger.Warn("Failed to clear dead container",
			zap.String("container_id", session.ContainerID),
			zap.Error(err))
	}

	containerID, err := s.scheduler.RecreateContainer(ctx, scheduler.CreateContainerRequest{
		SessionID:     session.ID,
		TemplateID:    session.TemplateID,
		Image:         tpl.Image,
		Resources:     session.Resources,
		Env:           session.EnvVars,
		WorkspacePath: session.WorkspacePath,
		NodeID:        session.NodeID,
	})
	if err != nil {
		s.fail(ctx, session, report, fmt.Sprintf("container vanished and recreate failed: %v", err))
		return
	}

	now := s.clk.Now()
	session.ClearContainer(now)
	if err := session.AssignContainer(containerID, now); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("rebind %s: %v", session.ID, err))
		return
	}
	if session.Status == v1.SessionStatusCreating {
		if err := session.MarkRunning(now); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("mark running %s: %v", session.ID, err))
			return
		}
	}
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("persist %s: %v", session.ID, err))
		return
	}

	metrics.SessionsRecovered.Inc()
	report.Recovered++
	s.logger.Info("Session recovered with new container",
		zap.String("session_id", session.ID),
		zap.String("container_id", containerID))
	s.publish(ctx, session.ID, events.SessionRunning, map[string]interface{}{
		"status":       string(session.Status),
		"container_id": containerID,
		"recovered":    true,
	})
}

// fail moves a session to FAILED unless it already reached a terminal
// status on its own, in which case there is nothing left to repair.
func (s *StateSync) fail(ctx context.Context, session *models.Session, report *SyncReport, reason string) {
	err := s.repo.UpdateSessionStatus(ctx, session.ID,
		[]v1.SessionStatus{v1.SessionStatusCreating, v1.SessionStatusRunning},
		v1.SessionStatusFailed, reason)
	if err != nil {
		if errs.KindOf(err) == errs.KindStateConflict {
			return
		}
		report.Errors = append(report.Errors, fmt.Sprintf("fail %s: %v", session.ID, err))
		return
	}

	metrics.SessionsLost.Inc()
	metrics.SessionsTerminal.WithLabelValues(string(v1.SessionStatusFailed)).Inc()
	report.Failed++
	s.logger.Error("Session lost: container vanished and was not recoverable",
		zap.String("session_id", session.ID),
		zap.String("reason", reason))
	s.publish(ctx, session.ID, events.SessionFailed, map[string]interface{}{
		"status": string(v1.SessionStatusFailed),
		"error":  reason,
	})
}

func (s *StateSync) setLastReport(r *SyncReport) {
	s.mu.Lock()
	s.lastReport = r
	s.mu.Unlock()
}

func (s *StateSync) publish(ctx context.Context, sessionID, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	data["session_id"] = sessionID
	subject := events.BuildSessionSubject(sessionID)
	_ = s.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data))
}
