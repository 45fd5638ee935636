package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

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
	"github.com/sandpit-io/sandpit/internal/storage"
	"github.com/sandpit-io/sandpit/internal/warmpool"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// Sweep reasons, used as the metrics label and in event payloads.
const (
	ReasonIdle     = "idle"
	ReasonLifetime = "lifetime"
	ReasonDeadline = "deadline"
	ReasonCreation = "creation"
)

// CleanupConfig holds cleanup loop configuration. Zero durations fall
// back to defaults; a negative duration disables that sweep.
type CleanupConfig struct {
	Interval         time.Duration
	IdleTimeout      time.Duration // RUNNING sessions idle longer than this are terminated
	MaxLifetime      time.Duration // RUNNING sessions older than this are terminated
	CreationDeadline time.Duration // CREATING sessions older than this are failed
	DestroyGrace     time.Duration // grace period for container stops
}

// DefaultCleanupConfig returns default configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:         60 * time.Second,
		IdleTimeout:      30 * time.Minute,
		MaxLifetime:      6 * time.Hour,
		CreationDeadline: 5 * time.Minute,
		DestroyGrace:     10 * time.Second,
	}
}

// CleanupReport summarizes one cleanup cycle.
type CleanupReport struct {
	IdleSwept      int      `json:"idle_swept"`
	LifetimeSwept  int      `json:"lifetime_swept"`
	DeadlineSwept  int      `json:"deadline_swept"`
	CreationSwept  int      `json:"creation_swept"`
	OrphansRemoved int      `json:"orphans_removed"`
	PoolEvicted    int      `json:"pool_evicted"`
	Errors         []string `json:"errors,omitempty"`
}

// swept returns the total number of sessions the cycle terminated.
func (r *CleanupReport) swept() int {
	return r.IdleSwept + r.LifetimeSwept + r.DeadlineSwept + r.CreationSwept
}

// Cleanup reclaims sessions nobody will come back for: idle ones,
// ones past their lifetime or their own deadline, ones stuck in
// CREATING, and containers left behind by failed sessions. Every
// termination runs the same fixed order: destroy the container, delete
// the workspace prefix, then persist the terminal status. Failures are
// collected and never abort the rest of the cycle.
type Cleanup struct {
	repo      repository.Repository
	store     storage.ObjectStore
	scheduler *scheduler.Scheduler
	pool      *warmpool.Pool
	eventBus  bus.EventBus
	clk       clock.Clock
	logger    *logger.Logger
	config    CleanupConfig

	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	lastReport *CleanupReport
}

// NewCleanup creates the cleanup reconciler. The pool and event bus
// may be nil.
func NewCleanup(
	repo repository.Repository,
	store storage.ObjectStore,
	sched *scheduler.Scheduler,
	pool *warmpool.Pool,
	eventBus bus.EventBus,
	clk clock.Clock,
	log *logger.Logger,
	cfg CleanupConfig,
) *Cleanup {
	def := DefaultCleanupConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	if cfg.CreationDeadline == 0 {
		cfg.CreationDeadline = def.CreationDeadline
	}
	if cfg.DestroyGrace <= 0 {
		cfg.DestroyGrace = def.DestroyGrace
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cleanup{
		repo:      repo,
		store:     store,
		scheduler: sched,
		pool:      pool,
		eventBus:  eventBus,
		clk:       clk,
		logger:    log.WithFields(zap.String("component", "cleanup")),
		config:    cfg,
	}
}

// Start launches the cleanup loop.
func (c *Cleanup) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrReconcilerAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("cleanup starting",
		zap.Duration("interval", c.config.Interval),
		zap.Duration("idle_timeout", c.config.IdleTimeout),
		zap.Duration("max_lifetime", c.config.MaxLifetime),
		zap.Duration("creation_deadline", c.config.CreationDeadline))

	c.wg.Add(1)
	go c.loop(c.stopCh)
	return nil
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrReconcilerNotRunning
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("cleanup stopped")
	return nil
}

// IsRunning returns true if the cleanup loop is active.
func (c *Cleanup) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// LastReport returns the report of the most recent completed cycle, or
// nil when no cycle has run yet.
func (c *Cleanup) LastReport() *CleanupReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReport
}

func (c *Cleanup) loop(stopCh chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := appctx.Detached(context.Background(), stopCh, c.config.Interval)
			c.CleanupOnce(ctx)
			cancel()
		}
	}
}

// CleanupOnce runs every sweep once and returns the cycle report. Each
// sweep is independent; a failing one only adds to Errors.
func (c *Cleanup) CleanupOnce(ctx context.Context) *CleanupReport {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, "cleanup")
	defer metrics.ReconcileCycles.WithLabelValues("cleanup").Inc()

	report := &CleanupReport{}
	now := c.clk.Now()

	c.sweepIdle(ctx, now, report)
	c.sweepLifetime(ctx, now, report)
	c.sweepDeadline(ctx, report)
	c.sweepCreation(ctx, now, report)
	c.sweepOrphans(ctx, report)

	if c.pool != nil {
		report.PoolEvicted = c.pool.CleanupIdle(ctx, 0)
	}

	c.setLastReport(report)
	if report.swept() > 0 || report.OrphansRemoved > 0 || len(report.Errors) > 0 {
		c.logger.Info("Cleanup cycle complete",
			zap.Int("idle", report.IdleSwept),
			zap.Int("lifetime", report.LifetimeSwept),
			zap.Int("deadline", report.DeadlineSwept),
			zap.Int("creation", report.CreationSwept),
			zap.Int("orphans", report.OrphansRemoved),
			zap.Int("pool_evicted", report.PoolEvicted),
			zap.Int("errors", len(report.Errors)))
	}
	return report
}

// sweepIdle terminates RUNNING sessions with no activity for longer
// than IdleTimeout.
func (c *Cleanup) sweepIdle(ctx context.Context, now time.Time, report *CleanupReport) {
	if c.config.IdleTimeout < 0 {
		return
	}
	sessions, err := c.repo.ListSessionsIdleSince(ctx, now.Add(-c.config.IdleTimeout))
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list idle sessions: %v", err))
		return
	}
	for _, session := range sessions {
		if c.terminate(ctx, session, runningOnly, v1.SessionStatusTerminated, ReasonIdle, "", report) {
			report.IdleSwept++
		}
	}
}

// sweepLifetime terminates RUNNING sessions older than MaxLifetime no
// matter how active they are.
func (c *Cleanup) sweepLifetime(ctx context.Context, now time.Time, report *CleanupReport) {
	if c.config.MaxLifetime < 0 {
		return
	}
	sessions, err := c.repo.ListSessionsCreatedBefore(ctx, now.Add(-c.config.MaxLifetime), v1.SessionStatusRunning)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list expired sessions: %v", err))
		return
	}
	for _, session := range sessions {
		if c.terminate(ctx, session, runningOnly, v1.SessionStatusTerminated, ReasonLifetime, "", report) {
			report.LifetimeSwept++
		}
	}
}

// sweepDeadline times out RUNNING sessions that outlived their own
// per-session timeout. This is the backstop for executors that never
// report the sigterm exit.
func (c *Cleanup) sweepDeadline(ctx context.Context, report *CleanupReport) {
	sessions, err := c.repo.ListSessionsPastDeadline(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list deadline sessions: %v", err))
		return
	}
	for _, session := range sessions {
		if c.terminate(ctx, session, runningOnly, v1.SessionStatusTimeout, ReasonDeadline, "", report) {
			report.DeadlineSwept++
		}
	}
}

// sweepCreation fails sessions stuck in CREATING, which happens when a
// deferred container create never finished or the executor never
// reported ready.
func (c *Cleanup) sweepCreation(ctx context.Context, now time.Time, report *CleanupReport) {
	if c.config.CreationDeadline < 0 {
		return
	}
	sessions, err := c.repo.ListSessionsCreatedBefore(ctx, now.Add(-c.config.CreationDeadline), v1.SessionStatusCreating)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list stuck sessions: %v", err))
		return
	}
	msg := fmt.Sprintf("container was not ready within %s", c.config.CreationDeadline)
	for _, session := range sessions {
		if c.terminate(ctx, session, creatingOnly, v1.SessionStatusFailed, ReasonCreation, msg, report) {
			report.CreationSwept++
		}
	}
}

// sweepOrphans destroys containers still bound to terminal sessions:
// FAILED and TIMEOUT rows that never went through teardown, plus any
// terminal row whose earlier destroy failed. Only the container binding
// is cleared; the status and the workspace stay untouched so the
// wreckage remains inspectable.
func (c *Cleanup) sweepOrphans(ctx context.Context, report *CleanupReport) {
	sessions, err := c.repo.ListSessionsByStatus(ctx,
		v1.SessionStatusFailed, v1.SessionStatusTimeout, v1.SessionStatusTerminated)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list orphaned sessions: %v", err))
		return
	}
	for _, session := range sessions {
		if session.ContainerID == "" {
			continue
		}
		if err := c.scheduler.DestroyContainer(ctx, session.ContainerID, c.config.DestroyGrace); err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("orphan %s: destroy %s: %v", session.ID, session.ContainerID, err))
			continue
		}
		if err := c.repo.ClearSessionContainer(ctx, session.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("orphan %s: persist: %v", session.ID, err))
			continue
		}
		report.OrphansRemoved++
		c.logger.Info("Orphaned container destroyed",
			zap.String("session_id", session.ID),
			zap.String("status", string(session.Status)))
	}
}

var (
	runningOnly  = []v1.SessionStatus{v1.SessionStatusRunning}
	creatingOnly = []v1.SessionStatus{v1.SessionStatusCreating}
)

// terminate tears one session down in fixed order: destroy the
// container, delete the workspace prefix, then persist the terminal
// status. Container and storage failures are logged and do not stop
// the later steps. Returns true when this sweep won the transition.
func (c *Cleanup) terminate(
	ctx context.Context,
	session *models.Session,
	from []v1.SessionStatus,
	to v1.SessionStatus,
	reason, msg string,
	report *CleanupReport,
) bool {
	destroyed := session.ContainerID != ""
	if session.ContainerID != "" {
		if err := c.scheduler.DestroyContainer(ctx, session.ContainerID, c.config.DestroyGrace); err != nil {
			destroyed = false
			c.logger.Warn("Sweep failed to destroy container",
				zap.String("session_id", session.ID),
				zap.String("container_id", session.ContainerID),
				zap.Error(err))
			report.Errors = append(report.Errors,
				fmt.Sprintf("sweep %s: destroy %s: %v", session.ID, session.ContainerID, err))
		}
	}
	if _, err := c.store.DeletePrefix(ctx, storage.PrefixFor(session.WorkspacePath, session.ID)); err != nil {
		c.logger.Warn("Sweep failed to delete workspace",
			zap.String("session_id", session.ID),
			zap.Error(err))
		report.Errors = append(report.Errors,
			fmt.Sprintf("sweep %s: delete workspace: %v", session.ID, err))
	}

	if err := c.repo.UpdateSessionStatus(ctx, session.ID, from, to, msg); err != nil {
		if errs.KindOf(err) == errs.KindStateConflict {
			// Something else moved the session first; its terminal
			// status wins.
			return false
		}
		report.Errors = append(report.Errors, fmt.Sprintf("sweep %s: %v", session.ID, err))
		return false
	}

	// A failed destroy keeps the binding so the orphan sweep retries it.
	if destroyed {
		if err := c.repo.ClearSessionContainer(ctx, session.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("sweep %s: clear container: %v", session.ID, err))
		}
	}

	metrics.SessionsSwept.WithLabelValues(reason).Inc()
	metrics.SessionsTerminal.WithLabelValues(string(to)).Inc()
	c.logger.Info("Session swept",
		zap.String("session_id", session.ID),
		zap.String("reason", reason),
		zap.String("status", string(to)))
	c.publish(ctx, session.ID, eventFor(to), map[string]interface{}{
		"status": string(to),
		"reason": reason,
	})
	return true
}

func eventFor(status v1.SessionStatus) string {
	switch status {
	case v1.SessionStatusTimeout:
		return events.SessionTimeout
	case v1.SessionStatusFailed:
		return events.SessionFailed
	default:
		return events.SessionTerminated
	}
}

func (c *Cleanup) setLastReport(r *CleanupReport) {
	c.mu.Lock()
	c.lastReport = r
	c.mu.Unlock()
}

func (c *Cleanup) publish(ctx context.Context, sessionID, eventType string, data map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	data["session_id"] = sessionID
	subject := events.BuildSessionSubject(sessionID)
	_ = c.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data))
}
