// Package warmpool maintains pre-started sandbox containers so session
// creation does not pay container boot time.
//
// The pool owns its containers: a container belongs to the pool from
// Replenish/Add until Acquire hands it to a session, after which the
// entry stays recorded as ALLOCATED so termination can route through
// Release. Used containers are destroyed, never returned, since user
// code may have mutated the filesystem beyond the workspace.
package warmpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/metrics"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
)

// Defaults for templates without an explicit pool configuration.
const (
	DefaultPoolSize    = 2
	DefaultMinSize     = 1
	DefaultMaxIdleTime = 180 * time.Second

	// DefaultMaxPerTemplate caps AVAILABLE entries per template.
	DefaultMaxPerTemplate = 5

	destroyGrace = 5 * time.Second
)

// TemplateSettings is the resolved pool sizing for one template.
type TemplateSettings struct {
	PoolSize    int
	MinSize     int
	MaxIdleTime time.Duration
}

// TemplateStats reports pool occupancy for one template.
type TemplateStats struct {
	Available int `json:"available"`
	Allocated int `json:"allocated"`
}

// ReplenishRequest describes the containers a replenish run should
// create. Env is merged with the pool markers (WARM_POOL, TEMPLATE_ID).
type ReplenishRequest struct {
	TemplateID string
	Target     int
	Image      string
	NodeID     string
	Resources  models.ResourceLimit
	Env        map[string]string
	Network    string
	Workspace  backend.WorkspaceSpec
}

// Pool is the per-template warm container pool. One mutex guards the
// whole structure, including the session bindings the scheduler
// consults; critical sections make no network calls except the
// destructive cleanup path, which releases the lock between entries.
type Pool struct {
	mu       sync.Mutex
	entries  map[string][]*models.WarmPoolEntry
	bindings map[string]*models.WarmPoolEntry // session id → allocated entry

	backend backend.Backend
	config  config.WarmPoolConfig
	logger  *logger.Logger
}

// New creates an empty pool.
func New(be backend.Backend, cfg config.WarmPoolConfig, log *logger.Logger) *Pool {
	if cfg.MaxPerTemplate <= 0 {
		cfg.MaxPerTemplate = DefaultMaxPerTemplate
	}
	return &Pool{
		entries:  make(map[string][]*models.WarmPoolEntry),
		bindings: make(map[string]*models.WarmPoolEntry),
		backend:  be,
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "warmpool")),
	}
}

// Settings resolves the sizing for a template: the per-template map
// first, then the pool-wide values, then the package defaults.
func (p *Pool) Settings(templateID string) TemplateSettings {
	s := TemplateSettings{
		PoolSize:    p.config.PoolSize,
		MinSize:     p.config.MinSize,
		MaxIdleTime: time.Duration(p.config.MaxIdleTime) * time.Second,
	}
	if tpl, ok := p.config.Templates[templateID]; ok {
		if tpl.PoolSize > 0 {
			s.PoolSize = tpl.PoolSize
		}
		if tpl.MinSize > 0 {
			s.MinSize = tpl.MinSize
		}
		if tpl.MaxIdleTime > 0 {
			s.MaxIdleTime = time.Duration(tpl.MaxIdleTime) * time.Second
		}
	}
	if s.PoolSize <= 0 {
		s.PoolSize = DefaultPoolSize
	}
	if s.MinSize <= 0 {
		s.MinSize = DefaultMinSize
	}
	if s.MaxIdleTime <= 0 {
		s.MaxIdleTime = DefaultMaxIdleTime
	}
	return s
}

// Acquire hands the first AVAILABLE entry for the template to the
// session, evicting expired entries first. Returns nil when the pool
// has nothing warm for this template.
func (p *Pool) Acquire(ctx context.Context, templateID, sessionID string) *models.WarmPoolEntry {
	maxIdle := p.Settings(templateID).MaxIdleTime
	now := time.Now().UTC()

	p.mu.Lock()
	var expired []*models.WarmPoolEntry
	kept := p.entries[templateID][:0]
	for _, entry := range p.entries[templateID] {
		if entry.Expired(now, maxIdle) {
			expired = append(expired, entry)
			continue
		}
		kept = append(kept, entry)
	}
	p.entries[templateID] = kept

	var acquired *models.WarmPoolEntry
	for _, entry := range kept {
		if entry.Status == models.WarmPoolAvailable {
			entry.Allocate(sessionID, now)
			if sessionID != "" {
				p.bindings[sessionID] = entry
			}
			acquired = entry
			break
		}
	}
	p.updateGaugeLocked(templateID)
	p.mu.Unlock()

	// Expired containers are torn down outside the lock.
	for _, entry := range expired {
		p.destroyContainer(ctx, entry)
	}

	if acquired == nil {
		metrics.WarmPoolMisses.Inc()
		return nil
	}
	metrics.WarmPoolHits.Inc()
	p.logger.Info("Warm container acquired",
		zap.String("template_id", templateID),
		zap.String("session_id", sessionID),
		zap.String("container_id", acquired.ContainerID),
	)
	return acquired
}

// Bound returns the warm entry allocated to a session, if any.
func (p *Pool) Bound(sessionID string) (*models.WarmPoolEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.bindings[sessionID]
	return entry, ok
}

// Owns reports whether the pool tracks a container id, allocated or
// not. The scheduler routes teardown of pool containers through
// Release instead of the backend.
func (p *Pool) Owns(containerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.entries {
		for _, entry := range list {
			if entry.ContainerID == containerID {
				return true
			}
		}
	}
	return false
}

// Release destroys the container behind an entry and forgets it. It
// serves both AVAILABLE entries and containers a session used and is
// a no-op for container ids the pool never owned.
func (p *Pool) Release(ctx context.Context, containerID string) error {
	p.mu.Lock()
	var released *models.WarmPoolEntry
	for templateID, list := range p.entries {
		for i, entry := range list {
			if entry.ContainerID != containerID {
				continue
			}
			released = entry
			p.entries[templateID] = append(list[:i], list[i+1:]...)
			if entry.SessionID != "" {
				delete(p.bindings, entry.SessionID)
			}
			p.updateGaugeLocked(templateID)
			break
		}
		if released != nil {
			break
		}
	}
	p.mu.Unlock()

	if released == nil {
		return nil
	}

	p.logger.Info("Releasing warm container",
		zap.String("template_id", released.TemplateID),
		zap.String("container_id", containerID),
	)
	return p.destroyContainer(ctx, released)
}

// Add appends an entry when the template is below its cap; otherwise
// the container is destroyed.
func (p *Pool) Add(ctx context.Context, entry *models.WarmPoolEntry) error {
	p.mu.Lock()
	available := p.availableLocked(entry.TemplateID)
	if available >= p.config.MaxPerTemplate {
		p.mu.Unlock()
		p.logger.Info("Warm pool full, destroying surplus container",
			zap.String("template_id", entry.TemplateID),
			zap.String("container_id", entry.ContainerID),
			zap.Int("available", available),
		)
		return p.destroyContainer(ctx, entry)
	}
	p.entries[entry.TemplateID] = append(p.entries[entry.TemplateID], entry)
	p.updateGaugeLocked(entry.TemplateID)
	p.mu.Unlock()
	return nil
}

// Replenish creates and starts warm containers until the template has
// target AVAILABLE entries, stopping on the first error. Concurrent
// replenishes may race past the target; Add's cap check destroys the
// overflow.
func (p *Pool) Replenish(ctx context.Context, req ReplenishRequest) error {
	target := req.Target
	if target > p.config.MaxPerTemplate {
		target = p.config.MaxPerTemplate
	}

	for {
		p.mu.Lock()
		available := p.availableLocked(req.TemplateID)
		sequence := len(p.entries[req.TemplateID])
		p.mu.Unlock()

		if available >= target {
			return nil
		}

		name := fmt.Sprintf("warm-%s-%d-%d", req.TemplateID, sequence, time.Now().Unix())

		env := make(map[string]string, len(req.Env)+2)
		for k, v := range req.Env {
			env[k] = v
		}
		env["WARM_POOL"] = "true"
		env["TEMPLATE_ID"] = req.TemplateID

		spec := backend.ContainerSpec{
			Name:      name,
			Image:     req.Image,
			Env:       env,
			Resources: req.Resources,
			Workspace: req.Workspace,
			Network:   req.Network,
			Labels: map[string]string{
				backend.LabelTemplateID: req.TemplateID,
				backend.LabelManagedBy:  backend.ManagedByValue,
				backend.LabelWarmPool:   "true",
			},
		}

		id, err := p.backend.Create(ctx, spec)
		if err != nil {
			return fmt.Errorf("replenish %s: %w", req.TemplateID, err)
		}
		if err := p.backend.Start(ctx, id); err != nil {
			_ = p.backend.Remove(ctx, id, true)
			return fmt.Errorf("replenish %s: %w", req.TemplateID, err)
		}

		now := time.Now().UTC()
		entry := &models.WarmPoolEntry{
			TemplateID:     req.TemplateID,
			NodeID:         req.NodeID,
			ContainerID:    id,
			ContainerName:  name,
			Image:          req.Image,
			Status:         models.WarmPoolAvailable,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		if err := p.Add(ctx, entry); err != nil {
			return fmt.Errorf("replenish %s: %w", req.TemplateID, err)
		}

		p.logger.Info("Warm container ready",
			zap.String("template_id", req.TemplateID),
			zap.String("container", name),
		)
	}
}

// CleanupIdle destroys AVAILABLE entries idle longer than timeout; a
// non-positive timeout falls back to each template's MaxIdleTime. The
// lock is released between destroys so acquires are not starved by
// container teardown.
func (p *Pool) CleanupIdle(ctx context.Context, timeout time.Duration) int {
	destroyed := 0
	for {
		entry := p.takeExpired(timeout)
		if entry == nil {
			return destroyed
		}
		p.logger.Info("Destroying idle warm container",
			zap.String("template_id", entry.TemplateID),
			zap.String("container_id", entry.ContainerID),
			zap.Duration("idle", entry.IdleFor(time.Now().UTC())),
		)
		_ = p.destroyContainer(ctx, entry)
		destroyed++
	}
}

// takeExpired removes and returns one expired AVAILABLE entry, or nil.
func (p *Pool) takeExpired(timeout time.Duration) *models.WarmPoolEntry {
	now := time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()

	for templateID, list := range p.entries {
		maxIdle := timeout
		if maxIdle <= 0 {
			maxIdle = p.Settings(templateID).MaxIdleTime
		}
		for i, entry := range list {
			if !entry.Expired(now, maxIdle) {
				continue
			}
			p.entries[templateID] = append(list[:i], list[i+1:]...)
			p.updateGaugeLocked(templateID)
			return entry
		}
	}
	return nil
}

// Stats reports occupancy per template.
func (p *Pool) Stats() map[string]TemplateStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]TemplateStats, len(p.entries))
	for templateID, list := range p.entries {
		if len(list) == 0 {
			continue
		}
		s := TemplateStats{}
		for _, entry := range list {
			switch entry.Status {
			case models.WarmPoolAvailable:
				s.Available++
			case models.WarmPoolAllocated:
				s.Allocated++
			}
		}
		stats[templateID] = s
	}
	return stats
}

// Shutdown destroys every container the pool still owns. Allocated
// entries are skipped: their sessions own teardown now.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	var doomed []*models.WarmPoolEntry
	for templateID, list := range p.entries {
		kept := list[:0]
		for _, entry := range list {
			if entry.Status == models.WarmPoolAvailable {
				doomed = append(doomed, entry)
				continue
			}
			kept = append(kept, entry)
		}
		p.entries[templateID] = kept
		p.updateGaugeLocked(templateID)
	}
	p.mu.Unlock()

	for _, entry := range doomed {
		_ = p.destroyContainer(ctx, entry)
	}
	p.logger.Info("Warm pool drained", zap.Int("destroyed", len(doomed)))
}

func (p *Pool) availableLocked(templateID string) int {
	count := 0
	for _, entry := range p.entries[templateID] {
		if entry.Status == models.WarmPoolAvailable {
			count++
		}
	}
	return count
}

func (p *Pool) updateGaugeLocked(templateID string) {
	metrics.WarmPoolAvailable.WithLabelValues(templateID).Set(float64(p.availableLocked(templateID)))
}

func (p *Pool) destroyContainer(ctx context.Context, entry *models.WarmPoolEntry) error {
	if err := p.backend.Stop(ctx, entry.ContainerID, destroyGrace); err != nil {
		p.logger.Debug("Warm container stop failed, forcing removal",
			zap.String("container_id", entry.ContainerID),
			zap.Error(err),
		)
	}
	if err := p.backend.Remove(ctx, entry.ContainerID, true); err != nil {
		p.logger.Warn("Failed to remove warm container",
			zap.String("container_id", entry.ContainerID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
