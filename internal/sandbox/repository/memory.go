package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sandpit-io/sandpit/internal/common/clock"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// MemoryRepository provides in-memory sandbox storage operations. Entities
// are cloned on write and on read so callers observe committed snapshots,
// matching the value semantics of the SQL implementation.
type MemoryRepository struct {
	sessions   map[string]*models.Session
	executions map[string]*models.Execution
	templates  map[string]*models.Template
	nodes      map[string]*models.RuntimeNode
	clk        clock.Clock
	mu         sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory sandbox repository.
func NewMemoryRepository(clk clock.Clock) *MemoryRepository {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryRepository{
		sessions:   make(map[string]*models.Session),
		executions: make(map[string]*models.Execution),
		templates:  make(map[string]*models.Template),
		nodes:      make(map[string]*models.RuntimeNode),
		clk:        clk,
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Session operations

// CreateSession creates a new session
func (r *MemoryRepository) CreateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return errs.StateConflict("Session.AlreadyExists", "session already exists: %s", session.ID)
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}
	if session.Status == "" {
		session.Status = v1.SessionStatusCreating
	}
	if session.DependencyInstall == "" {
		session.DependencyInstall = v1.DependencyInstallNone
	}

	r.sessions[session.ID] = cloneSession(session)
	return nil
}

// GetSession retrieves a session by ID
func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, errs.NotFound("Session.NotFound", "session not found: %s", id)
	}
	return cloneSession(session), nil
}

// GetSessionByContainerID retrieves the session bound to a container.
func (r *MemoryRepository) GetSessionByContainerID(ctx context.Context, containerID string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.Session
	for _, session := range r.sessions {
		if session.ContainerID != containerID {
			continue
		}
		if latest == nil || session.CreatedAt.After(latest.CreatedAt) {
			latest = session
		}
	}
	if latest == nil {
		return nil, errs.NotFound("Session.NotFound", "no session bound to container: %s", containerID)
	}
	return cloneSession(latest), nil
}

// UpdateSession updates an existing session
func (r *MemoryRepository) UpdateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateSessionLocked(session)
}

func (r *MemoryRepository) updateSessionLocked(session *models.Session) error {
	if _, ok := r.sessions[session.ID]; !ok {
		return errs.NotFound("Session.NotFound", "session not found: %s", session.ID)
	}
	session.UpdatedAt = time.Now().UTC()
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

// UpdateSessionStatus performs a guarded transition.
func (r *MemoryRepository) UpdateSessionStatus(ctx context.Context, id string, from []v1.SessionStatus, to v1.SessionStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return errs.NotFound("Session.NotFound", "session not found: %s", id)
	}
	if len(from) > 0 {
		matched := false
		for _, s := range from {
			if session.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return errs.StateConflict("Session.InvalidState",
				"session %s is %s and cannot transition to %s", id, session.Status, to)
		}
	}

	now := r.clk.Now()
	session.Status = to
	session.UpdatedAt = now
	switch to {
	case v1.SessionStatusCompleted, v1.SessionStatusFailed,
		v1.SessionStatusTimeout, v1.SessionStatusTerminated:
		t := now
		session.CompletedAt = &t
	}
	if errorMessage != "" {
		session.ErrorMessage = errorMessage
	}
	return nil
}

// ClearSessionContainer drops the container binding after teardown.
func (r *MemoryRepository) ClearSessionContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return errs.NotFound("Session.NotFound", "session not found: %s", id)
	}
	session.ContainerID = ""
	session.UpdatedAt = r.clk.Now()
	return nil
}

// TouchSessionActivity bumps last_activity_at for idle accounting.
func (r *MemoryRepository) TouchSessionActivity(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touchSessionActivityLocked(id, at)
}

func (r *MemoryRepository) touchSessionActivityLocked(id string, at time.Time) error {
	session, ok := r.sessions[id]
	if !ok {
		return errs.NotFound("Session.NotFound", "session not found: %s", id)
	}
	session.LastActivityAt = at
	session.UpdatedAt = at
	return nil
}

// DeleteSession deletes a session and its executions.
func (r *MemoryRepository) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return errs.NotFound("Session.NotFound", "session not found: %s", id)
	}
	delete(r.sessions, id)
	for eid, execution := range r.executions {
		if execution.SessionID == id {
			delete(r.executions, eid)
		}
	}
	return nil
}

// ListSessions returns paginated sessions with a total count.
func (r *MemoryRepository) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*models.Session, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Session
	for _, session := range r.sessions {
		if !sessionMatches(session, opts) {
			continue
		}
		matched = append(matched, session)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	result := make([]*models.Session, 0, end-start)
	for _, session := range matched[start:end] {
		result = append(result, cloneSession(session))
	}
	return result, total, nil
}

func sessionMatches(session *models.Session, opts ListSessionsOptions) bool {
	if len(opts.Statuses) > 0 {
		ok := false
		for _, s := range opts.Statuses {
			if session.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if opts.TemplateID != "" && session.TemplateID != opts.TemplateID {
		return false
	}
	if opts.Search != "" {
		needle := strings.ToLower(opts.Search)
		if !strings.Contains(strings.ToLower(session.ID), needle) &&
			!strings.Contains(strings.ToLower(session.ContainerID), needle) &&
			!strings.Contains(strings.ToLower(session.ErrorMessage), needle) {
			return false
		}
	}
	if opts.MetadataKey != "" {
		value, ok := session.Metadata[opts.MetadataKey]
		if !ok || fmt.Sprintf("%v", value) != opts.MetadataValue {
			return false
		}
	}
	return true
}

// ListSessionsByStatus returns all sessions in any of the given statuses.
func (r *MemoryRepository) ListSessionsByStatus(ctx context.Context, statuses ...v1.SessionStatus) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Session
	for _, session := range r.sessions {
		for _, s := range statuses {
			if session.Status == s {
				result = append(result, cloneSession(session))
				break
			}
		}
	}
	sortSessionsByCreatedDesc(result)
	return result, nil
}

// ListActiveSessionsWithContainer returns CREATING and RUNNING sessions
// with a container bound.
func (r *MemoryRepository) ListActiveSessionsWithContainer(ctx context.Context) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Session
	for _, session := range r.sessions {
		if session.ContainerID == "" {
			continue
		}
		if session.Status == v1.SessionStatusCreating || session.Status == v1.SessionStatusRunning {
			result = append(result, cloneSession(session))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListSessionsIdleSince returns RUNNING sessions with no activity since cutoff.
func (r *MemoryRepository) ListSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Session
	for _, session := range r.sessions {
		if session.Status == v1.SessionStatusRunning && !session.LastActivityAt.After(cutoff) {
			result = append(result, cloneSession(session))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.Before(result[j].LastActivityAt)
	})
	return result, nil
}

// ListSessionsCreatedBefore returns sessions in the given statuses created
// before cutoff.
func (r *MemoryRepository) ListSessionsCreatedBefore(ctx context.Context, cutoff time.Time, statuses ...v1.SessionStatus) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Session
	for _, session := range r.sessions {
		if session.CreatedAt.After(cutoff) {
			continue
		}
		for _, s := range statuses {
			if session.Status == s {
				result = append(result, cloneSession(session))
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListSessionsPastDeadline returns RUNNING sessions that outlived their own
// per-session timeout, measured from creation.
func (r *MemoryRepository) ListSessionsPastDeadline(ctx context.Context) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clk.Now()
	var result []*models.Session
	for _, session := range r.sessions {
		if session.Status != v1.SessionStatusRunning || session.Timeout <= 0 {
			continue
		}
		if now.Sub(session.CreatedAt) >= time.Duration(session.Timeout)*time.Second {
			result = append(result, cloneSession(session))
		}
	}
	sortSessionsByCreatedDesc(result)
	return result, nil
}

// Execution operations

// CreateExecution creates a new execution
func (r *MemoryRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createExecutionLocked(execution)
}

func (r *MemoryRepository) createExecutionLocked(execution *models.Execution) error {
	if _, ok := r.executions[execution.ID]; ok {
		return errs.StateConflict("Execution.AlreadyExists", "execution already exists: %s", execution.ID)
	}
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}
	if execution.Status == "" {
		execution.Status = v1.ExecutionStatusPending
	}
	r.executions[execution.ID] = cloneExecution(execution)
	return nil
}

// GetExecution retrieves an execution by ID
func (r *MemoryRepository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execution, ok := r.executions[id]
	if !ok {
		return nil, errs.NotFound("Execution.NotFound", "execution not found: %s", id)
	}
	return cloneExecution(execution), nil
}

// UpdateExecution updates an existing execution
func (r *MemoryRepository) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateExecutionLocked(execution)
}

func (r *MemoryRepository) updateExecutionLocked(execution *models.Execution) error {
	if _, ok := r.executions[execution.ID]; !ok {
		return errs.NotFound("Execution.NotFound", "execution not found: %s", execution.ID)
	}
	r.executions[execution.ID] = cloneExecution(execution)
	return nil
}

// ApplyExecutionResult loads the execution, runs the reduction, and stores
// the outcome atomically. A failed reduction leaves the stored row intact.
func (r *MemoryRepository) ApplyExecutionResult(ctx context.Context, id string, apply func(*models.Execution) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.executions[id]
	if !ok {
		return errs.NotFound("Execution.NotFound", "execution not found: %s", id)
	}
	staged := cloneExecution(stored)
	if err := apply(staged); err != nil {
		return err
	}
	r.executions[id] = staged
	return nil
}

// ListExecutionsBySession returns paginated executions for a session,
// newest first, with the total count.
func (r *MemoryRepository) ListExecutionsBySession(ctx context.Context, sessionID string, opts ListExecutionsOptions) ([]*models.Execution, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Execution
	for _, execution := range r.executions {
		if execution.SessionID == sessionID {
			matched = append(matched, execution)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	result := make([]*models.Execution, 0, end-offset)
	for _, execution := range matched[offset:end] {
		result = append(result, cloneExecution(execution))
	}
	return result, total, nil
}

// ListExecutionsByStatus returns all executions in any of the given statuses.
func (r *MemoryRepository) ListExecutionsByStatus(ctx context.Context, statuses ...v1.ExecutionStatus) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Execution
	for _, execution := range r.executions {
		for _, s := range statuses {
			if execution.Status == s {
				result = append(result, cloneExecution(execution))
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// GetSessionExecutionStats aggregates execution outcomes for one session.
func (r *MemoryRepository) GetSessionExecutionStats(ctx context.Context, sessionID string) (*SessionExecutionStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &SessionExecutionStats{SessionID: sessionID}
	for _, execution := range r.executions {
		if execution.SessionID != sessionID {
			continue
		}
		stats.Total++
		switch execution.Status {
		case v1.ExecutionStatusCompleted:
			stats.Completed++
		case v1.ExecutionStatusFailed:
			stats.Failed++
		case v1.ExecutionStatusTimeout:
			stats.TimedOut++
		case v1.ExecutionStatusCrashed:
			stats.Crashed++
		}
		if execution.StartedAt != nil && execution.CompletedAt != nil {
			stats.TotalDurationMs += execution.CompletedAt.Sub(*execution.StartedAt).Milliseconds()
		}
	}
	if terminal := stats.Completed + stats.Failed + stats.TimedOut + stats.Crashed; terminal > 0 {
		stats.AvgDurationMs = stats.TotalDurationMs / int64(terminal)
	}
	return stats, nil
}

// Template operations

// CreateTemplate registers a new template.
func (r *MemoryRepository) CreateTemplate(ctx context.Context, template *models.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[template.ID]; ok {
		return errs.StateConflict("Template.AlreadyExists",
			"template with id %s or name %s already exists", template.ID, template.Name)
	}
	for _, existing := range r.templates {
		if existing.Name == template.Name {
			return errs.StateConflict("Template.AlreadyExists",
				"template with id %s or name %s already exists", template.ID, template.Name)
		}
	}
	now := time.Now().UTC()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.UpdatedAt = now
	r.templates[template.ID] = cloneTemplate(template)
	return nil
}

// GetTemplate retrieves a template by ID
func (r *MemoryRepository) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	template, ok := r.templates[id]
	if !ok {
		return nil, errs.NotFound("Template.NotFound", "template not found: %s", id)
	}
	return cloneTemplate(template), nil
}

// GetTemplateByName retrieves a template by its unique name.
func (r *MemoryRepository) GetTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, template := range r.templates {
		if template.Name == name {
			return cloneTemplate(template), nil
		}
	}
	return nil, errs.NotFound("Template.NotFound", "template not found: %s", name)
}

// UpdateTemplate updates the mutable template fields.
func (r *MemoryRepository) UpdateTemplate(ctx context.Context, template *models.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[template.ID]; !ok {
		return errs.NotFound("Template.NotFound", "template not found: %s", template.ID)
	}
	for id, existing := range r.templates {
		if id != template.ID && existing.Name == template.Name {
			return errs.StateConflict("Template.AlreadyExists",
				"template name %s already exists", template.Name)
		}
	}
	template.UpdatedAt = time.Now().UTC()
	r.templates[template.ID] = cloneTemplate(template)
	return nil
}

// DeleteTemplate deletes a template by ID
func (r *MemoryRepository) DeleteTemplate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[id]; !ok {
		return errs.NotFound("Template.NotFound", "template not found: %s", id)
	}
	delete(r.templates, id)
	return nil
}

// ListTemplates returns all templates ordered by name.
func (r *MemoryRepository) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Template, 0, len(r.templates))
	for _, template := range r.templates {
		result = append(result, cloneTemplate(template))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// Node operations

// UpsertNode inserts the node or refreshes its registration. The session
// count is control-plane-owned and preserved on update.
func (r *MemoryRepository) UpsertNode(ctx context.Context, node *models.RuntimeNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	node.UpdatedAt = now
	if node.LastHeartbeatAt.IsZero() {
		node.LastHeartbeatAt = now
	}
	if node.Status == "" {
		node.Status = v1.NodeStatusOnline
	}
	if existing, ok := r.nodes[node.ID]; ok {
		node.CreatedAt = existing.CreatedAt
		node.SessionCount = existing.SessionCount
	} else if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	r.nodes[node.ID] = cloneNode(node)
	return nil
}

// GetNode retrieves a node by ID
func (r *MemoryRepository) GetNode(ctx context.Context, id string) (*models.RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	return cloneNode(node), nil
}

// ListNodes returns all registered nodes.
func (r *MemoryRepository) ListNodes(ctx context.Context) ([]*models.RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.RuntimeNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		result = append(result, cloneNode(node))
	}
	sortNodesByID(result)
	return result, nil
}

// ListNodesByStatus returns nodes in any of the given statuses.
func (r *MemoryRepository) ListNodesByStatus(ctx context.Context, statuses ...v1.NodeStatus) ([]*models.RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.RuntimeNode
	for _, node := range r.nodes {
		for _, s := range statuses {
			if node.Status == s {
				result = append(result, cloneNode(node))
				break
			}
		}
	}
	sortNodesByID(result)
	return result, nil
}

// UpdateNodeLoad records a load report from a node heartbeat.
func (r *MemoryRepository) UpdateNodeLoad(ctx context.Context, id string, cpuUsage, memUsage float64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	node.CPUUsage = cpuUsage
	node.MemUsage = memUsage
	node.LastHeartbeatAt = at
	node.UpdatedAt = at
	return nil
}

// IncrementNodeSessions bumps the node's placement count.
func (r *MemoryRepository) IncrementNodeSessions(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	node.SessionCount++
	node.UpdatedAt = time.Now().UTC()
	return nil
}

// DecrementNodeSessions releases one placement slot, never below zero.
func (r *MemoryRepository) DecrementNodeSessions(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	if node.SessionCount > 0 {
		node.SessionCount--
	}
	node.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteNode deletes a node by ID
func (r *MemoryRepository) DeleteNode(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	delete(r.nodes, id)
	return nil
}

// memoryTx stages mutations under the repository write lock and merges
// them only when the callback succeeds.
type memoryTx struct {
	r        *MemoryRepository
	staged   map[string]*models.Execution
	sessions map[string]*models.Session
}

func (t *memoryTx) CreateExecution(ctx context.Context, execution *models.Execution) error {
	if _, ok := t.r.executions[execution.ID]; ok {
		return errs.StateConflict("Execution.AlreadyExists", "execution already exists: %s", execution.ID)
	}
	if _, ok := t.staged[execution.ID]; ok {
		return errs.StateConflict("Execution.AlreadyExists", "execution already exists: %s", execution.ID)
	}
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}
	if execution.Status == "" {
		execution.Status = v1.ExecutionStatusPending
	}
	t.staged[execution.ID] = cloneExecution(execution)
	return nil
}

func (t *memoryTx) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	_, stored := t.r.executions[execution.ID]
	_, staged := t.staged[execution.ID]
	if !stored && !staged {
		return errs.NotFound("Execution.NotFound", "execution not found: %s", execution.ID)
	}
	t.staged[execution.ID] = cloneExecution(execution)
	return nil
}

func (t *memoryTx) UpdateSession(ctx context.Context, session *models.Session) error {
	if _, ok := t.r.sessions[session.ID]; !ok {
		return errs.NotFound("Session.NotFound", "session not found: %s", session.ID)
	}
	session.UpdatedAt = time.Now().UTC()
	t.sessions[session.ID] = cloneSession(session)
	return nil
}

func (t *memoryTx) TouchSessionActivity(ctx context.Context, id string, at time.Time) error {
	session, ok := t.sessions[id]
	if !ok {
		stored, found := t.r.sessions[id]
		if !found {
			return errs.NotFound("Session.NotFound", "session not found: %s", id)
		}
		session = cloneSession(stored)
	}
	session.LastActivityAt = at
	session.UpdatedAt = at
	t.sessions[id] = session
	return nil
}

// WithTx runs fn with the write lock held; staged mutations merge only on
// success. fn must not call back into the repository.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		r:        r,
		staged:   make(map[string]*models.Execution),
		sessions: make(map[string]*models.Session),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, execution := range tx.staged {
		r.executions[id] = execution
	}
	for id, session := range tx.sessions {
		r.sessions[id] = session
	}
	return nil
}

// Clone helpers. Maps and slices are copied so stored state never shares
// memory with caller-held values.

func cloneSession(s *models.Session) *models.Session {
	out := *s
	if s.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(s.EnvVars))
		for k, v := range s.EnvVars {
			out.EnvVars[k] = v
		}
	}
	if s.Dependencies != nil {
		out.Dependencies = append([]models.DependencySpec(nil), s.Dependencies...)
	}
	if s.InstalledDeps != nil {
		out.InstalledDeps = append([]string(nil), s.InstalledDeps...)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneExecution(e *models.Execution) *models.Execution {
	out := *e
	if e.Event != nil {
		out.Event = make(map[string]interface{}, len(e.Event))
		for k, v := range e.Event {
			out.Event[k] = v
		}
	}
	if e.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(e.EnvVars))
		for k, v := range e.EnvVars {
			out.EnvVars[k] = v
		}
	}
	if e.ExitCode != nil {
		code := *e.ExitCode
		out.ExitCode = &code
	}
	if e.Metrics != nil {
		m := *e.Metrics
		out.Metrics = &m
	}
	if e.Artifacts != nil {
		out.Artifacts = append([]models.Artifact(nil), e.Artifacts...)
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if e.LastHeartbeatAt != nil {
		t := *e.LastHeartbeatAt
		out.LastHeartbeatAt = &t
	}
	return &out
}

func cloneTemplate(t *models.Template) *models.Template {
	out := *t
	return &out
}

func cloneNode(n *models.RuntimeNode) *models.RuntimeNode {
	out := *n
	if n.CachedTemplates != nil {
		out.CachedTemplates = append([]string(nil), n.CachedTemplates...)
	}
	return &out
}

func sortSessionsByCreatedDesc(sessions []*models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func sortNodesByID(nodes []*models.RuntimeNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
}
