// Package repository defines the persistence port for the sandbox domain.
// The production implementation lives in the sqlite subpackage and is
// portable across SQLite and PostgreSQL; memory.go holds an in-memory
// implementation for tests.
package repository

import (
	"context"
	"time"

	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// ListSessionsOptions filters and paginates ListSessions.
type ListSessionsOptions struct {
	Statuses      []v1.SessionStatus
	TemplateID    string
	Search        string // substring match on id, container id, error message
	MetadataKey   string // filter on one metadata JSON key; requires MetadataValue
	MetadataValue string
	Page          int // 1-based
	PageSize      int
}

// ListExecutionsOptions paginates ListExecutionsBySession.
type ListExecutionsOptions struct {
	Limit  int
	Offset int
}

// SessionExecutionStats aggregates execution outcomes for one session.
type SessionExecutionStats struct {
	SessionID       string `json:"session_id"`
	Total           int    `json:"total"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	TimedOut        int    `json:"timed_out"`
	Crashed         int    `json:"crashed"`
	TotalDurationMs int64  `json:"total_duration_ms"`
	AvgDurationMs   int64  `json:"avg_duration_ms"`
}

// Tx is the subset of mutations available inside WithTx. ExecuteCode uses
// it to persist the PENDING execution and the session activity bump in one
// commit before anything is sent to the executor.
type Tx interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	UpdateExecution(ctx context.Context, execution *models.Execution) error
	UpdateSession(ctx context.Context, session *models.Session) error
	TouchSessionActivity(ctx context.Context, id string, at time.Time) error
}

// Repository defines the interface for sandbox storage operations.
type Repository interface {
	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByContainerID(ctx context.Context, containerID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	// UpdateSessionStatus performs a guarded single-statement transition:
	// the row moves to `to` only while its status is one of `from`.
	UpdateSessionStatus(ctx context.Context, id string, from []v1.SessionStatus, to v1.SessionStatus, errorMessage string) error
	TouchSessionActivity(ctx context.Context, id string, at time.Time) error
	// ClearSessionContainer drops the container binding, recording that
	// the container was destroyed. Status stays untouched.
	ClearSessionContainer(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*models.Session, int, error)
	ListSessionsByStatus(ctx context.Context, statuses ...v1.SessionStatus) ([]*models.Session, error)
	ListActiveSessionsWithContainer(ctx context.Context) ([]*models.Session, error)
	ListSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]*models.Session, error)
	ListSessionsCreatedBefore(ctx context.Context, cutoff time.Time, statuses ...v1.SessionStatus) ([]*models.Session, error)
	ListSessionsPastDeadline(ctx context.Context) ([]*models.Session, error)

	// Execution operations
	CreateExecution(ctx context.Context, execution *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	UpdateExecution(ctx context.Context, execution *models.Execution) error
	// ApplyExecutionResult loads the execution, runs the reduction, and
	// persists the outcome in one writer transaction.
	ApplyExecutionResult(ctx context.Context, id string, apply func(*models.Execution) error) error
	ListExecutionsBySession(ctx context.Context, sessionID string, opts ListExecutionsOptions) ([]*models.Execution, int, error)
	ListExecutionsByStatus(ctx context.Context, statuses ...v1.ExecutionStatus) ([]*models.Execution, error)
	GetSessionExecutionStats(ctx context.Context, sessionID string) (*SessionExecutionStats, error)

	// Template operations
	CreateTemplate(ctx context.Context, template *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetTemplateByName(ctx context.Context, name string) (*models.Template, error)
	UpdateTemplate(ctx context.Context, template *models.Template) error
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]*models.Template, error)

	// Node operations
	UpsertNode(ctx context.Context, node *models.RuntimeNode) error
	GetNode(ctx context.Context, id string) (*models.RuntimeNode, error)
	ListNodes(ctx context.Context) ([]*models.RuntimeNode, error)
	ListNodesByStatus(ctx context.Context, statuses ...v1.NodeStatus) ([]*models.RuntimeNode, error)
	UpdateNodeLoad(ctx context.Context, id string, cpuUsage, memUsage float64, at time.Time) error
	IncrementNodeSessions(ctx context.Context, id string) error
	DecrementNodeSessions(ctx context.Context, id string) error
	DeleteNode(ctx context.Context, id string) error

	// WithTx runs fn inside a single writer transaction.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close closes the repository (for database connections)
	Close() error
}
