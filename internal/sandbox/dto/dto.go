// Package dto holds the response envelopes and model-to-wire converters
// for the REST surface. Request bodies live in pkg/api/v1 so clients can
// import them; everything here is server-side only.
package dto

import (
	"time"

	"github.com/sandpit-io/sandpit/internal/reconciler"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

type ListSessionsResponse struct {
	Sessions []v1.Session `json:"sessions"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

type ListExecutionsResponse struct {
	Executions []v1.Execution `json:"executions"`
	Total      int            `json:"total"`
}

type ListTemplatesResponse struct {
	Templates []v1.Template `json:"templates"`
	Total     int           `json:"total"`
}

type ListNodesResponse struct {
	Nodes []v1.Node `json:"nodes"`
	Total int       `json:"total"`
}

type ListFilesResponse struct {
	Files []v1.FileInfo `json:"files"`
	Total int           `json:"total"`
}

type ListArtifactsResponse struct {
	Artifacts []v1.Artifact `json:"artifacts"`
	Total     int           `json:"total"`
}

// ExecutionStatusResponse is the light polling shape; the full row with
// outputs comes from the result endpoint.
type ExecutionStatusResponse struct {
	ExecutionID string             `json:"execution_id"`
	SessionID   string             `json:"session_id"`
	Status      v1.ExecutionStatus `json:"status"`
	ExitCode    *int               `json:"exit_code,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// ExecuteSyncResponse is the full execution plus a marker that is set to
// "timeout" when polling expired before the execution went terminal.
type ExecuteSyncResponse struct {
	v1.Execution
	SyncStatus string `json:"sync_status,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the user-visible failure payload.
type ErrorResponse struct {
	ErrorCode   string `json:"error_code"`
	Description string `json:"description"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Solution    string `json:"solution,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// HealthResponse reports process liveness plus the latest reconciler
// cycles and dependency probes.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Checks    map[string]string         `json:"checks"`
	StateSync *reconciler.SyncReport    `json:"state_sync,omitempty"`
	Cleanup   *reconciler.CleanupReport `json:"cleanup,omitempty"`
}
