package v1

import "time"

// ExecutionStatus represents the lifecycle state of a code execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusTimeout   ExecutionStatus = "TIMEOUT"
	ExecutionStatusCrashed   ExecutionStatus = "CRASHED"
)

// ArtifactKind classifies a file produced by an execution.
type ArtifactKind string

const (
	ArtifactKindArtifact ArtifactKind = "ARTIFACT"
	ArtifactKindLog      ArtifactKind = "LOG"
	ArtifactKindOutput   ArtifactKind = "OUTPUT"
)

// Artifact describes a file an execution left in the session workspace.
type Artifact struct {
	Path      string       `json:"path"`
	Size      int64        `json:"size"`
	MimeType  string       `json:"mime_type,omitempty"`
	Kind      ArtifactKind `json:"kind"`
	Checksum  string       `json:"checksum,omitempty"` // SHA-256 hex
	URL       string       `json:"url,omitempty"`      // presigned, when requested
	CreatedAt time.Time    `json:"created_at"`
}

// ExecutionMetrics carries resource usage reported by the executor agent.
type ExecutionMetrics struct {
	DurationMs   int64   `json:"duration_ms,omitempty"`
	CPUTimeMs    int64   `json:"cpu_time_ms,omitempty"`
	PeakMemoryMB float64 `json:"peak_memory_mb,omitempty"`
	IOReadBytes  int64   `json:"io_read_bytes,omitempty"`
	IOWriteBytes int64   `json:"io_write_bytes,omitempty"`
}

// Execution is the wire representation of a code execution.
type Execution struct {
	ID              string                 `json:"id"`
	SessionID       string                 `json:"session_id"`
	Code            string                 `json:"code,omitempty"`
	Language        string                 `json:"language"`
	Timeout         int                    `json:"timeout"`
	Event           map[string]interface{} `json:"event,omitempty"`
	EnvVars         map[string]string      `json:"env_vars,omitempty"`
	Status          ExecutionStatus        `json:"status"`
	ExitCode        *int                   `json:"exit_code,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Stdout          string                 `json:"stdout,omitempty"`
	Stderr          string                 `json:"stderr,omitempty"`
	ReturnValue     interface{}            `json:"return_value,omitempty"`
	Metrics         *ExecutionMetrics      `json:"metrics,omitempty"`
	Artifacts       []Artifact             `json:"artifacts,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time             `json:"last_heartbeat_at,omitempty"`
}

// ExecuteRequest submits code to a session.
type ExecuteRequest struct {
	Code     string                 `json:"code" binding:"required"`
	Language string                 `json:"language,omitempty"`
	Timeout  int                    `json:"timeout,omitempty"`
	Event    map[string]interface{} `json:"event,omitempty"`
	EnvVars  map[string]string      `json:"env_vars,omitempty"`
}

// ExecuteResponse acknowledges an accepted execution.
type ExecuteResponse struct {
	ExecutionID string          `json:"execution_id"`
	SessionID   string          `json:"session_id"`
	Status      ExecutionStatus `json:"status"`
}
