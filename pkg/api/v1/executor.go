package v1

import "time"

// Wire contract between the control plane and the in-container executor
// agent. The control plane POSTs ExecutorSubmit to the agent's /execute;
// the agent POSTs the callback bodies below to /internal/* on the control
// plane, authenticated with the shared bearer token.

// ExecutorSubmit is the code payload forwarded to an executor agent.
type ExecutorSubmit struct {
	ExecutionID string                 `json:"execution_id"`
	SessionID   string                 `json:"session_id"`
	Code        string                 `json:"code"`
	Language    string                 `json:"language"`
	Timeout     int                    `json:"timeout"`
	Event       map[string]interface{} `json:"event,omitempty"`
	EnvVars     map[string]string      `json:"env_vars,omitempty"`
}

// ExecutorSubmitAck is the agent's immediate acknowledgement of a submit.
type ExecutorSubmitAck struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status,omitempty"`
}

// ContainerReadyRequest signals that an executor agent finished booting.
// When the session requested dependencies, the agent reports the install
// outcome here as well.
type ContainerReadyRequest struct {
	ContainerID       string    `json:"container_id" binding:"required"`
	Hostname          string    `json:"hostname,omitempty"`
	ExecutorPort      int       `json:"executor_port,omitempty"`
	ReadyAt           time.Time `json:"ready_at,omitempty"`
	DependencyStatus  string    `json:"dependency_status,omitempty"` // completed, failed
	DependencyError   string    `json:"dependency_error,omitempty"`
	InstalledPackages []string  `json:"installed_packages,omitempty"`
}

// ContainerExitedRequest signals that a sandbox container exited.
type ContainerExitedRequest struct {
	ContainerID string    `json:"container_id" binding:"required"`
	ExitCode    int       `json:"exit_code"`
	ExitReason  string    `json:"exit_reason,omitempty"` // normal, sigterm, sigkill, oom_killed, error
	ExitedAt    time.Time `json:"exited_at,omitempty"`
}

// ExecutionHeartbeatRequest keeps a running execution and its session alive.
type ExecutionHeartbeatRequest struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Progress  map[string]interface{} `json:"progress,omitempty"`
}

// ExecutionResultRequest carries the terminal outcome of an execution.
type ExecutionResultRequest struct {
	Status          string                 `json:"status" binding:"required"` // success, failed, timeout, crashed
	Stdout          string                 `json:"stdout,omitempty"`
	Stderr          string                 `json:"stderr,omitempty"`
	ExitCode        int                    `json:"exit_code"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms,omitempty"`
	ReturnValue     interface{}            `json:"return_value,omitempty"`
	Metrics         *ExecutionMetrics      `json:"metrics,omitempty"`
	Artifacts       []ArtifactUpload       `json:"artifacts,omitempty"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

// ArtifactUpload describes one artifact reported with a result.
type ArtifactUpload struct {
	Path     string `json:"path" binding:"required"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Executor result statuses accepted by the result callback.
const (
	ResultStatusSuccess = "success"
	ResultStatusFailed  = "failed"
	ResultStatusTimeout = "timeout"
	ResultStatusCrashed = "crashed"
)

// Container exit reasons accepted by the exited callback.
const (
	ExitReasonNormal    = "normal"
	ExitReasonSigterm   = "sigterm"
	ExitReasonSigkill   = "sigkill"
	ExitReasonOOMKilled = "oom_killed"
	ExitReasonError     = "error"
)
