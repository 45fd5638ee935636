package v1

import "time"

// SessionStatus represents the lifecycle state of a sandbox session.
type SessionStatus string

const (
	SessionStatusCreating   SessionStatus = "CREATING"
	SessionStatusRunning    SessionStatus = "RUNNING"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusFailed     SessionStatus = "FAILED"
	SessionStatusTimeout    SessionStatus = "TIMEOUT"
	SessionStatusTerminated SessionStatus = "TERMINATED"
)

// DependencyInstallStatus tracks per-session dependency installation.
type DependencyInstallStatus string

const (
	DependencyInstallNone       DependencyInstallStatus = "NONE"
	DependencyInstallInstalling DependencyInstallStatus = "INSTALLING"
	DependencyInstallCompleted  DependencyInstallStatus = "COMPLETED"
	DependencyInstallFailed     DependencyInstallStatus = "FAILED"
)

// ResourceSpec describes the resource envelope of a session or template.
type ResourceSpec struct {
	CPU          string `json:"cpu"`
	Memory       string `json:"memory"`
	Disk         string `json:"disk"`
	MaxProcesses int    `json:"max_processes,omitempty"`
}

// Dependency is a single package to install into a session workspace.
type Dependency struct {
	Name    string `json:"name" binding:"required"`
	Version string `json:"version,omitempty"`
}

// Session is the wire representation of a sandbox session.
type Session struct {
	ID                string                  `json:"id"`
	TemplateID        string                  `json:"template_id"`
	Status            SessionStatus           `json:"status"`
	Runtime           string                  `json:"runtime"`
	Resources         ResourceSpec            `json:"resources"`
	WorkspacePath     string                  `json:"workspace_path"`
	NodeID            string                  `json:"node_id,omitempty"`
	ContainerID       string                  `json:"container_id,omitempty"`
	EnvVars           map[string]string       `json:"env_vars,omitempty"`
	Timeout           int                     `json:"timeout"`
	Dependencies      []Dependency            `json:"dependencies,omitempty"`
	DependencyInstall DependencyInstallStatus `json:"dependency_install"`
	ErrorMessage      string                  `json:"error_message,omitempty"`
	Metadata          map[string]interface{}  `json:"metadata,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
	CompletedAt       *time.Time              `json:"completed_at,omitempty"`
	LastActivityAt    time.Time               `json:"last_activity_at"`
}

// CreateSessionRequest creates a new sandbox session.
type CreateSessionRequest struct {
	TemplateID     string                 `json:"template_id" binding:"required"`
	Timeout        int                    `json:"timeout,omitempty"`
	CPU            string                 `json:"cpu,omitempty"`
	Memory         string                 `json:"memory,omitempty"`
	Disk           string                 `json:"disk,omitempty"`
	EnvVars        map[string]string      `json:"env_vars,omitempty"`
	Dependencies   []Dependency           `json:"dependencies,omitempty"`
	InstallTimeout int                    `json:"install_timeout,omitempty"`
	WorkspacePath  string                 `json:"workspace_path,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}
