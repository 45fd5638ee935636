package v1

import "time"

// Runtime identifies the language runtime baked into a template image.
type Runtime string

const (
	RuntimePython311 Runtime = "python3.11"
	RuntimeNodeJS20  Runtime = "nodejs20"
	RuntimeJava17    Runtime = "java17"
	RuntimeGo121     Runtime = "go1.21"
)

// Runtimes lists every supported runtime kind.
func Runtimes() []Runtime {
	return []Runtime{RuntimePython311, RuntimeNodeJS20, RuntimeJava17, RuntimeGo121}
}

// Template is the wire representation of a sandbox template.
type Template struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Image          string       `json:"image"`
	Runtime        Runtime      `json:"runtime"`
	Resources      ResourceSpec `json:"resources"`
	DefaultTimeout int          `json:"default_timeout"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// CreateTemplateRequest registers a new template.
type CreateTemplateRequest struct {
	ID             string  `json:"id,omitempty"`
	Name           string  `json:"name" binding:"required,max=100"`
	Image          string  `json:"image" binding:"required"`
	Runtime        Runtime `json:"runtime" binding:"required"`
	CPU            string  `json:"cpu,omitempty"`
	Memory         string  `json:"memory,omitempty"`
	Disk           string  `json:"disk,omitempty"`
	MaxProcesses   int     `json:"max_processes,omitempty"`
	DefaultTimeout int     `json:"default_timeout,omitempty"`
}

// UpdateTemplateRequest mutates a template. The id and runtime are immutable.
type UpdateTemplateRequest struct {
	Name           *string `json:"name,omitempty" binding:"omitempty,max=100"`
	Image          *string `json:"image,omitempty"`
	CPU            *string `json:"cpu,omitempty"`
	Memory         *string `json:"memory,omitempty"`
	Disk           *string `json:"disk,omitempty"`
	MaxProcesses   *int    `json:"max_processes,omitempty"`
	DefaultTimeout *int    `json:"default_timeout,omitempty"`
}
