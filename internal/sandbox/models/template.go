package models

import (
	"time"

	"github.com/sandpit-io/sandpit/internal/errs"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// Template describes a reusable sandbox configuration. The id is immutable
// once registered; the name is mutable but unique.
type Template struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Image          string        `json:"image"`
	Runtime        v1.Runtime    `json:"runtime"`
	Resources      ResourceLimit `json:"resources"`
	DefaultTimeout int           `json:"default_timeout"` // seconds
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Validate checks the template invariants.
func (t *Template) Validate() error {
	if t.Name == "" {
		return errs.Validation("Template.InvalidName", "template name must not be empty")
	}
	if t.Image == "" {
		return errs.Validation("Template.InvalidImage", "template image must not be empty")
	}
	if !ValidRuntime(t.Runtime) {
		return errs.Validation("Template.InvalidRuntime", "unsupported runtime %q", t.Runtime)
	}
	if t.DefaultTimeout < MinExecutionTimeout || t.DefaultTimeout > MaxExecutionTimeout {
		return errs.Validation("Template.InvalidTimeout",
			"default_timeout must be between %d and %d seconds, got %d",
			MinExecutionTimeout, MaxExecutionTimeout, t.DefaultTimeout)
	}
	return t.Resources.Validate()
}

// ValidRuntime reports whether r is one of the supported runtime kinds.
func ValidRuntime(r v1.Runtime) bool {
	for _, known := range v1.Runtimes() {
		if r == known {
			return true
		}
	}
	return false
}
