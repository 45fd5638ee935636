package models

import (
	"time"

	"github.com/sandpit-io/sandpit/internal/errs"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// Session is the aggregate root of the sandbox domain: one isolated
// container plus its workspace prefix in object storage.
type Session struct {
	ID                string                     `json:"id"`
	TemplateID        string                     `json:"template_id"`
	Status            v1.SessionStatus           `json:"status"`
	Runtime           v1.Runtime                 `json:"runtime"`
	Resources         ResourceLimit              `json:"resources"`
	WorkspacePath     string                     `json:"workspace_path"` // s3://<bucket>/sessions/<id>/, immutable
	NodeID            string                     `json:"node_id,omitempty"`
	ContainerID       string                     `json:"container_id,omitempty"`
	EnvVars           map[string]string          `json:"env_vars,omitempty"`
	Timeout           int                        `json:"timeout"` // seconds
	Dependencies      []DependencySpec           `json:"dependencies,omitempty"`
	InstallTimeout    int                        `json:"install_timeout,omitempty"` // seconds
	DependencyInstall v1.DependencyInstallStatus `json:"dependency_install"`
	InstalledDeps     []string                   `json:"installed_deps,omitempty"`
	ErrorMessage      string                     `json:"error_message,omitempty"`
	Metadata          map[string]interface{}     `json:"metadata,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
	CompletedAt       *time.Time                 `json:"completed_at,omitempty"`
	LastActivityAt    time.Time                  `json:"last_activity_at"`
}

// IsActive reports whether the session can still accept work.
func (s *Session) IsActive() bool {
	return s.Status == v1.SessionStatusCreating || s.Status == v1.SessionStatusRunning
}

// IsTerminal reports whether the session reached an absorbing state.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case v1.SessionStatusCompleted, v1.SessionStatusFailed,
		v1.SessionStatusTimeout, v1.SessionStatusTerminated:
		return true
	}
	return false
}

// transition moves the session to next if legal. Terminal states are
// absorbing: any transition out is a StateConflict.
func (s *Session) transition(next v1.SessionStatus, now time.Time) error {
	if s.IsTerminal() {
		return errs.StateConflict("Session.InvalidState",
			"session %s is %s and cannot transition to %s", s.ID, s.Status, next)
	}
	if next == v1.SessionStatusRunning && s.Status != v1.SessionStatusCreating {
		return errs.StateConflict("Session.InvalidState",
			"session %s is %s and cannot transition to RUNNING", s.ID, s.Status)
	}
	s.Status = next
	s.UpdatedAt = now
	switch next {
	case v1.SessionStatusCompleted, v1.SessionStatusFailed,
		v1.SessionStatusTimeout, v1.SessionStatusTerminated:
		t := now
		s.CompletedAt = &t
	}
	return nil
}

// MarkRunning flips CREATING to RUNNING (executor reported ready).
func (s *Session) MarkRunning(now time.Time) error {
	return s.transition(v1.SessionStatusRunning, now)
}

// MarkCompleted marks the session finished normally.
func (s *Session) MarkCompleted(now time.Time) error {
	return s.transition(v1.SessionStatusCompleted, now)
}

// MarkFailed marks the session failed with a reason.
func (s *Session) MarkFailed(now time.Time, msg string) error {
	if err := s.transition(v1.SessionStatusFailed, now); err != nil {
		return err
	}
	s.ErrorMessage = msg
	return nil
}

// MarkTimeout marks the session timed out.
func (s *Session) MarkTimeout(now time.Time) error {
	return s.transition(v1.SessionStatusTimeout, now)
}

// MarkTerminated marks the session torn down.
func (s *Session) MarkTerminated(now time.Time) error {
	return s.transition(v1.SessionStatusTerminated, now)
}

// AssignContainer binds the session to its container. The binding is
// write-once; rebinding requires ClearContainer first (recovery path).
func (s *Session) AssignContainer(containerID string, now time.Time) error {
	if containerID == "" {
		return errs.Validation("Session.InvalidContainer", "container id must not be empty")
	}
	if s.ContainerID != "" && s.ContainerID != containerID {
		return errs.StateConflict("Session.ContainerBound",
			"session %s is already bound to container %s", s.ID, s.ContainerID)
	}
	s.ContainerID = containerID
	s.UpdatedAt = now
	return nil
}

// ClearContainer unbinds the container so recovery can assign a new one.
func (s *Session) ClearContainer(now time.Time) {
	s.ContainerID = ""
	s.UpdatedAt = now
}

// TouchActivity records client or executor activity for idle accounting.
func (s *Session) TouchActivity(now time.Time) {
	s.LastActivityAt = now
	s.UpdatedAt = now
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// Age returns how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
