package models

import (
	"time"

	"github.com/sandpit-io/sandpit/internal/errs"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// Execution is one code run inside a session. Legal transitions are exactly
// PENDING → RUNNING → {COMPLETED, FAILED, TIMEOUT, CRASHED}; terminal
// states are absorbing.
type Execution struct {
	ID              string                 `json:"id"`
	SessionID       string                 `json:"session_id"`
	Code            string                 `json:"code"`
	Language        string                 `json:"language"`
	Timeout         int                    `json:"timeout"` // seconds
	Event           map[string]interface{} `json:"event,omitempty"`
	EnvVars         map[string]string      `json:"env_vars,omitempty"`
	Status          v1.ExecutionStatus     `json:"status"`
	ExitCode        *int                   `json:"exit_code,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Stdout          string                 `json:"stdout,omitempty"`
	Stderr          string                 `json:"stderr,omitempty"`
	ReturnValue     string                 `json:"return_value,omitempty"` // raw JSON
	Metrics         *v1.ExecutionMetrics   `json:"metrics,omitempty"`
	Artifacts       []Artifact             `json:"artifacts,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time             `json:"last_heartbeat_at,omitempty"`
}

// IsTerminal reports whether the execution reached an absorbing state.
func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case v1.ExecutionStatusCompleted, v1.ExecutionStatusFailed,
		v1.ExecutionStatusTimeout, v1.ExecutionStatusCrashed:
		return true
	}
	return false
}

// CanRetry reports whether a crashed execution may be resubmitted.
func (e *Execution) CanRetry(maxRetries int) bool {
	return e.Status == v1.ExecutionStatusCrashed && e.RetryCount < maxRetries
}

// MarkRunning flips PENDING to RUNNING (executor acknowledged the submit).
func (e *Execution) MarkRunning(now time.Time) error {
	if e.Status == v1.ExecutionStatusRunning {
		return nil
	}
	if e.Status != v1.ExecutionStatusPending {
		return errs.StateConflict("Execution.InvalidState",
			"execution %s is %s and cannot transition to RUNNING", e.ID, e.Status)
	}
	e.Status = v1.ExecutionStatusRunning
	t := now
	e.StartedAt = &t
	return nil
}

// terminal applies an absorbing status. A result may arrive before the
// submit acknowledgement, so PENDING auto-promotes to RUNNING first.
func (e *Execution) terminal(next v1.ExecutionStatus, now time.Time) error {
	if e.IsTerminal() {
		return errs.StateConflict("Execution.InvalidState",
			"execution %s is already %s", e.ID, e.Status)
	}
	if e.Status == v1.ExecutionStatusPending {
		if err := e.MarkRunning(now); err != nil {
			return err
		}
	}
	e.Status = next
	t := now
	e.CompletedAt = &t
	return nil
}

// Complete marks the execution finished successfully.
func (e *Execution) Complete(now time.Time) error {
	return e.terminal(v1.ExecutionStatusCompleted, now)
}

// Fail marks the execution failed.
func (e *Execution) Fail(now time.Time) error {
	return e.terminal(v1.ExecutionStatusFailed, now)
}

// MarkTimeout marks the execution killed by its deadline.
func (e *Execution) MarkTimeout(now time.Time) error {
	return e.terminal(v1.ExecutionStatusTimeout, now)
}

// Crash marks the execution crashed (executor died, OOM, signal).
func (e *Execution) Crash(now time.Time) error {
	return e.terminal(v1.ExecutionStatusCrashed, now)
}

// Heartbeat records liveness from the executor agent.
func (e *Execution) Heartbeat(now time.Time) {
	t := now
	e.LastHeartbeatAt = &t
}
