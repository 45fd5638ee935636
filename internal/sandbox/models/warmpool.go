package models

import "time"

// WarmPoolStatus represents the allocation state of a pooled container.
type WarmPoolStatus string

const (
	WarmPoolAvailable WarmPoolStatus = "AVAILABLE"
	WarmPoolAllocated WarmPoolStatus = "ALLOCATED"
	WarmPoolExpired   WarmPoolStatus = "EXPIRED"
)

// WarmPoolEntry is one pre-started container waiting to be handed to a
// session. The pool owns the container until Acquire transfers it.
type WarmPoolEntry struct {
	TemplateID     string         `json:"template_id"`
	NodeID         string         `json:"node_id,omitempty"`
	ContainerID    string         `json:"container_id"`
	ContainerName  string         `json:"container_name"`
	Image          string         `json:"image"`
	Status         WarmPoolStatus `json:"status"`
	SessionID      string         `json:"session_id,omitempty"` // set when allocated
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	AllocatedAt    *time.Time     `json:"allocated_at,omitempty"`
}

// IdleFor returns how long the entry has sat unused.
func (e *WarmPoolEntry) IdleFor(now time.Time) time.Duration {
	return now.Sub(e.LastActivityAt)
}

// Expired reports whether the entry outlived the idle timeout.
func (e *WarmPoolEntry) Expired(now time.Time, idleTimeout time.Duration) bool {
	return e.Status == WarmPoolAvailable && e.IdleFor(now) > idleTimeout
}

// Allocate binds the entry to a session.
func (e *WarmPoolEntry) Allocate(sessionID string, now time.Time) {
	e.Status = WarmPoolAllocated
	e.SessionID = sessionID
	t := now
	e.AllocatedAt = &t
	e.LastActivityAt = now
}
