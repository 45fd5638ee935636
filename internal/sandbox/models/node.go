package models

import (
	"time"

	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// RuntimeNode is one container host (a Docker daemon or a Kubernetes
// namespace slice) the scheduler can place sessions on.
type RuntimeNode struct {
	ID              string        `json:"id"`
	Kind            v1.NodeKind   `json:"kind"`
	Endpoint        string        `json:"endpoint"`
	Status          v1.NodeStatus `json:"status"`
	CPUUsage        float64       `json:"cpu_usage"` // 0..1
	MemUsage        float64       `json:"mem_usage"` // 0..1
	SessionCount    int           `json:"session_count"`
	MaxSessions     int           `json:"max_sessions"`
	CachedTemplates []string      `json:"cached_templates,omitempty"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// LoadRatio is the scheduler's placement score: the most saturated of
// cpu, memory, and session slots.
func (n *RuntimeNode) LoadRatio() float64 {
	load := n.CPUUsage
	if n.MemUsage > load {
		load = n.MemUsage
	}
	if n.MaxSessions > 0 {
		if s := float64(n.SessionCount) / float64(n.MaxSessions); s > load {
			load = s
		}
	}
	return load
}

// HasTemplate reports whether the node has the template image cached.
func (n *RuntimeNode) HasTemplate(templateID string) bool {
	for _, t := range n.CachedTemplates {
		if t == templateID {
			return true
		}
	}
	return false
}

// IsOnline reports whether the node accepts new sessions.
func (n *RuntimeNode) IsOnline() bool {
	return n.Status == v1.NodeStatusOnline
}

// HasCapacity reports whether the node can take one more session.
func (n *RuntimeNode) HasCapacity() bool {
	return n.MaxSessions <= 0 || n.SessionCount < n.MaxSessions
}
