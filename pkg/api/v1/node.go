package v1

import "time"

// NodeKind identifies the container backend a node runs on.
type NodeKind string

const (
	NodeKindDocker     NodeKind = "docker"
	NodeKindKubernetes NodeKind = "kubernetes"
)

// NodeStatus represents the availability of a runtime node.
type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "online"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusDraining NodeStatus = "draining"
)

// Node is the wire representation of a runtime node.
type Node struct {
	ID              string     `json:"id"`
	Kind            NodeKind   `json:"kind"`
	Endpoint        string     `json:"endpoint"`
	Status          NodeStatus `json:"status"`
	CPUUsage        float64    `json:"cpu_usage"`
	MemUsage        float64    `json:"mem_usage"`
	SessionCount    int        `json:"session_count"`
	MaxSessions     int        `json:"max_sessions"`
	CachedTemplates []string   `json:"cached_templates,omitempty"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
}
