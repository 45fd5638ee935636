// Package backend defines the container backend port. Implementations
// run sandbox containers on Docker or Kubernetes; the scheduler and the
// reconcilers only ever speak through this interface.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sandpit-io/sandpit/internal/sandbox/models"
)

// Sentinel errors implementations translate backend failures into.
// Callers branch with errors.Is and map them onto API error kinds.
var (
	// ErrNotFound means the container does not exist.
	ErrNotFound = errors.New("container not found")
	// ErrImagePull means the template image could not be pulled.
	ErrImagePull = errors.New("image pull failed")
	// ErrResourceRejected means the backend refused the resource limits.
	ErrResourceRejected = errors.New("resource limits rejected")
	// ErrUnavailable means the backend daemon or API server is unreachable.
	ErrUnavailable = errors.New("container backend unavailable")
)

// Container states normalized across backends.
const (
	StateCreating = "creating"
	StateRunning  = "running"
	StatePaused   = "paused"
	StateExited   = "exited"
	StateUnknown  = "unknown"
)

// Labels every sandbox container carries. List filters match on them
// and the orphan sweep recognizes its containers by ManagedByValue.
const (
	LabelSessionID  = "session_id"
	LabelTemplateID = "template_id"
	LabelManagedBy  = "managed_by"
	LabelWarmPool   = "warm_pool"

	ManagedByValue = "sandpit-control-plane"
)

// Wait outcomes.
const (
	WaitStatusExited  = "exited"
	WaitStatusTimeout = "timeout"

	// TimeoutExitCode reports a wait deadline the way shells report
	// SIGTERM-after-timeout.
	TimeoutExitCode = 124
)

// WorkspaceSpec describes how the session workspace reaches the
// container. Path is the object-storage workspace location
// (s3://bucket/sessions/<id>/); MountPath is where it appears inside.
type WorkspaceSpec struct {
	Path      string
	MountPath string
}

// ContainerSpec is everything a backend needs to create a sandbox
// container.
type ContainerSpec struct {
	Name      string
	Image     string
	Env       map[string]string
	Resources models.ResourceLimit
	Workspace WorkspaceSpec
	Labels    map[string]string
	Network   string
}

// ContainerStatus is the normalized result of Inspect.
type ContainerStatus struct {
	ID         string
	Name       string
	State      string
	IPAddress  string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Labels     map[string]string
}

// ContainerSummary is one row of List.
type ContainerSummary struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// WaitResult reports how a Wait ended.
type WaitResult struct {
	Status   string
	ExitCode int
}

// Backend is the container runtime port.
type Backend interface {
	// Create builds the container and returns its backend id. The
	// container is not started.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start launches a created container.
	Start(ctx context.Context, id string) error

	// Stop requests a graceful stop, killing after the grace period.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove deletes the container. A missing container is not an error.
	Remove(ctx context.Context, id string, force bool) error

	// Inspect returns the normalized container status.
	Inspect(ctx context.Context, id string) (*ContainerStatus, error)

	// IsRunning reports whether the container is running. A missing
	// container reports false without error.
	IsRunning(ctx context.Context, id string) (bool, error)

	// Logs returns up to tail recent log lines emitted since the given
	// time. A zero since means from the beginning.
	Logs(ctx context.Context, id string, tail int, since time.Time) ([]string, error)

	// Wait blocks until the container exits or the timeout elapses.
	Wait(ctx context.Context, id string, timeout time.Duration) (*WaitResult, error)

	// List returns containers whose labels match every given pair.
	List(ctx context.Context, labels map[string]string) ([]ContainerSummary, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Kind names the backend: docker or kubernetes.
	Kind() string

	// Close releases any resources held by the backend client.
	Close() error
}
