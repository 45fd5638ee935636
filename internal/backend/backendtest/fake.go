// Package backendtest provides an in-memory Backend implementation for
// tests. Containers live in a map; lookups accept ids or names the way
// the Docker API does.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandpit-io/sandpit/internal/backend"
)

type fakeContainer struct {
	id       string
	name     string
	spec     backend.ContainerSpec
	state    string
	exitCode int
	ip       string
	started  time.Time
	finished time.Time
	logs     []string
}

// Fake is an in-memory Backend. Error fields, when set, are returned by
// the corresponding method so tests can force failures.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	seq        int

	CreateErr    error
	StartErr     error
	StopErr      error
	RemoveErr    error
	IsRunningErr error
	PingErr      error

	// CreatedSpecs records every spec passed to Create, in order.
	CreatedSpecs []backend.ContainerSpec
	// RemovedIDs records every id passed to Remove.
	RemovedIDs []string

	kind string
}

var _ backend.Backend = (*Fake)(nil)

// New returns an empty fake reporting itself as the docker backend.
func New() *Fake {
	return &Fake{
		containers: make(map[string]*fakeContainer),
		kind:       "docker",
	}
}

// WithKind overrides the reported backend kind.
func (f *Fake) WithKind(kind string) *Fake {
	f.kind = kind
	return f
}

func (f *Fake) Kind() string {
	return f.kind
}

func (f *Fake) Create(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	f.seq++
	c := &fakeContainer{
		id:    fmt.Sprintf("ctr-%04d", f.seq),
		name:  spec.Name,
		spec:  spec,
		state: backend.StateCreating,
		ip:    fmt.Sprintf("10.0.0.%d", f.seq),
	}
	f.containers[c.id] = c
	f.CreatedSpecs = append(f.CreatedSpecs, spec)
	return c.id, nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		return f.StartErr
	}
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("%w: start %s", backend.ErrNotFound, id)
	}
	c.state = backend.StateRunning
	c.started = time.Now().UTC()
	return nil
}

func (f *Fake) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StopErr != nil {
		return f.StopErr
	}
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("%w: stop %s", backend.ErrNotFound, id)
	}
	c.state = backend.StateExited
	c.finished = time.Now().UTC()
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	f.RemovedIDs = append(f.RemovedIDs, id)
	if c := f.find(id); c != nil {
		delete(f.containers, c.id)
	}
	return nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (*backend.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: inspect %s", backend.ErrNotFound, id)
	}
	labels := make(map[string]string, len(c.spec.Labels))
	for k, v := range c.spec.Labels {
		labels[k] = v
	}
	return &backend.ContainerStatus{
		ID:         c.id,
		Name:       c.name,
		State:      c.state,
		IPAddress:  c.ip,
		StartedAt:  c.started,
		FinishedAt: c.finished,
		ExitCode:   c.exitCode,
		Labels:     labels,
	}, nil
}

func (f *Fake) IsRunning(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.IsRunningErr != nil {
		return false, f.IsRunningErr
	}
	c := f.find(id)
	if c == nil {
		return false, nil
	}
	return c.state == backend.StateRunning, nil
}

func (f *Fake) Logs(ctx context.Context, id string, tail int, since time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: logs %s", backend.ErrNotFound, id)
	}
	lines := c.logs
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return append([]string(nil), lines...), nil
}

func (f *Fake) Wait(ctx context.Context, id string, timeout time.Duration) (*backend.WaitResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		c := f.find(id)
		if c == nil {
			f.mu.Unlock()
			return nil, fmt.Errorf("%w: wait %s", backend.ErrNotFound, id)
		}
		if c.state == backend.StateExited {
			result := &backend.WaitResult{Status: backend.WaitStatusExited, ExitCode: c.exitCode}
			f.mu.Unlock()
			return result, nil
		}
		f.mu.Unlock()

		if timeout > 0 && time.Now().After(deadline) {
			return &backend.WaitResult{Status: backend.WaitStatusTimeout, ExitCode: backend.TimeoutExitCode}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *Fake) List(ctx context.Context, labels map[string]string) ([]backend.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []backend.ContainerSummary
	for _, c := range f.containers {
		if !matches(c.spec.Labels, labels) {
			continue
		}
		out = append(out, backend.ContainerSummary{
			ID:     c.id,
			Name:   c.name,
			Image:  c.spec.Image,
			State:  c.state,
			Labels: c.spec.Labels,
		})
	}
	return out, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.PingErr
}

// Close is a no-op; the fake holds no external resources.
func (f *Fake) Close() error {
	return nil
}

// SetState forces a container into a state, creating test scenarios
// like externally-killed containers.
func (f *Fake) SetState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(id); c != nil {
		c.state = state
	}
}

// SetExitCode sets the exit code Inspect and Wait report.
func (f *Fake) SetExitCode(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(id); c != nil {
		c.exitCode = code
	}
}

// SetLogs replaces the stored log lines for a container.
func (f *Fake) SetLogs(id string, lines []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(id); c != nil {
		c.logs = lines
	}
}

// Exists reports whether a container with the id or name is present.
func (f *Fake) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(id) != nil
}

// Count returns the number of stored containers.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *Fake) find(idOrName string) *fakeContainer {
	if c, ok := f.containers[idOrName]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.name == idOrName {
			return c
		}
	}
	return nil
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
