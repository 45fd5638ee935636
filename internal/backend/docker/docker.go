// Package docker runs sandbox containers on a Docker daemon.
package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
)

const cpuPeriod = 100000

// Backend runs sandbox containers against the Docker API. Every
// container is created hardened: all capabilities dropped, no privilege
// escalation, an unprivileged user, swap disabled and a pid ceiling.
type Backend struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig

	// Container ids whose disappearance was already logged, so the
	// reconciler does not repeat the warning every cycle.
	missingLogged sync.Map
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Docker backend.
func New(cfg config.DockerConfig, log *logger.Logger) (*Backend, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker backend created",
		zap.String("host", cfg.Host),
		zap.String("network", cfg.Network),
	)

	return &Backend{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (b *Backend) Close() error {
	b.logger.Debug("Closing Docker client")
	return b.cli.Close()
}

func (b *Backend) Kind() string {
	return "docker"
}

// Create builds a hardened sandbox container. When the image is missing
// locally it is pulled once and the create retried.
func (b *Backend) Create(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	b.logger.Info("Creating container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
	)

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    envSlice(spec.Env),
		Labels: spec.Labels,
		User:   "1000:1000",
	}

	network := spec.Network
	if network == "" {
		network = b.config.Network
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(network),
		CapDrop:     strslice.StrSlice{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Mounts:      workspaceMounts(spec.Workspace),
		Resources:   resources(spec),
	}

	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil && errdefs.IsNotFound(err) {
		// Image absent locally: pull and retry once.
		if pullErr := b.pullImage(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		b.logger.Error("Failed to create container",
			zap.String("name", spec.Name),
			zap.Error(err),
		)
		return "", wrapDockerErr(err, fmt.Sprintf("create container %s", spec.Name))
	}

	b.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

func (b *Backend) pullImage(ctx context.Context, imageName string) error {
	b.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := b.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		b.logger.Error("Failed to pull image", zap.String("image", imageName), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", backend.ErrImagePull, imageName, err)
	}
	defer reader.Close()

	// Read the output to ensure the image is fully pulled.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		b.logger.Error("Error reading image pull output", zap.String("image", imageName), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", backend.ErrImagePull, imageName, err)
	}

	b.logger.Info("Image pulled", zap.String("image", imageName))
	return nil
}

func (b *Backend) Start(ctx context.Context, id string) error {
	b.logger.Info("Starting container", zap.String("container_id", id))

	if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		b.logger.Error("Failed to start container", zap.String("container_id", id), zap.Error(err))
		return wrapDockerErr(err, fmt.Sprintf("start container %s", id))
	}
	return nil
}

func (b *Backend) Stop(ctx context.Context, id string, grace time.Duration) error {
	b.logger.Info("Stopping container",
		zap.String("container_id", id),
		zap.Duration("grace", grace),
	)

	graceSeconds := int(grace.Seconds())
	err := b.cli.ContainerStop(ctx, id, container.StopOptions{
		Timeout: &graceSeconds,
	})
	if err != nil {
		return wrapDockerErr(err, fmt.Sprintf("stop container %s", id))
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, id string, force bool) error {
	b.logger.Info("Removing container",
		zap.String("container_id", id),
		zap.Bool("force", force),
	)

	err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		b.logger.Error("Failed to remove container", zap.String("container_id", id), zap.Error(err))
		return wrapDockerErr(err, fmt.Sprintf("remove container %s", id))
	}
	return nil
}

func (b *Backend) Inspect(ctx context.Context, id string) (*backend.ContainerStatus, error) {
	inspect, err := b.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, wrapDockerErr(err, fmt.Sprintf("inspect container %s", id))
	}

	status := &backend.ContainerStatus{
		ID:       inspect.ID,
		Name:     strings.TrimPrefix(inspect.Name, "/"),
		State:    normalizeState(inspect.State.Status),
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.Config != nil {
		status.Labels = inspect.Config.Labels
	}

	if inspect.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			status.StartedAt = startedAt
		}
	}
	if inspect.State.FinishedAt != "" {
		if finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			status.FinishedAt = finishedAt
		}
	}

	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			status.IPAddress = inspect.NetworkSettings.IPAddress
		} else {
			for _, netSettings := range inspect.NetworkSettings.Networks {
				if netSettings.IPAddress != "" {
					status.IPAddress = netSettings.IPAddress
					break
				}
			}
		}
	}

	return status, nil
}

// IsRunning reports whether the container is running. A vanished
// container reports false; the disappearance is logged once per id.
func (b *Backend) IsRunning(ctx context.Context, id string) (bool, error) {
	inspect, err := b.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			if _, logged := b.missingLogged.LoadOrStore(id, struct{}{}); !logged {
				b.logger.Warn("Container no longer exists", zap.String("container_id", id))
			}
			return false, nil
		}
		return false, wrapDockerErr(err, fmt.Sprintf("inspect container %s", id))
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (b *Backend) Logs(ctx context.Context, id string, tail int, since time.Time) ([]string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: false,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	if !since.IsZero() {
		opts.Since = since.UTC().Format(time.RFC3339Nano)
	}

	reader, err := b.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, wrapDockerErr(err, fmt.Sprintf("logs for container %s", id))
	}
	defer reader.Close()

	var buf bytes.Buffer
	demultiplexStream(reader, &buf)
	return splitLogLines(buf.String()), nil
}

func (b *Backend) Wait(ctx context.Context, id string, timeout time.Duration) (*backend.WaitResult, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	statusCh, errCh := b.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		return &backend.WaitResult{
			Status:   backend.WaitStatusExited,
			ExitCode: int(status.StatusCode),
		}, nil
	case err := <-errCh:
		if err == nil {
			return &backend.WaitResult{Status: backend.WaitStatusExited, ExitCode: -1}, nil
		}
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return &backend.WaitResult{
				Status:   backend.WaitStatusTimeout,
				ExitCode: backend.TimeoutExitCode,
			}, nil
		}
		return nil, wrapDockerErr(err, fmt.Sprintf("wait for container %s", id))
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			// The caller gave up, not the timeout.
			return nil, ctx.Err()
		}
		return &backend.WaitResult{
			Status:   backend.WaitStatusTimeout,
			ExitCode: backend.TimeoutExitCode,
		}, nil
	}
}

func (b *Backend) List(ctx context.Context, labels map[string]string) ([]backend.ContainerSummary, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, wrapDockerErr(err, "list containers")
	}

	summaries := make([]backend.ContainerSummary, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		summaries = append(summaries, backend.ContainerSummary{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  normalizeState(ctr.State),
			Labels: ctr.Labels,
		})
	}

	b.logger.Debug("Listed containers", zap.Int("count", len(summaries)))
	return summaries, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker ping: %v", backend.ErrUnavailable, err)
	}
	return nil
}

// resources maps the session envelope onto Docker cgroup knobs. Memory
// and MemorySwap are equal so the container cannot swap.
func resources(spec backend.ContainerSpec) container.Resources {
	memory := spec.Resources.MemoryBytes()
	pids := int64(spec.Resources.MaxProcesses)
	return container.Resources{
		Memory:     memory,
		MemorySwap: memory,
		CPUQuota:   spec.Resources.CPUQuota(),
		CPUPeriod:  cpuPeriod,
		PidsLimit:  &pids,
	}
}

// workspaceMounts bind-mounts host-path workspaces. Object-storage
// workspaces (s3://) reach the container through the executor instead,
// so they produce no mount.
func workspaceMounts(ws backend.WorkspaceSpec) []mount.Mount {
	if ws.Path == "" || strings.Contains(ws.Path, "://") {
		return nil
	}
	target := ws.MountPath
	if target == "" {
		target = "/workspace"
	}
	return []mount.Mount{{
		Type:   mount.TypeBind,
		Source: ws.Path,
		Target: target,
	}}
}

// envSlice renders the env map as KEY=VALUE pairs in a stable order.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// normalizeState folds Docker states into the backend's state set.
func normalizeState(state string) string {
	switch state {
	case "created":
		return backend.StateCreating
	case "running", "restarting":
		return backend.StateRunning
	case "paused":
		return backend.StatePaused
	case "exited", "dead", "removing":
		return backend.StateExited
	default:
		return backend.StateUnknown
	}
}

// wrapDockerErr folds Docker API errors into the port's sentinels.
func wrapDockerErr(err error, op string) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", backend.ErrNotFound, op)
	case errdefs.IsInvalidParameter(err):
		return fmt.Errorf("%w: %s: %v", backend.ErrResourceRejected, op, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %s: %v", backend.ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// demultiplexStream reads Docker's multiplexed stream format and writes
// stdout and stderr payloads to the writer.
// Docker stream format when Tty=false:
// - Byte 0: Stream type (0=stdin, 1=stdout, 2=stderr)
// - Bytes 1-3: Reserved
// - Bytes 4-7: Frame size (big endian uint32)
// - Bytes 8+: Frame data
func demultiplexStream(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])

		if size > 0 {
			data := make([]byte, size)
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
			if streamType == 1 || streamType == 2 {
				_, _ = writer.Write(data)
			}
		}
	}
}

func splitLogLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
