package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/backend/backendtest"
	"github.com/sandpit-io/sandpit/internal/common/clock"
	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/events"
	"github.com/sandpit-io/sandpit/internal/events/bus"
	"github.com/sandpit-io/sandpit/internal/executor"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	"github.com/sandpit-io/sandpit/internal/scheduler"
	"github.com/sandpit-io/sandpit/internal/storage"
	"github.com/sandpit-io/sandpit/internal/warmpool"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) handle(ctx context.Context, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) ofType(eventType string) []*bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bus.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	repo     *repository.MemoryRepository
	fake     *backendtest.Fake
	store    *storage.MemoryStore
	sched    *scheduler.Scheduler
	clk      *clock.Mock
	recorder *eventRecorder
}

func newFixture(t *testing.T, schedCfg scheduler.Config) *fixture {
	t.Helper()
	if schedCfg.ExecutorPort == 0 {
		schedCfg.ExecutorPort = 8080
	}
	if schedCfg.DetachedTimeout == 0 {
		schedCfg.DetachedTimeout = 5 * time.Second
	}

	log := newTestLogger(t)
	clk := clock.NewMock(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))
	repo := repository.NewMemoryRepository(clk)
	fake := backendtest.New()
	pool := warmpool.New(fake, config.WarmPoolConfig{
		Enabled:        schedCfg.WarmPoolEnabled,
		PoolSize:       2,
		MinSize:        1,
		MaxIdleTime:    180,
		MaxPerTemplate: 5,
	}, log)
	exec := executor.NewClient(
		config.ExecutorConfig{RequestTimeout: 5, ConnectTimeout: 2},
		schedCfg.ExecutorPort, schedCfg.InternalToken, log,
	)
	sched := scheduler.New(repo, fake, pool, exec, log, schedCfg)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop() })

	memBus := bus.NewMemoryEventBus(log)
	recorder := &eventRecorder{}
	_, err := memBus.Subscribe(events.BuildSessionWildcardSubject(), recorder.handle)
	require.NoError(t, err)
	_, err = memBus.Subscribe(events.BuildExecutionWildcardSubject(), recorder.handle)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	svc := New(repo, store, sched, memBus, clk, log, Config{
		Bucket:     "sandpit",
		PresignTTL: 15 * time.Minute,
	})
	return &fixture{
		svc:      svc,
		repo:     repo,
		fake:     fake,
		store:    store,
		sched:    sched,
		clk:      clk,
		recorder: recorder,
	}
}

// drain stops the scheduler so detached creates and replenishes finish
// before the test asserts on backend state.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sched.Stop())
}

func seedTemplate(t *testing.T, f *fixture) *models.Template {
	t.Helper()
	tpl := &models.Template{
		ID:             "python-basic",
		Name:           "python-basic",
		Image:          "sandpit/python:3.11",
		Runtime:        v1.RuntimePython311,
		Resources:      models.DefaultResourceLimit(),
		DefaultTimeout: 30,
	}
	require.NoError(t, f.repo.CreateTemplate(context.Background(), tpl))
	return tpl
}

func seedNode(t *testing.T, f *fixture, id string, sessions int) *models.RuntimeNode {
	t.Helper()
	node := &models.RuntimeNode{
		ID:              id,
		Kind:            v1.NodeKindDocker,
		Endpoint:        "unix:///var/run/docker.sock",
		Status:          v1.NodeStatusOnline,
		CPUUsage:        0.2,
		MemUsage:        0.1,
		SessionCount:    sessions,
		MaxSessions:     20,
		LastHeartbeatAt: f.clk.Now(),
		CreatedAt:       f.clk.Now(),
		UpdatedAt:       f.clk.Now(),
	}
	require.NoError(t, f.repo.UpsertNode(context.Background(), node))
	return node
}

// seedRunningSession persists a RUNNING session backed by a real fake
// container. The container name doubles as the executor host, so tests
// that need a live submit endpoint pass the test server's hostname.
func seedRunningSession(t *testing.T, f *fixture, id, host string) *models.Session {
	t.Helper()
	ctx := context.Background()
	ctrID, err := f.fake.Create(ctx, backend.ContainerSpec{Name: host, Image: "sandpit/python:3.11"})
	require.NoError(t, err)
	require.NoError(t, f.fake.Start(ctx, ctrID))

	now := f.clk.Now()
	session := &models.Session{
		ID:             id,
		TemplateID:     "python-basic",
		Status:         v1.SessionStatusRunning,
		Runtime:        v1.RuntimePython311,
		Resources:      models.DefaultResourceLimit(),
		WorkspacePath:  storage.WorkspacePath("sandpit", id),
		NodeID:         "node-a",
		ContainerID:    ctrID,
		Timeout:        120,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	require.NoError(t, f.repo.CreateSession(ctx, session))
	return session
}

// stockWarmContainer boots a container on the fake backend and hands it
// to the pool, the way a finished replenish would.
func stockWarmContainer(t *testing.T, f *fixture, templateID, nodeID string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.fake.Create(ctx, backend.ContainerSpec{
		Name:  "warm-" + templateID + "-0-1",
		Image: "sandpit/python:3.11",
	})
	require.NoError(t, err)
	require.NoError(t, f.fake.Start(ctx, id))
	require.NoError(t, f.sched.AddWarmInstance(ctx, templateID, nodeID, id))
	return id
}
