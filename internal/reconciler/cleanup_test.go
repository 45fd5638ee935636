package reconciler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/backend/backendtest"
	"github.com/sandpit-io/sandpit/internal/common/clock"
	"github.com/sandpit-io/sandpit/internal/common/config"
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

type cleanupFixture struct {
	cleanup  *Cleanup
	repo     *repository.MemoryRepository
	store    *storage.MemoryStore
	fake     *backendtest.Fake
	pool     *warmpool.Pool
	clk      *clock.Mock
	recorder *eventRecorder
}

func newCleanupFixture(t *testing.T, cfg CleanupConfig) *cleanupFixture {
	t.Helper()
	log := newTestLogger(t)
	clk := clock.NewMock(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))
	repo := repository.NewMemoryRepository(clk)
	fake := backendtest.New()
	store := storage.NewMemoryStore()
	pool := warmpool.New(fake, config.WarmPoolConfig{
		Enabled:        true,
		PoolSize:       2,
		MinSize:        1,
		MaxIdleTime:    180,
		MaxPerTemplate: 5,
	}, log)
	exec := executor.NewClient(config.ExecutorConfig{RequestTimeout: 5, ConnectTimeout: 2}, 8080, "internal-token", log)
	sched := scheduler.New(repo, fake, pool, exec, log, scheduler.Config{
		ExecutorPort:    8080,
		DetachedTimeout: 5 * time.Second,
	})

	memBus := bus.NewMemoryEventBus(log)
	recorder := &eventRecorder{}
	_, err := memBus.Subscribe(events.BuildSessionWildcardSubject(), recorder.handle)
	require.NoError(t, err)

	return &cleanupFixture{
		cleanup:  NewCleanup(repo, store, sched, pool, memBus, clk, log, cfg),
		repo:     repo,
		store:    store,
		fake:     fake,
		pool:     pool,
		clk:      clk,
		recorder: recorder,
	}
}

// seedCleanupSession creates a session whose container (if any) already
// runs on the fake backend, plus one workspace object.
func seedCleanupSession(t *testing.T, f *cleanupFixture, id string, status v1.SessionStatus, timeout int, withContainer bool) *models.Session {
	t.Helper()
	ctx := context.Background()
	now := f.clk.Now()

	containerID := ""
	if withContainer {
		containerID = runContainer(t, f.fake, "sandbox-"+id)
	}
	session := &models.Session{
		ID:             id,
		TemplateID:     "python-basic",
		Status:         status,
		Runtime:        v1.RuntimePython311,
		Resources:      models.DefaultResourceLimit(),
		WorkspacePath:  "s3://sandpit/sessions/" + id + "/",
		NodeID:         "node-a",
		ContainerID:    containerID,
		Timeout:        timeout,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	require.NoError(t, f.repo.CreateSession(ctx, session))

	body := "print('hi')"
	require.NoError(t, f.store.Upload(ctx, storage.SessionPrefix(id)+"main.py",
		strings.NewReader(body), int64(len(body)), "text/x-python"))
	return session
}

func touchActivity(t *testing.T, f *cleanupFixture, id string) {
	t.Helper()
	require.NoError(t, f.repo.TouchSessionActivity(context.Background(), id, f.clk.Now()))
}

func workspaceObjects(t *testing.T, f *cleanupFixture, id string) []storage.ObjectInfo {
	t.Helper()
	objects, err := f.store.List(context.Background(), storage.SessionPrefix(id))
	require.NoError(t, err)
	return objects
}

func TestCleanupStartStop(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{Interval: 20 * time.Millisecond})

	require.NoError(t, f.cleanup.Start(context.Background()))
	assert.True(t, f.cleanup.IsRunning())
	assert.ErrorIs(t, f.cleanup.Start(context.Background()), ErrReconcilerAlreadyRunning)

	require.Eventually(t, func() bool {
		return f.cleanup.LastReport() != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.cleanup.Stop())
	assert.False(t, f.cleanup.IsRunning())
	assert.ErrorIs(t, f.cleanup.Stop(), ErrReconcilerNotRunning)
}

func TestCleanupIdleSweep(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{})
	session := seedCleanupSession(t, f, "sess_20250314_aabbccdd", v1.SessionStatusRunning, 7200, true)

	f.clk.Advance(31 * time.Minute)
	report := f.cleanup.CleanupOnce(context.Background())

	assert.Equal(t, 1, report.IdleSwept)
	assert.Equal(t, 0, report.LifetimeSwept)
	assert.Equal(t, 0, report.DeadlineSwept)
	assert.Empty(t, report.Errors)

	got, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTerminated, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, f.clk.Now(), *got.CompletedAt)

	// Container and workspace are both gone, and the binding with them.
	assert.False(t, f.fake.Exists(session.ContainerID))
	assert.Empty(t, workspaceObjects(t, f, session.ID))
	assert.Empty(t, got.ContainerID)

	terminated := f.recorder.ofType(events.SessionTerminated)
	require.Len(t, terminated, 1)
	assert.Equal(t, ReasonIdle, terminated[0].Data["reason"])
}

func TestCleanupIdleSweepSparesActiveSessions(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{})
	session := seedCleanupSession(t, f, "sess_20250314_aabbccdd", v1.SessionStatusRunning, 7200, true)

	f.clk.Advance(29 * time.Minute)
	report := f.cleanup.CleanupOnce(context.Background())

	assert.Equal(t, 0, report.IdleSwept)
	got, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusRunning, got.Status)
}

func TestCleanupLifetimeSweep(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{})
	session := seedCleanupSession(t, f, "sess_20250314_aabbccdd", v1.SessionStatusRunning, 86400, true)

	// The session stays busy the whole time; lifetime sweeps it anyway.
	f.clk.Advance(6*time.Hour + time.Minute)
	touchActivity(t, f, session.ID)
	report := f.cleanup.CleanupOnce(context.Background())

	assert.Equal(t, 0, report.IdleSwept)
	assert.Equal(t, 1, report.LifetimeSwept)

	got, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTerminated, got.Status)

	terminated := f.recorder.ofType(events.SessionTerminated)
	require.Len(t, terminated, 1)
	assert.Equal(t, ReasonLifetime, terminated[0].Data["reason"])
}

func TestCleanupDeadlineSweep(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{})
	session := seedCleanupSession(t, f, "sess_20250314_aabbccdd", v1.SessionStatusRunning, 300, true)

	f.clk.Advance(6 * time.Minute)
	touchActivity(t, f, session.ID)
	report := f.cleanup.CleanupOnce(context.Background())

	assert.Equal(t, 1, report.DeadlineSwept)
	assert.Equal(t, 0, report.IdleSwept)
	assert.Equal(t, 0, report.OrphansRemoved)

	got, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTimeout, got.Status)
	assert.False(t, f.fake.Exists(session.ContainerID))

	timedOut := f.recorder.ofType(events.SessionTimeout)
	require.Len(t, timedOut, 1)
	assert.Equal(t, ReasonDeadline, timedOut[0].Data["reason"])
}

func TestCleanupCreationSweep(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{})
	// Stuck in CREATING: the deferred create never produced a container.
	session := seedCleanupSession(t, f, "sess_20250314_aabbccdd", v1.SessionStatusCreating, 300, false)

	f.clk.Advance(6 * time.Minute)
	report := f.cleanup.CleanupOnce(context.Background())

	assert.Equal(t, 1, report.CreationSwept)

	got, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "not ready")

	failed := f.recorder.ofType(events.SessionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonCreation, failed[0].Data["reason"])
}

func TestCleanupCreationSweepSparesFreshSessions(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{})
	session := seedCleanupSession(t, f, "sess_20250314_aabbccdd", v1.SessionStatusCreating, 300, false)

	f.clk.Advance(2 * time.Minute)
	report := f.cleanup.CleanupOnce(context.Background())

	assert.Equal(t, 0, report.CreationSwept)
	got, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCreating, got.Status)
}

func TestCleanupOrphanSweep(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{})
	session := seedCleanupSession(t, f, "sess_20250314_aabbccdd", v1.SessionStatusFailed, 300, true)

	report := f.cleanup.CleanupOnce(context.Background())

	assert.Equal(t, 1, report.OrphansRemoved)
	assert.False(t, f.fake.Exists(session.ContainerID))

	// Status and workspace stay untouched; only the binding is cleared.
	got, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusFailed, got.Status)
	assert.Empty(t, got.ContainerID)
	assert.Len(t, workspaceObjects(t, f, session.ID), 1)

	// Second cycle has nothing left to do.
	report = f.cleanup.CleanupOnce(context.Background())
	assert.Equal(t, 0, report.OrphansRemoved)
}

func TestCleanupNegativeDurationsDisableSweeps(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{
		IdleTimeout:      -1,
		MaxLifetime:      -1,
		CreationDeadline: -1,
	})
	running := seedCleanupSession(t, f, "sess_20250314_aaaaaaaa", v1.SessionStatusRunning, 86400, true)
	creating := seedCleanupSession(t, f, "sess_20250314_bbbbbbbb", v1.SessionStatusCreating, 86400, false)

	f.clk.Advance(7 * time.Hour)
	report := f.cleanup.CleanupOnce(context.Background())

	assert.Equal(t, 0, report.IdleSwept)
	assert.Equal(t, 0, report.LifetimeSwept)
	assert.Equal(t, 0, report.CreationSwept)

	got, err := f.repo.GetSession(context.Background(), running.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusRunning, got.Status)
	got, err = f.repo.GetSession(context.Background(), creating.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCreating, got.Status)
}

func TestCleanupContinuesPastDestroyFailure(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{})
	session := seedCleanupSession(t, f, "sess_20250314_aabbccdd", v1.SessionStatusRunning, 7200, true)
	f.fake.RemoveErr = errors.New("daemon busy")

	f.clk.Advance(31 * time.Minute)
	report := f.cleanup.CleanupOnce(context.Background())

	// The container survived, but the workspace and the status did not.
	assert.Equal(t, 1, report.IdleSwept)
	assert.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "destroy")

	got, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTerminated, got.Status)
	assert.Empty(t, workspaceObjects(t, f, session.ID))
	// The binding stays so the orphan sweep can retry the destroy.
	assert.Equal(t, session.ContainerID, got.ContainerID)

	// Once the daemon recovers, the next cycle finishes the teardown.
	f.fake.RemoveErr = nil
	report = f.cleanup.CleanupOnce(context.Background())
	assert.Equal(t, 1, report.OrphansRemoved)
	assert.False(t, f.fake.Exists(session.ContainerID))

	got, err = f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ContainerID)
	assert.Equal(t, v1.SessionStatusTerminated, got.Status)
}

func TestCleanupEvictsIdleWarmContainers(t *testing.T) {
	f := newCleanupFixture(t, CleanupConfig{})
	ctx := context.Background()

	id, err := f.fake.Create(ctx, backend.ContainerSpec{
		Name:  "warm-python-basic-0-1700000000",
		Image: "sandpit/python:3.11",
		Labels: map[string]string{
			backend.LabelTemplateID: "python-basic",
			backend.LabelManagedBy:  backend.ManagedByValue,
			backend.LabelWarmPool:   "true",
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.fake.Start(ctx, id))

	stale := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, f.pool.Add(ctx, &models.WarmPoolEntry{
		TemplateID:     "python-basic",
		NodeID:         "node-a",
		ContainerID:    id,
		ContainerName:  "warm-python-basic-0-1700000000",
		Image:          "sandpit/python:3.11",
		Status:         models.WarmPoolAvailable,
		CreatedAt:      stale,
		LastActivityAt: stale,
	}))

	report := f.cleanup.CleanupOnce(ctx)

	assert.Equal(t, 1, report.PoolEvicted)
	assert.False(t, f.fake.Exists(id))
}
