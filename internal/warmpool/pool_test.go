package warmpool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/backend/backendtest"
	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func newTestPool(t *testing.T, cfg config.WarmPoolConfig) (*Pool, *backendtest.Fake) {
	t.Helper()
	fake := backendtest.New()
	return New(fake, cfg, newTestLogger(t)), fake
}

func replenishRequest(target int) ReplenishRequest {
	return ReplenishRequest{
		TemplateID: "python-basic",
		Target:     target,
		Image:      "sandpit/python:3.11",
		NodeID:     "node-1",
		Resources:  models.DefaultResourceLimit(),
		Env:        map[string]string{"EXECUTOR_PORT": "8080"},
	}
}

// addEntry creates a running container in the fake and hands it to the
// pool with the given last-activity time.
func addEntry(t *testing.T, p *Pool, fake *backendtest.Fake, templateID string, lastActivity time.Time) *models.WarmPoolEntry {
	t.Helper()
	ctx := context.Background()

	id, err := fake.Create(ctx, backend.ContainerSpec{
		Name:  "warm-" + templateID + "-x",
		Image: "sandpit/python:3.11",
		Labels: map[string]string{
			backend.LabelTemplateID: templateID,
			backend.LabelWarmPool:   "true",
		},
	})
	require.NoError(t, err)
	require.NoError(t, fake.Start(ctx, id))

	entry := &models.WarmPoolEntry{
		TemplateID:     templateID,
		NodeID:         "node-1",
		ContainerID:    id,
		ContainerName:  "warm-" + templateID + "-x",
		Image:          "sandpit/python:3.11",
		Status:         models.WarmPoolAvailable,
		CreatedAt:      lastActivity,
		LastActivityAt: lastActivity,
	}
	require.NoError(t, p.Add(ctx, entry))
	return entry
}

func TestSettings(t *testing.T) {
	t.Run("package defaults", func(t *testing.T) {
		p, _ := newTestPool(t, config.WarmPoolConfig{})
		s := p.Settings("python-basic")
		assert.Equal(t, 2, s.PoolSize)
		assert.Equal(t, 1, s.MinSize)
		assert.Equal(t, 180*time.Second, s.MaxIdleTime)
	})

	t.Run("pool-wide values", func(t *testing.T) {
		p, _ := newTestPool(t, config.WarmPoolConfig{PoolSize: 4, MinSize: 2, MaxIdleTime: 300})
		s := p.Settings("python-basic")
		assert.Equal(t, 4, s.PoolSize)
		assert.Equal(t, 2, s.MinSize)
		assert.Equal(t, 300*time.Second, s.MaxIdleTime)
	})

	t.Run("per-template override", func(t *testing.T) {
		p, _ := newTestPool(t, config.WarmPoolConfig{
			PoolSize: 4,
			Templates: map[string]config.WarmPoolTemplateConfig{
				"python-basic": {PoolSize: 3, MaxIdleTime: 60},
			},
		})
		s := p.Settings("python-basic")
		assert.Equal(t, 3, s.PoolSize)
		assert.Equal(t, 1, s.MinSize, "unset override falls through to defaults")
		assert.Equal(t, 60*time.Second, s.MaxIdleTime)

		other := p.Settings("node-basic")
		assert.Equal(t, 4, other.PoolSize)
	})
}

func TestReplenish(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{})
	ctx := context.Background()

	require.NoError(t, p.Replenish(ctx, replenishRequest(2)))

	assert.Equal(t, 2, fake.Count())
	require.Len(t, fake.CreatedSpecs, 2)

	spec := fake.CreatedSpecs[0]
	assert.True(t, strings.HasPrefix(spec.Name, "warm-python-basic-0-"), "name was %q", spec.Name)
	assert.Equal(t, "true", spec.Env["WARM_POOL"])
	assert.Equal(t, "python-basic", spec.Env["TEMPLATE_ID"])
	assert.Equal(t, "8080", spec.Env["EXECUTOR_PORT"])
	assert.Equal(t, "true", spec.Labels[backend.LabelWarmPool])
	assert.Equal(t, "python-basic", spec.Labels[backend.LabelTemplateID])

	stats := p.Stats()
	assert.Equal(t, 2, stats["python-basic"].Available)

	// Already at target: a second replenish creates nothing.
	require.NoError(t, p.Replenish(ctx, replenishRequest(2)))
	assert.Equal(t, 2, fake.Count())
}

func TestReplenishCreateFailure(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{})
	fake.CreateErr = backend.ErrImagePull

	err := p.Replenish(context.Background(), replenishRequest(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrImagePull)
	assert.Empty(t, p.Stats())
}

func TestReplenishStartFailureRemovesContainer(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{})
	fake.StartErr = backend.ErrUnavailable

	err := p.Replenish(context.Background(), replenishRequest(1))
	require.Error(t, err)
	assert.Equal(t, 0, fake.Count(), "half-started container is removed")
	assert.Len(t, fake.RemovedIDs, 1)
}

func TestReplenishCappedByMaxPerTemplate(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{MaxPerTemplate: 2})

	require.NoError(t, p.Replenish(context.Background(), replenishRequest(5)))
	assert.Equal(t, 2, fake.Count())
	assert.Equal(t, 2, p.Stats()["python-basic"].Available)
}

func TestAcquire(t *testing.T) {
	p, _ := newTestPool(t, config.WarmPoolConfig{})
	ctx := context.Background()

	assert.Nil(t, p.Acquire(ctx, "python-basic", "sess_20250314_aabbccdd"), "empty pool misses")

	require.NoError(t, p.Replenish(ctx, replenishRequest(2)))

	entry := p.Acquire(ctx, "python-basic", "sess_20250314_aabbccdd")
	require.NotNil(t, entry)
	assert.Equal(t, models.WarmPoolAllocated, entry.Status)
	assert.Equal(t, "sess_20250314_aabbccdd", entry.SessionID)
	require.NotNil(t, entry.AllocatedAt)

	bound, ok := p.Bound("sess_20250314_aabbccdd")
	require.True(t, ok)
	assert.Equal(t, entry.ContainerID, bound.ContainerID)

	second := p.Acquire(ctx, "python-basic", "sess_20250314_11223344")
	require.NotNil(t, second)
	assert.NotEqual(t, entry.ContainerID, second.ContainerID)

	assert.Nil(t, p.Acquire(ctx, "python-basic", "sess_20250314_55667788"), "pool exhausted")

	stats := p.Stats()
	assert.Equal(t, 0, stats["python-basic"].Available)
	assert.Equal(t, 2, stats["python-basic"].Allocated)
}

func TestAcquireEvictsExpired(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{})
	ctx := context.Background()

	stale := addEntry(t, p, fake, "python-basic", time.Now().UTC().Add(-10*time.Minute))

	entry := p.Acquire(ctx, "python-basic", "sess_20250314_aabbccdd")
	assert.Nil(t, entry, "expired entry must not be handed out")
	assert.False(t, fake.Exists(stale.ContainerID), "expired container is destroyed")
}

func TestRelease(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{})
	ctx := context.Background()

	require.NoError(t, p.Replenish(ctx, replenishRequest(1)))
	entry := p.Acquire(ctx, "python-basic", "sess_20250314_aabbccdd")
	require.NotNil(t, entry)

	require.NoError(t, p.Release(ctx, entry.ContainerID))

	assert.False(t, fake.Exists(entry.ContainerID), "released container is destroyed, not recycled")
	_, ok := p.Bound("sess_20250314_aabbccdd")
	assert.False(t, ok, "binding cleared")
	assert.Equal(t, 0, p.Stats()["python-basic"].Allocated)

	assert.NoError(t, p.Release(ctx, "ctr-never-owned"), "unknown ids are a no-op")
}

func TestAddRespectsCap(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{MaxPerTemplate: 2})

	now := time.Now().UTC()
	addEntry(t, p, fake, "python-basic", now)
	addEntry(t, p, fake, "python-basic", now)
	third := addEntry(t, p, fake, "python-basic", now)

	assert.Equal(t, 2, p.Stats()["python-basic"].Available)
	assert.False(t, fake.Exists(third.ContainerID), "overflow container is destroyed")
}

func TestCleanupIdle(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{})
	ctx := context.Background()

	now := time.Now().UTC()
	stale1 := addEntry(t, p, fake, "python-basic", now.Add(-5*time.Minute))
	stale2 := addEntry(t, p, fake, "node-basic", now.Add(-5*time.Minute))
	fresh := addEntry(t, p, fake, "python-basic", now)

	destroyed := p.CleanupIdle(ctx, time.Minute)
	assert.Equal(t, 2, destroyed)

	assert.False(t, fake.Exists(stale1.ContainerID))
	assert.False(t, fake.Exists(stale2.ContainerID))
	assert.True(t, fake.Exists(fresh.ContainerID))
	assert.Equal(t, 1, p.Stats()["python-basic"].Available)
}

func TestCleanupIdleDefaultTimeout(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{
		Templates: map[string]config.WarmPoolTemplateConfig{
			"python-basic": {MaxIdleTime: 60},
		},
	})
	ctx := context.Background()

	now := time.Now().UTC()
	stale := addEntry(t, p, fake, "python-basic", now.Add(-2*time.Minute))
	// Two minutes idle is fine for the default 180s template.
	fresh := addEntry(t, p, fake, "node-basic", now.Add(-2*time.Minute))

	destroyed := p.CleanupIdle(ctx, 0)
	assert.Equal(t, 1, destroyed)
	assert.False(t, fake.Exists(stale.ContainerID))
	assert.True(t, fake.Exists(fresh.ContainerID))
}

func TestShutdown(t *testing.T) {
	p, fake := newTestPool(t, config.WarmPoolConfig{})
	ctx := context.Background()

	require.NoError(t, p.Replenish(ctx, replenishRequest(2)))
	entry := p.Acquire(ctx, "python-basic", "sess_20250314_aabbccdd")
	require.NotNil(t, entry)

	p.Shutdown(ctx)

	assert.Equal(t, 0, p.Stats()["python-basic"].Available)
	assert.True(t, fake.Exists(entry.ContainerID), "allocated containers belong to their sessions now")
	assert.Equal(t, 1, fake.Count())
}
