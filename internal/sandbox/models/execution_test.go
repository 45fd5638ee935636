package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpit-io/sandpit/internal/errs"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

func newTestExecution() *Execution {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &Execution{
		ID:        "exec_20250601120000_ab12cd34",
		SessionID: "sess_20250601_ab12cd34",
		Code:      "print('hello')",
		Language:  "python",
		Timeout:   60,
		Status:    v1.ExecutionStatusPending,
		CreatedAt: now,
	}
}

func TestExecutionTransitions(t *testing.T) {
	now := time.Now().UTC()

	t.Run("pending to running", func(t *testing.T) {
		e := newTestExecution()
		require.NoError(t, e.MarkRunning(now))
		assert.Equal(t, v1.ExecutionStatusRunning, e.Status)
		require.NotNil(t, e.StartedAt)
	})

	t.Run("mark running is idempotent", func(t *testing.T) {
		e := newTestExecution()
		require.NoError(t, e.MarkRunning(now))
		require.NoError(t, e.MarkRunning(now))
	})

	t.Run("running to completed", func(t *testing.T) {
		e := newTestExecution()
		require.NoError(t, e.MarkRunning(now))
		require.NoError(t, e.Complete(now))
		assert.Equal(t, v1.ExecutionStatusCompleted, e.Status)
		assert.True(t, e.IsTerminal())
		require.NotNil(t, e.CompletedAt)
	})

	t.Run("terminal from pending auto-promotes", func(t *testing.T) {
		// A result can arrive before the submit acknowledgement returns.
		e := newTestExecution()
		require.NoError(t, e.Crash(now))
		assert.Equal(t, v1.ExecutionStatusCrashed, e.Status)
		require.NotNil(t, e.StartedAt)
		require.NotNil(t, e.CompletedAt)
	})

	t.Run("terminal states are absorbing", func(t *testing.T) {
		e := newTestExecution()
		require.NoError(t, e.Complete(now))

		for _, apply := range []func(time.Time) error{e.Complete, e.Fail, e.MarkTimeout, e.Crash, e.MarkRunning} {
			err := apply(now)
			require.Error(t, err)
			assert.Equal(t, errs.KindStateConflict, errs.KindOf(err))
		}
		assert.Equal(t, v1.ExecutionStatusCompleted, e.Status)
	})
}

func TestExecutionCanRetry(t *testing.T) {
	now := time.Now().UTC()
	e := newTestExecution()
	require.NoError(t, e.Crash(now))

	assert.True(t, e.CanRetry(3))
	e.RetryCount = 3
	assert.False(t, e.CanRetry(3))

	done := newTestExecution()
	require.NoError(t, done.Complete(now))
	assert.False(t, done.CanRetry(3))
}

func TestTruncateOutput(t *testing.T) {
	small := "hello world"
	assert.Equal(t, small, TruncateOutput(small))

	big := strings.Repeat("x", MaxOutputBytes+100)
	got := TruncateOutput(big)
	assert.Len(t, got, MaxOutputBytes)
	assert.True(t, strings.HasSuffix(got, TruncationMarker))

	exact := strings.Repeat("y", MaxOutputBytes)
	assert.Equal(t, exact, TruncateOutput(exact))
}
