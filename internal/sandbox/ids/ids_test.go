package ids

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpit-io/sandpit/internal/common/clock"
)

func TestNewSessionID(t *testing.T) {
	mock := clock.NewMock(time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC))

	id := NewSessionID(mock)
	require.True(t, ValidSessionID(id), "generated id %q", id)
	assert.True(t, strings.HasPrefix(id, "sess_20250314_"))

	// Entropy suffix makes consecutive ids distinct even on a frozen clock.
	assert.NotEqual(t, id, NewSessionID(mock))
}

func TestNewExecutionID(t *testing.T) {
	mock := clock.NewMock(time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC))

	id := NewExecutionID(mock)
	require.True(t, ValidExecutionID(id), "generated id %q", id)
	assert.True(t, strings.HasPrefix(id, "exec_20250314092653_"))

	mock.Advance(time.Second)
	assert.True(t, strings.HasPrefix(NewExecutionID(mock), "exec_20250314092654_"))
}

func TestValidSessionID(t *testing.T) {
	valid := []string{
		"sess_20250314_a1b2c3d4",
		"sess_19991231_00000000",
	}
	for _, id := range valid {
		assert.True(t, ValidSessionID(id), "id %q", id)
	}

	invalid := []string{
		"",
		"sess_20250314",
		"sess_20250314_A1B2C3D4",
		"sess_2025031_a1b2c3d4",
		"sess_20250314_a1b2c3d",
		"exec_20250314_a1b2c3d4",
		"sess_20250314_a1b2c3d4x",
		" sess_20250314_a1b2c3d4",
	}
	for _, id := range invalid {
		assert.False(t, ValidSessionID(id), "id %q", id)
	}
}

func TestValidExecutionID(t *testing.T) {
	assert.True(t, ValidExecutionID("exec_20250314092653_deadbeef"))

	invalid := []string{
		"exec_20250314_deadbeef",
		"exec_20250314092653_DEADBEEF",
		"sess_20250314092653_deadbeef",
		"exec_20250314092653_dead",
	}
	for _, id := range invalid {
		assert.False(t, ValidExecutionID(id), "id %q", id)
	}
}
