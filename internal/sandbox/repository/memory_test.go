package repository

import (
	"context"
	"testing"
	"time"

	"github.com/sandpit-io/sandpit/internal/common/clock"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

func TestNewMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository(nil)
	if repo == nil {
		t.Fatal("expected non-nil repository")
	}
	if repo.sessions == nil {
		t.Error("expected sessions map to be initialized")
	}
	if repo.executions == nil {
		t.Error("expected executions map to be initialized")
	}
	if repo.templates == nil {
		t.Error("expected templates map to be initialized")
	}
	if repo.nodes == nil {
		t.Error("expected nodes map to be initialized")
	}
}

func TestMemoryRepository_Close(t *testing.T) {
	repo := NewMemoryRepository(nil)
	err := repo.Close()
	if err != nil {
		t.Errorf("expected no error on close, got %v", err)
	}
}

func TestMemoryRepository_DeadlineUsesInjectedClock(t *testing.T) {
	start := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	repo := NewMemoryRepository(clk)
	ctx := context.Background()

	session := newTestSession("sess_20250314_aabbccdd")
	session.Status = v1.SessionStatusRunning
	session.Timeout = 300
	session.CreatedAt = start
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	sessions, err := repo.ListSessionsPastDeadline(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no expired sessions at creation time, got %d", len(sessions))
	}

	clk.Advance(301 * time.Second)
	sessions, err = repo.ListSessionsPastDeadline(ctx)
	if err != nil {
		t.Fatalf("failed to list after advance: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != session.ID {
		t.Errorf("expected the session to expire after its timeout, got %v", sessions)
	}
}

func TestMemoryRepository_ReturnsSnapshots(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()

	session := newTestSession("sess_20250314_aabbccdd")
	session.EnvVars = map[string]string{"KEY": "original"}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	// Mutating the caller's struct after create must not leak into the store.
	session.EnvVars["KEY"] = "mutated"
	stored, _ := repo.GetSession(ctx, session.ID)
	if stored.EnvVars["KEY"] != "original" {
		t.Errorf("expected stored session to be isolated from caller mutation, got %q", stored.EnvVars["KEY"])
	}

	// Mutating a read result must not leak either.
	stored.EnvVars["KEY"] = "changed"
	again, _ := repo.GetSession(ctx, session.ID)
	if again.EnvVars["KEY"] != "original" {
		t.Errorf("expected reads to return snapshots, got %q", again.EnvVars["KEY"])
	}
}
