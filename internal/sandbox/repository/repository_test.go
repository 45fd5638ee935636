package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sandpit-io/sandpit/internal/db"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository/sqlite"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

func createTestSQLiteRepo(t *testing.T) (*sqlite.Repository, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create SQLite repository: %v", err)
	}

	cleanup := func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close repo: %v", err)
		}
	}

	return repo, cleanup
}

// testRepos runs a subtest against both the SQLite and the in-memory
// implementation so behavioral parity stays enforced.
func testRepos(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		repo, cleanup := createTestSQLiteRepo(t)
		defer cleanup()
		fn(t, repo)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryRepository(nil))
	})
}

func newTestSession(id string) *models.Session {
	return &models.Session{
		ID:            id,
		TemplateID:    "tpl-python",
		Status:        v1.SessionStatusCreating,
		Runtime:       v1.RuntimePython311,
		Resources:     models.DefaultResourceLimit(),
		WorkspacePath: "s3://sandpit/sessions/" + id + "/",
		Timeout:       300,
	}
}

func newTestExecution(id, sessionID string) *models.Execution {
	return &models.Execution{
		ID:        id,
		SessionID: sessionID,
		Code:      "print('hello')",
		Language:  "python",
		Timeout:   60,
	}
}

func TestNewSQLiteRepositoryWithDB(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()

	if repo == nil {
		t.Fatal("expected non-nil repository")
	}
	if repo.DB() == nil {
		t.Error("expected db to be initialized")
	}
}

func TestSQLiteRepository_Close(t *testing.T) {
	repo, _ := createTestSQLiteRepo(t)
	err := repo.Close()
	if err != nil {
		t.Errorf("expected no error on close, got %v", err)
	}
}

func TestSQLiteRepository_SchemaIsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	defer func() { _ = sqlxDB.Close() }()

	first, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	session := newTestSession("sess_20250314_aabbccdd")
	if err := first.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	// Re-running schema bootstrap against the same file must not error
	// or lose rows.
	second, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to reopen repository: %v", err)
	}
	retrieved, err := second.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to get session after reopen: %v", err)
	}
	if retrieved.ID != session.ID {
		t.Errorf("expected session %s, got %s", session.ID, retrieved.ID)
	}
}

func TestRepository_WithTxCommits(t *testing.T) {
	testRepos(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		session := newTestSession("sess_20250314_aabbccdd")
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}

		execution := newTestExecution("exec_20250314092653_11223344", session.ID)
		err := repo.WithTx(ctx, func(tx Tx) error {
			if err := tx.CreateExecution(ctx, execution); err != nil {
				return err
			}
			return tx.TouchSessionActivity(ctx, session.ID, time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC))
		})
		if err != nil {
			t.Fatalf("failed to commit transaction: %v", err)
		}

		stored, err := repo.GetExecution(ctx, execution.ID)
		if err != nil {
			t.Fatalf("failed to get execution: %v", err)
		}
		if stored.Status != v1.ExecutionStatusPending {
			t.Errorf("expected status PENDING, got %s", stored.Status)
		}
		updated, err := repo.GetSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("failed to get session: %v", err)
		}
		if !updated.LastActivityAt.Equal(time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)) {
			t.Errorf("expected activity timestamp to be committed, got %v", updated.LastActivityAt)
		}
	})
}

func TestRepository_WithTxRollsBackOnError(t *testing.T) {
	testRepos(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		session := newTestSession("sess_20250314_aabbccdd")
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}

		execution := newTestExecution("exec_20250314092653_11223344", session.ID)
		err := repo.WithTx(ctx, func(tx Tx) error {
			if err := tx.CreateExecution(ctx, execution); err != nil {
				return err
			}
			return context.Canceled
		})
		if err == nil {
			t.Fatal("expected transaction error")
		}

		if _, err := repo.GetExecution(ctx, execution.ID); err == nil {
			t.Error("expected execution to be rolled back")
		}
	})
}
