// Package sqlite provides the sqlx-backed repository implementation. Every
// statement goes through Rebind and the dialect helpers, so the same code
// serves SQLite and PostgreSQL.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
)

// Repository provides SQL-backed sandbox storage operations.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

var _ repository.Repository = (*Repository)(nil)

// NewWithDB creates a repository over existing writer and reader pools
// (shared ownership; the caller closes the pools).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; the connection pools are owned by the caller.
func (r *Repository) Close() error {
	return nil
}

// DB returns the underlying writer connection for health probes.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initExecutionSchema(); err != nil {
		return err
	}
	if err := r.initCatalogSchema(); err != nil {
		return err
	}
	if err := r.runMigrations(); err != nil {
		return err
	}
	return r.initIndexes()
}

func (r *Repository) initSessionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'CREATING',
		runtime TEXT NOT NULL DEFAULT '',
		cpu TEXT NOT NULL DEFAULT '1',
		memory TEXT NOT NULL DEFAULT '512Mi',
		disk TEXT NOT NULL DEFAULT '1Gi',
		max_processes INTEGER NOT NULL DEFAULT 128,
		workspace_path TEXT NOT NULL DEFAULT '',
		node_id TEXT DEFAULT '',
		container_id TEXT DEFAULT '',
		env_vars TEXT DEFAULT '{}',
		timeout INTEGER NOT NULL DEFAULT 300,
		dependencies TEXT DEFAULT '[]',
		install_timeout INTEGER DEFAULT 0,
		dependency_install TEXT NOT NULL DEFAULT 'NONE',
		installed_deps TEXT DEFAULT '[]',
		error_message TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		last_activity_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initExecutionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		code TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT 'python',
		timeout INTEGER NOT NULL DEFAULT 60,
		event TEXT DEFAULT '{}',
		env_vars TEXT DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'PENDING',
		exit_code INTEGER,
		error_message TEXT DEFAULT '',
		stdout TEXT DEFAULT '',
		stderr TEXT DEFAULT '',
		return_value TEXT DEFAULT '',
		metrics TEXT DEFAULT '{}',
		artifacts TEXT DEFAULT '[]',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		last_heartbeat_at TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (r *Repository) initCatalogSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		image TEXT NOT NULL,
		runtime TEXT NOT NULL,
		cpu TEXT NOT NULL DEFAULT '1',
		memory TEXT NOT NULL DEFAULT '512Mi',
		disk TEXT NOT NULL DEFAULT '1Gi',
		max_processes INTEGER NOT NULL DEFAULT 128,
		default_timeout INTEGER NOT NULL DEFAULT 300,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		endpoint TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'online',
		cpu_usage REAL NOT NULL DEFAULT 0,
		mem_usage REAL NOT NULL DEFAULT 0,
		session_count INTEGER NOT NULL DEFAULT 0,
		max_sessions INTEGER NOT NULL DEFAULT 0,
		cached_templates TEXT DEFAULT '[]',
		last_heartbeat_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (r *Repository) runMigrations() error {
	// install_timeout and retry_count arrived after the first release;
	// databases created before them lack the columns (ignore error if present).
	_, _ = r.db.Exec(`ALTER TABLE sessions ADD COLUMN install_timeout INTEGER DEFAULT 0`)
	_, _ = r.db.Exec(`ALTER TABLE executions ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0`)
	return nil
}

func (r *Repository) initIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_template_id ON sessions(template_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_container_id ON sessions(container_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON sessions(status, last_activity_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_created ON sessions(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
	`)
	return err
}
