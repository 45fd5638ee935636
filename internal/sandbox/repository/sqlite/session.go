package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sandpit-io/sandpit/internal/common/tracing"
	"github.com/sandpit-io/sandpit/internal/db/dialect"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

const sessionColumns = `id, template_id, status, runtime, cpu, memory, disk, max_processes,
	workspace_path, node_id, container_id, env_vars, timeout, dependencies, install_timeout,
	dependency_install, installed_deps, error_message, metadata,
	created_at, updated_at, completed_at, last_activity_at`

// metadataKeyRe guards the key spliced into the dialect JSON fragment.
var metadataKeyRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Session operations

// CreateSession persists a new session row.
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}
	if session.Status == "" {
		session.Status = v1.SessionStatusCreating
	}
	if session.DependencyInstall == "" {
		session.DependencyInstall = v1.DependencyInstallNone
	}

	envJSON, depsJSON, installedJSON, metadataJSON, err := marshalSessionFields(session)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (
			id, template_id, status, runtime, cpu, memory, disk, max_processes,
			workspace_path, node_id, container_id, env_vars, timeout, dependencies, install_timeout,
			dependency_install, installed_deps, error_message, metadata,
			created_at, updated_at, completed_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.TemplateID, string(session.Status), string(session.Runtime),
		session.Resources.CPU, session.Resources.Memory, session.Resources.Disk, session.Resources.MaxProcesses,
		session.WorkspacePath, session.NodeID, session.ContainerID, envJSON, session.Timeout,
		depsJSON, session.InstallTimeout, string(session.DependencyInstall), installedJSON,
		session.ErrorMessage, metadataJSON,
		session.CreatedAt, session.UpdatedAt, session.CompletedAt, session.LastActivityAt)
	if err != nil && isUniqueViolation(err) {
		return errs.StateConflict("Session.AlreadyExists", "session already exists: %s", session.ID)
	}
	return err
}

// GetSession retrieves a session by ID
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("Session.NotFound", "session not found: %s", id)
	}
	return session, err
}

// GetSessionByContainerID retrieves the session bound to a container.
// Callbacks arrive keyed by container id, not session id.
func (r *Repository) GetSessionByContainerID(ctx context.Context, containerID string) (*models.Session, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE container_id = ?
		ORDER BY created_at DESC LIMIT 1
	`), containerID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("Session.NotFound", "no session bound to container: %s", containerID)
	}
	return session, err
}

// UpdateSession updates an existing session
func (r *Repository) UpdateSession(ctx context.Context, session *models.Session) error {
	return updateSession(ctx, r.db, session)
}

func updateSession(ctx context.Context, q sqlx.ExtContext, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()

	envJSON, depsJSON, installedJSON, metadataJSON, err := marshalSessionFields(session)
	if err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE sessions SET
			template_id = ?, status = ?, runtime = ?, cpu = ?, memory = ?, disk = ?, max_processes = ?,
			workspace_path = ?, node_id = ?, container_id = ?, env_vars = ?, timeout = ?,
			dependencies = ?, install_timeout = ?, dependency_install = ?, installed_deps = ?,
			error_message = ?, metadata = ?, updated_at = ?, completed_at = ?, last_activity_at = ?
		WHERE id = ?
	`), session.TemplateID, string(session.Status), string(session.Runtime),
		session.Resources.CPU, session.Resources.Memory, session.Resources.Disk, session.Resources.MaxProcesses,
		session.WorkspacePath, session.NodeID, session.ContainerID, envJSON, session.Timeout,
		depsJSON, session.InstallTimeout, string(session.DependencyInstall), installedJSON,
		session.ErrorMessage, metadataJSON, session.UpdatedAt, session.CompletedAt, session.LastActivityAt,
		session.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Session.NotFound", "session not found: %s", session.ID)
	}
	return nil
}

// UpdateSessionStatus performs a guarded single-statement transition: the
// row moves to `to` only while its status is one of `from`. A stale `from`
// set reports StateConflict so callers can distinguish races from absence.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, from []v1.SessionStatus, to v1.SessionStatus, errorMessage string) error {
	now := time.Now().UTC()

	var completedAt *time.Time
	switch to {
	case v1.SessionStatusCompleted, v1.SessionStatusFailed,
		v1.SessionStatusTimeout, v1.SessionStatusTerminated:
		completedAt = &now
	}

	query := `UPDATE sessions SET status = ?, updated_at = ?`
	args := []interface{}{string(to), now}
	if completedAt != nil {
		query += `, completed_at = ?`
		args = append(args, completedAt)
	}
	if errorMessage != "" {
		query += `, error_message = ?`
		args = append(args, errorMessage)
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	if len(from) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(from)-1) + `)`
		for _, s := range from {
			args = append(args, string(s))
		}
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		current, getErr := r.GetSession(ctx, id)
		if getErr != nil {
			return getErr
		}
		return errs.StateConflict("Session.InvalidState",
			"session %s is %s and cannot transition to %s", id, current.Status, to)
	}
	return nil
}

// ClearSessionContainer drops the container binding after teardown.
func (r *Repository) ClearSessionContainer(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET container_id = '', updated_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Session.NotFound", "session not found: %s", id)
	}
	return nil
}

// TouchSessionActivity bumps last_activity_at for idle accounting.
func (r *Repository) TouchSessionActivity(ctx context.Context, id string, at time.Time) error {
	return touchSessionActivity(ctx, r.db, id, at)
}

func touchSessionActivity(ctx context.Context, q sqlx.ExtContext, id string, at time.Time) error {
	result, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?
	`), at, at, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Session.NotFound", "session not found: %s", id)
	}
	return nil
}

// DeleteSession deletes a session by ID
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Session.NotFound", "session not found: %s", id)
	}
	return nil
}

// ListSessions returns paginated sessions with a total count, filtered by
// status, template, substring search, and one metadata key.
func (r *Repository) ListSessions(ctx context.Context, opts repository.ListSessionsOptions) ([]*models.Session, int, error) {
	ctx, span := tracing.Tracer("sandpit-db").Start(ctx, "db.ListSessions")
	defer span.End()

	drv := r.ro.DriverName()
	var conds []string
	var args []interface{}

	if len(opts.Statuses) > 0 {
		conds = append(conds, `status IN (?`+strings.Repeat(", ?", len(opts.Statuses)-1)+`)`)
		for _, s := range opts.Statuses {
			args = append(args, string(s))
		}
	}
	if opts.TemplateID != "" {
		conds = append(conds, `template_id = ?`)
		args = append(args, opts.TemplateID)
	}
	if opts.Search != "" {
		like := dialect.Like(drv)
		conds = append(conds, fmt.Sprintf(`(id %s ? OR container_id %s ? OR error_message %s ?)`, like, like, like))
		pattern := "%" + opts.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if opts.MetadataKey != "" {
		if !metadataKeyRe.MatchString(opts.MetadataKey) {
			return nil, 0, errs.Validation("Session.InvalidMetadataFilter",
				"metadata filter key %q must match %s", opts.MetadataKey, metadataKeyRe.String())
		}
		conds = append(conds, dialect.JSONExtract(drv, "metadata", opts.MetadataKey)+` = ?`)
		args = append(args, opts.MetadataValue)
	}

	where := ""
	if len(conds) > 0 {
		where = ` WHERE ` + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT COUNT(*) FROM sessions`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions`+where+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`), args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// ListSessionsByStatus returns all sessions in any of the given statuses.
func (r *Repository) ListSessionsByStatus(ctx context.Context, statuses ...v1.SessionStatus) ([]*models.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN (?`+strings.Repeat(", ?", len(statuses)-1)+`)
		ORDER BY created_at DESC
	`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// ListActiveSessionsWithContainer returns CREATING and RUNNING sessions
// that have a container bound. The state-sync reconciler probes these.
func (r *Repository) ListActiveSessionsWithContainer(ctx context.Context) ([]*models.Session, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN (?, ?) AND container_id != ''
		ORDER BY created_at ASC
	`), string(v1.SessionStatusCreating), string(v1.SessionStatusRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// ListSessionsIdleSince returns RUNNING sessions with no activity since cutoff.
func (r *Repository) ListSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND last_activity_at <= ?
		ORDER BY last_activity_at ASC
	`), string(v1.SessionStatusRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// ListSessionsCreatedBefore returns sessions in the given statuses created
// before cutoff. The cleanup reconciler uses it for the lifetime and
// creation-deadline sweeps.
func (r *Repository) ListSessionsCreatedBefore(ctx context.Context, cutoff time.Time, statuses ...v1.SessionStatus) ([]*models.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []interface{}{cutoff}
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE created_at <= ? AND status IN (?`+strings.Repeat(", ?", len(statuses)-1)+`)
		ORDER BY created_at ASC
	`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// ListSessionsPastDeadline returns RUNNING sessions that outlived their own
// per-session timeout, measured from creation. The interval lives in the
// row, so the comparison happens database-side.
func (r *Repository) ListSessionsPastDeadline(ctx context.Context) ([]*models.Session, error) {
	drv := r.ro.DriverName()
	query := fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE status = ? AND timeout > 0 AND created_at <= %s
	`, sessionColumns, dialect.NowMinusSeconds(drv, "timeout"))
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), string(v1.SessionStatusRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var status, runtime, dependencyInstall string
	var envJSON, depsJSON, installedJSON, metadataJSON string
	var completedAt sql.NullTime

	err := row.Scan(
		&session.ID, &session.TemplateID, &status, &runtime,
		&session.Resources.CPU, &session.Resources.Memory, &session.Resources.Disk, &session.Resources.MaxProcesses,
		&session.WorkspacePath, &session.NodeID, &session.ContainerID, &envJSON, &session.Timeout,
		&depsJSON, &session.InstallTimeout, &dependencyInstall, &installedJSON,
		&session.ErrorMessage, &metadataJSON,
		&session.CreatedAt, &session.UpdatedAt, &completedAt, &session.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = v1.SessionStatus(status)
	session.Runtime = v1.Runtime(runtime)
	session.DependencyInstall = v1.DependencyInstallStatus(dependencyInstall)
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	if envJSON != "" && envJSON != "{}" {
		if err := json.Unmarshal([]byte(envJSON), &session.EnvVars); err != nil {
			return nil, fmt.Errorf("failed to deserialize session env vars: %w", err)
		}
	}
	if depsJSON != "" && depsJSON != "[]" {
		if err := json.Unmarshal([]byte(depsJSON), &session.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to deserialize session dependencies: %w", err)
		}
	}
	if installedJSON != "" && installedJSON != "[]" {
		if err := json.Unmarshal([]byte(installedJSON), &session.InstalledDeps); err != nil {
			return nil, fmt.Errorf("failed to deserialize installed dependencies: %w", err)
		}
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
		}
	}
	return session, nil
}

// scanSessions is a helper to scan multiple session rows
func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	var result []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// marshalSessionFields serializes the JSON columns, substituting empty
// forms for nil so columns never store JSON null.
func marshalSessionFields(session *models.Session) (envJSON, depsJSON, installedJSON, metadataJSON string, err error) {
	envJSON = "{}"
	if session.EnvVars != nil {
		b, err := json.Marshal(session.EnvVars)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize session env vars: %w", err)
		}
		envJSON = string(b)
	}
	depsJSON = "[]"
	if session.Dependencies != nil {
		b, err := json.Marshal(session.Dependencies)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize session dependencies: %w", err)
		}
		depsJSON = string(b)
	}
	installedJSON = "[]"
	if session.InstalledDeps != nil {
		b, err := json.Marshal(session.InstalledDeps)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize installed dependencies: %w", err)
		}
		installedJSON = string(b)
	}
	metadataJSON = "{}"
	if session.Metadata != nil {
		b, err := json.Marshal(session.Metadata)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize session metadata: %w", err)
		}
		metadataJSON = string(b)
	}
	return envJSON, depsJSON, installedJSON, metadataJSON, nil
}
