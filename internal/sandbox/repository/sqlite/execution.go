package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
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

const executionColumns = `id, session_id, code, language, timeout, event, env_vars, status,
	exit_code, error_message, stdout, stderr, return_value, metrics, artifacts, retry_count,
	created_at, started_at, completed_at, last_heartbeat_at`

// Execution operations

// CreateExecution persists a new execution row.
func (r *Repository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	return insertExecution(ctx, r.db, execution)
}

func insertExecution(ctx context.Context, q sqlx.ExtContext, execution *models.Execution) error {
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}
	if execution.Status == "" {
		execution.Status = v1.ExecutionStatusPending
	}

	eventJSON, envJSON, metricsJSON, artifactsJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	var exitCode interface{}
	if execution.ExitCode != nil {
		exitCode = *execution.ExitCode
	}

	_, err = q.ExecContext(ctx, q.Rebind(`
		INSERT INTO executions (
			id, session_id, code, language, timeout, event, env_vars, status,
			exit_code, error_message, stdout, stderr, return_value, metrics, artifacts, retry_count,
			created_at, started_at, completed_at, last_heartbeat_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), execution.ID, execution.SessionID, execution.Code, execution.Language, execution.Timeout,
		eventJSON, envJSON, string(execution.Status), exitCode, execution.ErrorMessage,
		execution.Stdout, execution.Stderr, execution.ReturnValue, metricsJSON, artifactsJSON,
		execution.RetryCount, execution.CreatedAt, execution.StartedAt, execution.CompletedAt,
		execution.LastHeartbeatAt)
	if err != nil && isUniqueViolation(err) {
		return errs.StateConflict("Execution.AlreadyExists", "execution already exists: %s", execution.ID)
	}
	return err
}

// GetExecution retrieves an execution by ID
func (r *Repository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return getExecution(ctx, r.ro, id)
}

func getExecution(ctx context.Context, q sqlx.ExtContext, id string) (*models.Execution, error) {
	row := q.QueryRowxContext(ctx, q.Rebind(`
		SELECT `+executionColumns+` FROM executions WHERE id = ?
	`), id)
	execution, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("Execution.NotFound", "execution not found: %s", id)
	}
	return execution, err
}

// UpdateExecution updates an existing execution
func (r *Repository) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	return updateExecution(ctx, r.db, execution)
}

func updateExecution(ctx context.Context, q sqlx.ExtContext, execution *models.Execution) error {
	eventJSON, envJSON, metricsJSON, artifactsJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	var exitCode interface{}
	if execution.ExitCode != nil {
		exitCode = *execution.ExitCode
	}

	result, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE executions SET
			status = ?, event = ?, env_vars = ?, exit_code = ?, error_message = ?,
			stdout = ?, stderr = ?, return_value = ?, metrics = ?, artifacts = ?, retry_count = ?,
			started_at = ?, completed_at = ?, last_heartbeat_at = ?
		WHERE id = ?
	`), string(execution.Status), eventJSON, envJSON, exitCode, execution.ErrorMessage,
		execution.Stdout, execution.Stderr, execution.ReturnValue, metricsJSON, artifactsJSON,
		execution.RetryCount, execution.StartedAt, execution.CompletedAt, execution.LastHeartbeatAt,
		execution.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Execution.NotFound", "execution not found: %s", execution.ID)
	}
	return nil
}

// ApplyExecutionResult loads the execution, runs the reduction, and persists
// the outcome in one writer transaction. Errors from apply (including
// StateConflict on an illegal transition) roll back and propagate unchanged.
func (r *Repository) ApplyExecutionResult(ctx context.Context, id string, apply func(*models.Execution) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	execution, err := getExecution(ctx, tx, id)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback result load: %w", rollbackErr)
		}
		return err
	}
	if err := apply(execution); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback result apply: %w", rollbackErr)
		}
		return err
	}
	if err := updateExecution(ctx, tx, execution); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback result update: %w", rollbackErr)
		}
		return err
	}
	return tx.Commit()
}

// ListExecutionsBySession returns paginated executions for a session,
// newest first, with the total count.
func (r *Repository) ListExecutionsBySession(ctx context.Context, sessionID string, opts repository.ListExecutionsOptions) ([]*models.Execution, int, error) {
	ctx, span := tracing.Tracer("sandpit-db").Start(ctx, "db.ListExecutionsBySession")
	defer span.End()

	var total int
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT COUNT(*) FROM executions WHERE session_id = ?`), sessionID).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+executionColumns+` FROM executions
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`), sessionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, 0, err
	}
	return executions, total, nil
}

// ListExecutionsByStatus returns all executions in any of the given statuses.
func (r *Repository) ListExecutionsByStatus(ctx context.Context, statuses ...v1.ExecutionStatus) ([]*models.Execution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+executionColumns+` FROM executions
		WHERE status IN (?`+strings.Repeat(", ?", len(statuses)-1)+`)
		ORDER BY created_at ASC
	`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanExecutions(rows)
}

// GetSessionExecutionStats aggregates execution outcomes and wall time for
// one session. The duration math happens database-side.
func (r *Repository) GetSessionExecutionStats(ctx context.Context, sessionID string) (*repository.SessionExecutionStats, error) {
	drv := r.ro.DriverName()
	durationMs := dialect.DurationMs(drv, "completed_at", "started_at")
	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = 'COMPLETED' THEN 1 END),
			COUNT(CASE WHEN status = 'FAILED' THEN 1 END),
			COUNT(CASE WHEN status = 'TIMEOUT' THEN 1 END),
			COUNT(CASE WHEN status = 'CRASHED' THEN 1 END),
			COALESCE(SUM(CASE
				WHEN completed_at IS NOT NULL AND started_at IS NOT NULL
				THEN %s
				ELSE 0
			END), 0) as total_duration_ms
		FROM executions WHERE session_id = ?
	`, durationMs)

	stats := &repository.SessionExecutionStats{SessionID: sessionID}
	var totalDurationMs float64 // SQLite returns float from julianday math
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(query), sessionID).Scan(
		&stats.Total,
		&stats.Completed,
		&stats.Failed,
		&stats.TimedOut,
		&stats.Crashed,
		&totalDurationMs,
	)
	if err != nil {
		return nil, err
	}
	stats.TotalDurationMs = int64(math.Round(totalDurationMs))
	if terminal := stats.Completed + stats.Failed + stats.TimedOut + stats.Crashed; terminal > 0 {
		stats.AvgDurationMs = stats.TotalDurationMs / int64(terminal)
	}
	return stats, nil
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	execution := &models.Execution{}
	var status string
	var eventJSON, envJSON, metricsJSON, artifactsJSON string
	var exitCode sql.NullInt64
	var startedAt, completedAt, lastHeartbeatAt sql.NullTime

	err := row.Scan(
		&execution.ID, &execution.SessionID, &execution.Code, &execution.Language, &execution.Timeout,
		&eventJSON, &envJSON, &status, &exitCode, &execution.ErrorMessage,
		&execution.Stdout, &execution.Stderr, &execution.ReturnValue, &metricsJSON, &artifactsJSON,
		&execution.RetryCount, &execution.CreatedAt, &startedAt, &completedAt, &lastHeartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	execution.Status = v1.ExecutionStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		execution.ExitCode = &code
	}
	if startedAt.Valid {
		execution.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}
	if lastHeartbeatAt.Valid {
		execution.LastHeartbeatAt = &lastHeartbeatAt.Time
	}
	if eventJSON != "" && eventJSON != "{}" {
		if err := json.Unmarshal([]byte(eventJSON), &execution.Event); err != nil {
			return nil, fmt.Errorf("failed to deserialize execution event: %w", err)
		}
	}
	if envJSON != "" && envJSON != "{}" {
		if err := json.Unmarshal([]byte(envJSON), &execution.EnvVars); err != nil {
			return nil, fmt.Errorf("failed to deserialize execution env vars: %w", err)
		}
	}
	if metricsJSON != "" && metricsJSON != "{}" {
		if err := json.Unmarshal([]byte(metricsJSON), &execution.Metrics); err != nil {
			return nil, fmt.Errorf("failed to deserialize execution metrics: %w", err)
		}
	}
	if artifactsJSON != "" && artifactsJSON != "[]" {
		if err := json.Unmarshal([]byte(artifactsJSON), &execution.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to deserialize execution artifacts: %w", err)
		}
	}
	return execution, nil
}

// scanExecutions is a helper to scan multiple execution rows
func scanExecutions(rows *sql.Rows) ([]*models.Execution, error) {
	var result []*models.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, execution)
	}
	return result, rows.Err()
}

// marshalExecutionFields serializes the JSON columns, substituting empty
// forms for nil so columns never store JSON null.
func marshalExecutionFields(execution *models.Execution) (eventJSON, envJSON, metricsJSON, artifactsJSON string, err error) {
	eventJSON = "{}"
	if execution.Event != nil {
		b, err := json.Marshal(execution.Event)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize execution event: %w", err)
		}
		eventJSON = string(b)
	}
	envJSON = "{}"
	if execution.EnvVars != nil {
		b, err := json.Marshal(execution.EnvVars)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize execution env vars: %w", err)
		}
		envJSON = string(b)
	}
	metricsJSON = "{}"
	if execution.Metrics != nil {
		b, err := json.Marshal(execution.Metrics)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize execution metrics: %w", err)
		}
		metricsJSON = string(b)
	}
	artifactsJSON = "[]"
	if execution.Artifacts != nil {
		b, err := json.Marshal(execution.Artifacts)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize execution artifacts: %w", err)
		}
		artifactsJSON = string(b)
	}
	return eventJSON, envJSON, metricsJSON, artifactsJSON, nil
}
