package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

const nodeColumns = `id, kind, endpoint, status, cpu_usage, mem_usage, session_count, max_sessions, cached_templates, last_heartbeat_at, created_at, updated_at`

// Node operations

// UpsertNode inserts the node or refreshes its registration.
func (r *Repository) UpsertNode(ctx context.Context, node *models.RuntimeNode) error {
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	if node.LastHeartbeatAt.IsZero() {
		node.LastHeartbeatAt = now
	}
	if node.Status == "" {
		node.Status = v1.NodeStatusOnline
	}

	cachedJSON := "[]"
	if node.CachedTemplates != nil {
		b, err := json.Marshal(node.CachedTemplates)
		if err != nil {
			return fmt.Errorf("failed to serialize cached templates: %w", err)
		}
		cachedJSON = string(b)
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO nodes (id, kind, endpoint, status, cpu_usage, mem_usage, session_count, max_sessions, cached_templates, last_heartbeat_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			endpoint = excluded.endpoint,
			status = excluded.status,
			cpu_usage = excluded.cpu_usage,
			mem_usage = excluded.mem_usage,
			max_sessions = excluded.max_sessions,
			cached_templates = excluded.cached_templates,
			last_heartbeat_at = excluded.last_heartbeat_at,
			updated_at = excluded.updated_at
	`), node.ID, string(node.Kind), node.Endpoint, string(node.Status),
		node.CPUUsage, node.MemUsage, node.SessionCount, node.MaxSessions,
		cachedJSON, node.LastHeartbeatAt, node.CreatedAt, node.UpdatedAt)
	return err
}

// GetNode retrieves a node by ID
func (r *Repository) GetNode(ctx context.Context, id string) (*models.RuntimeNode, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+nodeColumns+` FROM nodes WHERE id = ?
	`), id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	return node, err
}

// ListNodes returns all registered nodes.
func (r *Repository) ListNodes(ctx context.Context) ([]*models.RuntimeNode, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanNodes(rows)
}

// ListNodesByStatus returns nodes in any of the given statuses.
func (r *Repository) ListNodesByStatus(ctx context.Context, statuses ...v1.NodeStatus) ([]*models.RuntimeNode, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+nodeColumns+` FROM nodes
		WHERE status IN (?`+strings.Repeat(", ?", len(statuses)-1)+`)
		ORDER BY id ASC
	`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanNodes(rows)
}

// UpdateNodeLoad records a load report from a node heartbeat.
func (r *Repository) UpdateNodeLoad(ctx context.Context, id string, cpuUsage, memUsage float64, at time.Time) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE nodes SET cpu_usage = ?, mem_usage = ?, last_heartbeat_at = ?, updated_at = ? WHERE id = ?
	`), cpuUsage, memUsage, at, at, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	return nil
}

// IncrementNodeSessions bumps the node's placement count.
func (r *Repository) IncrementNodeSessions(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE nodes SET session_count = session_count + 1, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	return nil
}

// DecrementNodeSessions releases one placement slot, never below zero.
func (r *Repository) DecrementNodeSessions(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE nodes SET session_count = CASE WHEN session_count > 0 THEN session_count - 1 ELSE 0 END, updated_at = ?
		WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	return nil
}

// DeleteNode deletes a node by ID
func (r *Repository) DeleteNode(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM nodes WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Node.NotFound", "node not found: %s", id)
	}
	return nil
}

func scanNode(row rowScanner) (*models.RuntimeNode, error) {
	node := &models.RuntimeNode{}
	var kind, status, cachedJSON string
	err := row.Scan(
		&node.ID, &kind, &node.Endpoint, &status,
		&node.CPUUsage, &node.MemUsage, &node.SessionCount, &node.MaxSessions,
		&cachedJSON, &node.LastHeartbeatAt, &node.CreatedAt, &node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	node.Kind = v1.NodeKind(kind)
	node.Status = v1.NodeStatus(status)
	if cachedJSON != "" && cachedJSON != "[]" {
		if err := json.Unmarshal([]byte(cachedJSON), &node.CachedTemplates); err != nil {
			return nil, fmt.Errorf("failed to deserialize cached templates: %w", err)
		}
	}
	return node, nil
}

// scanNodes is a helper to scan multiple node rows
func scanNodes(rows *sql.Rows) ([]*models.RuntimeNode, error) {
	var result []*models.RuntimeNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, node)
	}
	return result, rows.Err()
}
