package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

const templateColumns = `id, name, image, runtime, cpu, memory, disk, max_processes, default_timeout, created_at, updated_at`

// Template operations

// CreateTemplate registers a new template. Duplicate id or name reports
// StateConflict.
func (r *Repository) CreateTemplate(ctx context.Context, template *models.Template) error {
	now := time.Now().UTC()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO templates (id, name, image, runtime, cpu, memory, disk, max_processes, default_timeout, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), template.ID, template.Name, template.Image, string(template.Runtime),
		template.Resources.CPU, template.Resources.Memory, template.Resources.Disk, template.Resources.MaxProcesses,
		template.DefaultTimeout, template.CreatedAt, template.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return errs.StateConflict("Template.AlreadyExists",
			"template with id %s or name %s already exists", template.ID, template.Name)
	}
	return err
}

// GetTemplate retrieves a template by ID
func (r *Repository) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+templateColumns+` FROM templates WHERE id = ?
	`), id)
	template, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("Template.NotFound", "template not found: %s", id)
	}
	return template, err
}

// GetTemplateByName retrieves a template by its unique name.
func (r *Repository) GetTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+templateColumns+` FROM templates WHERE name = ?
	`), name)
	template, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("Template.NotFound", "template not found: %s", name)
	}
	return template, err
}

// UpdateTemplate updates the mutable template fields (id and runtime are
// immutable and not touched here).
func (r *Repository) UpdateTemplate(ctx context.Context, template *models.Template) error {
	template.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE templates SET name = ?, image = ?, cpu = ?, memory = ?, disk = ?, max_processes = ?, default_timeout = ?, updated_at = ?
		WHERE id = ?
	`), template.Name, template.Image,
		template.Resources.CPU, template.Resources.Memory, template.Resources.Disk, template.Resources.MaxProcesses,
		template.DefaultTimeout, template.UpdatedAt, template.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.StateConflict("Template.AlreadyExists",
				"template name %s already exists", template.Name)
		}
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Template.NotFound", "template not found: %s", template.ID)
	}
	return nil
}

// DeleteTemplate deletes a template by ID
func (r *Repository) DeleteTemplate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM templates WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("Template.NotFound", "template not found: %s", id)
	}
	return nil
}

// ListTemplates returns all templates ordered by name.
func (r *Repository) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM templates ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Template
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, template)
	}
	return result, rows.Err()
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	template := &models.Template{}
	var runtime string
	err := row.Scan(
		&template.ID, &template.Name, &template.Image, &runtime,
		&template.Resources.CPU, &template.Resources.Memory, &template.Resources.Disk, &template.Resources.MaxProcesses,
		&template.DefaultTimeout, &template.CreatedAt, &template.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	template.Runtime = v1.Runtime(runtime)
	return template, nil
}
