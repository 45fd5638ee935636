package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// CreateTemplate registers a new template. An empty id falls back to
// the name, matching the catalog convention, and the default timeout
// falls back to 300 seconds. Duplicate ids or names surface as a
// conflict from the repository.
func (s *Service) CreateTemplate(ctx context.Context, req *v1.CreateTemplateRequest) (*models.Template, error) {
	id := req.ID
	if id == "" {
		id = req.Name
	}
	resources := models.DefaultResourceLimit()
	if req.CPU != "" {
		resources.CPU = req.CPU
	}
	if req.Memory != "" {
		resources.Memory = req.Memory
	}
	if req.Disk != "" {
		resources.Disk = req.Disk
	}
	if req.MaxProcesses > 0 {
		resources.MaxProcesses = req.MaxProcesses
	}
	timeout := req.DefaultTimeout
	if timeout == 0 {
		timeout = 300
	}

	now := s.clk.Now().UTC()
	tpl := &models.Template{
		ID:             id,
		Name:           req.Name,
		Image:          req.Image,
		Runtime:        req.Runtime,
		Resources:      resources,
		DefaultTimeout: timeout,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	s.logger.Info("Template created",
		zap.String("template_id", tpl.ID),
		zap.String("runtime", string(tpl.Runtime)))
	return tpl, nil
}

// GetTemplate returns one template.
func (s *Service) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	return s.repo.GetTemplate(ctx, id)
}

// ListTemplates returns every registered template.
func (s *Service) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	return s.repo.ListTemplates(ctx)
}

// UpdateTemplate applies a partial update. The id and runtime are
// immutable; a name change must not collide with another template.
func (s *Service) UpdateTemplate(ctx context.Context, id string, req *v1.UpdateTemplateRequest) (*models.Template, error) {
	tpl, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil && *req.Name != tpl.Name {
		existing, err := s.repo.GetTemplateByName(ctx, *req.Name)
		switch {
		case err == nil && existing.ID != id:
			return nil, errs.StateConflict("Template.NameTaken",
				"template name %q is already used by %s", *req.Name, existing.ID)
		case err != nil && errs.KindOf(err) != errs.KindNotFound:
			return nil, err
		}
		tpl.Name = *req.Name
	}
	if req.Image != nil {
		tpl.Image = *req.Image
	}
	if req.CPU != nil {
		tpl.Resources.CPU = *req.CPU
	}
	if req.Memory != nil {
		tpl.Resources.Memory = *req.Memory
	}
	if req.Disk != nil {
		tpl.Resources.Disk = *req.Disk
	}
	if req.MaxProcesses != nil {
		tpl.Resources.MaxProcesses = *req.MaxProcesses
	}
	if req.DefaultTimeout != nil {
		tpl.DefaultTimeout = *req.DefaultTimeout
	}
	tpl.UpdatedAt = s.clk.Now().UTC()

	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	s.logger.Info("Template updated", zap.String("template_id", id))
	return tpl, nil
}

// DeleteTemplate removes a template. Templates backing live sessions
// cannot be deleted; terminate the sessions first.
func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	if _, err := s.repo.GetTemplate(ctx, id); err != nil {
		return err
	}
	_, total, err := s.repo.ListSessions(ctx, repository.ListSessionsOptions{
		Statuses:   []v1.SessionStatus{v1.SessionStatusCreating, v1.SessionStatusRunning},
		TemplateID: id,
		Page:       1,
		PageSize:   1,
	})
	if err != nil {
		return err
	}
	if total > 0 {
		return errs.StateConflict("Template.InUse",
			"template %s still backs %d active session(s)", id, total).
			WithSolution("terminate the sessions before deleting the template")
	}
	if err := s.repo.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Template deleted", zap.String("template_id", id))
	return nil
}
