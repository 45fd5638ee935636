package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/scheduler"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

func TestCreateTemplate(t *testing.T) {
	f := newFixture(t, scheduler.Config{})

	tpl, err := f.svc.CreateTemplate(context.Background(), &v1.CreateTemplateRequest{
		Name:    "go-ml",
		Image:   "sandpit/go:1.21",
		Runtime: v1.RuntimeGo121,
	})
	require.NoError(t, err)

	// The id falls back to the name; the rest takes defaults.
	assert.Equal(t, "go-ml", tpl.ID)
	assert.Equal(t, 300, tpl.DefaultTimeout)
	assert.Equal(t, models.DefaultResourceLimit(), tpl.Resources)
	assert.Equal(t, f.clk.Now(), tpl.CreatedAt)

	stored, err := f.repo.GetTemplate(context.Background(), "go-ml")
	require.NoError(t, err)
	assert.Equal(t, tpl.Image, stored.Image)
}

func TestCreateTemplateExplicit(t *testing.T) {
	f := newFixture(t, scheduler.Config{})

	tpl, err := f.svc.CreateTemplate(context.Background(), &v1.CreateTemplateRequest{
		ID:             "py-heavy",
		Name:           "python-heavy",
		Image:          "sandpit/python:3.11-ml",
		Runtime:        v1.RuntimePython311,
		CPU:            "4000m",
		Memory:         "8Gi",
		MaxProcesses:   256,
		DefaultTimeout: 600,
	})
	require.NoError(t, err)
	assert.Equal(t, "py-heavy", tpl.ID)
	assert.Equal(t, "4000m", tpl.Resources.CPU)
	assert.Equal(t, "8Gi", tpl.Resources.Memory)
	assert.Equal(t, 256, tpl.Resources.MaxProcesses)
	assert.Equal(t, 600, tpl.DefaultTimeout)
}

func TestCreateTemplateDuplicate(t *testing.T) {
	f := newFixture(t, scheduler.Config{})
	seedTemplate(t, f)

	_, err := f.svc.CreateTemplate(context.Background(), &v1.CreateTemplateRequest{
		Name:    "python-basic",
		Image:   "sandpit/python:3.12",
		Runtime: v1.RuntimePython311,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindStateConflict, errs.KindOf(err))
}

func TestCreateTemplateInvalidRuntime(t *testing.T) {
	f := newFixture(t, scheduler.Config{})

	_, err := f.svc.CreateTemplate(context.Background(), &v1.CreateTemplateRequest{
		Name:    "cobol",
		Image:   "sandpit/cobol:74",
		Runtime: "cobol74",
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestUpdateTemplate(t *testing.T) {
	f := newFixture(t, scheduler.Config{})
	seedTemplate(t, f)
	f.clk.Advance(time.Hour)

	image := "sandpit/python:3.11-rev2"
	timeout := 90
	tpl, err := f.svc.UpdateTemplate(context.Background(), "python-basic", &v1.UpdateTemplateRequest{
		Image:          &image,
		DefaultTimeout: &timeout,
	})
	require.NoError(t, err)
	assert.Equal(t, image, tpl.Image)
	assert.Equal(t, 90, tpl.DefaultTimeout)
	assert.Equal(t, f.clk.Now(), tpl.UpdatedAt)
	assert.Equal(t, v1.RuntimePython311, tpl.Runtime)
}

func TestUpdateTemplateNameCollision(t *testing.T) {
	f := newFixture(t, scheduler.Config{})
	seedTemplate(t, f)
	_, err := f.svc.CreateTemplate(context.Background(), &v1.CreateTemplateRequest{
		Name:    "node-basic",
		Image:   "sandpit/node:20",
		Runtime: v1.RuntimeNodeJS20,
	})
	require.NoError(t, err)

	taken := "python-basic"
	_, err = f.svc.UpdateTemplate(context.Background(), "node-basic", &v1.UpdateTemplateRequest{Name: &taken})
	require.Error(t, err)
	assert.Equal(t, errs.KindStateConflict, errs.KindOf(err))
	assert.Equal(t, "Template.NameTaken", errs.CodeOf(err))

	// Re-submitting the template's own name is not a collision.
	same := "node-basic"
	_, err = f.svc.UpdateTemplate(context.Background(), "node-basic", &v1.UpdateTemplateRequest{Name: &same})
	require.NoError(t, err)
}

func TestUpdateTemplateInvalid(t *testing.T) {
	f := newFixture(t, scheduler.Config{})
	seedTemplate(t, f)

	zero := 0
	_, err := f.svc.UpdateTemplate(context.Background(), "python-basic", &v1.UpdateTemplateRequest{
		DefaultTimeout: &zero,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestDeleteTemplate(t *testing.T) {
	f := newFixture(t, scheduler.Config{})
	seedTemplate(t, f)
	ctx := context.Background()

	require.NoError(t, f.svc.DeleteTemplate(ctx, "python-basic"))

	_, err := f.repo.GetTemplate(ctx, "python-basic")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestDeleteTemplateInUse(t *testing.T) {
	f := newFixture(t, scheduler.Config{})
	seedTemplate(t, f)
	ctx := context.Background()

	session := &models.Session{
		ID:             "sess_20250314_aabbccdd",
		TemplateID:     "python-basic",
		Status:         v1.SessionStatusRunning,
		Runtime:        v1.RuntimePython311,
		Resources:      models.DefaultResourceLimit(),
		WorkspacePath:  "s3://sandpit/sessions/sess_20250314_aabbccdd/",
		Timeout:        60,
		CreatedAt:      f.clk.Now(),
		LastActivityAt: f.clk.Now(),
	}
	require.NoError(t, f.repo.CreateSession(ctx, session))

	err := f.svc.DeleteTemplate(ctx, "python-basic")
	require.Error(t, err)
	assert.Equal(t, errs.KindStateConflict, errs.KindOf(err))
	assert.Equal(t, "Template.InUse", errs.CodeOf(err))

	// Once the session is terminal the template can go.
	require.NoError(t, f.repo.UpdateSessionStatus(ctx, session.ID, nil, v1.SessionStatusTerminated, ""))
	require.NoError(t, f.svc.DeleteTemplate(ctx, "python-basic"))
}

func TestDeleteTemplateMissing(t *testing.T) {
	f := newFixture(t, scheduler.Config{})

	err := f.svc.DeleteTemplate(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}
