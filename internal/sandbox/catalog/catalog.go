// Package catalog seeds the template repository with the built-in
// sandbox templates. The embedded templates.yaml documents the file
// format; operators point the catalog path config at their own file to
// replace the defaults.
package catalog

import (
	"context"
	"embed"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sandpit-io/sandpit/internal/common/clock"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

//go:embed templates.yaml
var defaultsFS embed.FS

// Entry is one template definition in a catalog file.
type Entry struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	Image          string        `yaml:"image"`
	Runtime        string        `yaml:"runtime"`
	Resources      ResourceEntry `yaml:"resources"`
	DefaultTimeout int           `yaml:"default_timeout"`
}

// ResourceEntry mirrors models.ResourceLimit in YAML form. Empty
// fields fall back to the default envelope.
type ResourceEntry struct {
	CPU          string `yaml:"cpu"`
	Memory       string `yaml:"memory"`
	Disk         string `yaml:"disk"`
	MaxProcesses int    `yaml:"max_processes"`
}

// File is the top-level catalog document.
type File struct {
	Templates []Entry `yaml:"templates"`
}

// LoadDefaults parses the embedded catalog.
func LoadDefaults() ([]Entry, error) {
	data, err := defaultsFS.ReadFile("templates.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded catalog: %w", err)
	}
	return parse(data)
}

// LoadFile parses a catalog file from disk.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return parse(data)
}

// Load returns the catalog at path, or the embedded defaults when path
// is empty.
func Load(path string) ([]Entry, error) {
	if path == "" {
		return LoadDefaults()
	}
	return LoadFile(path)
}

func parse(data []byte) ([]Entry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return f.Templates, nil
}

// Template converts the entry into a validated template model.
func (e Entry) Template(now time.Time) (*models.Template, error) {
	resources := models.DefaultResourceLimit()
	if e.Resources.CPU != "" {
		resources.CPU = e.Resources.CPU
	}
	if e.Resources.Memory != "" {
		resources.Memory = e.Resources.Memory
	}
	if e.Resources.Disk != "" {
		resources.Disk = e.Resources.Disk
	}
	if e.Resources.MaxProcesses > 0 {
		resources.MaxProcesses = e.Resources.MaxProcesses
	}

	id := e.ID
	if id == "" {
		id = e.Name
	}
	timeout := e.DefaultTimeout
	if timeout == 0 {
		timeout = 300
	}

	tpl := &models.Template{
		ID:             id,
		Name:           e.Name,
		Image:          e.Image,
		Runtime:        v1.Runtime(e.Runtime),
		Resources:      resources,
		DefaultTimeout: timeout,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Seed inserts every entry whose id is absent from the repository and
// reports how many were created. Existing templates are never touched.
func Seed(ctx context.Context, repo repository.Repository, entries []Entry, clk clock.Clock, log *logger.Logger) (int, error) {
	if clk == nil {
		clk = clock.Real{}
	}

	seeded := 0
	for _, entry := range entries {
		tpl, err := entry.Template(clk.Now())
		if err != nil {
			return seeded, fmt.Errorf("catalog entry %q: %w", entry.Name, err)
		}

		_, err = repo.GetTemplate(ctx, tpl.ID)
		if err == nil {
			continue
		}
		if errs.KindOf(err) != errs.KindNotFound {
			return seeded, err
		}

		if err := repo.CreateTemplate(ctx, tpl); err != nil {
			return seeded, err
		}
		seeded++
		log.Info("Seeded template",
			zap.String("template_id", tpl.ID),
			zap.String("image", tpl.Image),
			zap.String("runtime", string(tpl.Runtime)))
	}
	return seeded, nil
}
