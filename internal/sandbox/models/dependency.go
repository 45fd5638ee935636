package models

import (
	"regexp"
	"strings"

	"github.com/sandpit-io/sandpit/internal/errs"
)

var (
	// depNameRe is deliberately strict: no path separators, no URL schemes,
	// no shell metacharacters ever reach an install command line.
	depNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

	// depVersionRe accepts the PEP 440 public version shape.
	depVersionRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*((a|b|rc)[0-9]+)?(\.post[0-9]+)?(\.dev[0-9]+)?$`)
)

// DependencySpec is one package a session wants installed before code runs.
type DependencySpec struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Validate rejects anything that could smuggle a path or shell fragment
// into the installer.
func (d DependencySpec) Validate() error {
	if d.Name == "" {
		return errs.Validation("Dependency.InvalidName", "dependency name must not be empty")
	}
	if !depNameRe.MatchString(d.Name) {
		return errs.Validation("Dependency.InvalidName", "dependency name %q contains forbidden characters", d.Name)
	}
	if strings.Contains(d.Name, "..") {
		return errs.Validation("Dependency.InvalidName", "dependency name %q must not contain '..'", d.Name)
	}
	if d.Version != "" && !depVersionRe.MatchString(d.Version) {
		return errs.Validation("Dependency.InvalidVersion", "dependency version %q is not a valid version", d.Version)
	}
	return nil
}

// Spec renders the installer argument, e.g. "requests==2.31.0".
func (d DependencySpec) Spec() string {
	if d.Version == "" {
		return d.Name
	}
	return d.Name + "==" + d.Version
}

// ValidateDependencies checks every spec and the per-session cap.
func ValidateDependencies(deps []DependencySpec) error {
	if len(deps) > MaxDependencies {
		return errs.Validation("Dependency.TooMany", "at most %d dependencies per session, got %d", MaxDependencies, len(deps))
	}
	for _, d := range deps {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}
