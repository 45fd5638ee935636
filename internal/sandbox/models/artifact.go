package models

import (
	"regexp"
	"strings"
	"time"

	"github.com/sandpit-io/sandpit/internal/errs"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

var checksumRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Artifact is an immutable record of a file an execution produced,
// addressed relative to the session workspace.
type Artifact struct {
	Path      string          `json:"path"`
	Size      int64           `json:"size"`
	MimeType  string          `json:"mime_type,omitempty"`
	Kind      v1.ArtifactKind `json:"kind"`
	Checksum  string          `json:"checksum,omitempty"` // SHA-256 hex
	CreatedAt time.Time       `json:"created_at"`
}

// Validate enforces path discipline and field formats.
func (a Artifact) Validate() error {
	if err := ValidateRelativePath(a.Path); err != nil {
		return err
	}
	if a.Size < 0 {
		return errs.Validation("Artifact.InvalidSize", "artifact size must not be negative, got %d", a.Size)
	}
	switch a.Kind {
	case v1.ArtifactKindArtifact, v1.ArtifactKindLog, v1.ArtifactKindOutput:
	default:
		return errs.Validation("Artifact.InvalidKind", "unknown artifact kind %q", a.Kind)
	}
	if a.Checksum != "" && !checksumRe.MatchString(a.Checksum) {
		return errs.Validation("Artifact.InvalidChecksum", "checksum must be 64 hex characters")
	}
	return nil
}

// ValidateRelativePath rejects absolute paths and any traversal segment.
// Used for artifacts and for all session file operations.
func ValidateRelativePath(p string) error {
	if p == "" {
		return errs.Validation("File.InvalidPath", "path must not be empty")
	}
	if strings.HasPrefix(p, "/") {
		return errs.Validation("File.InvalidPath", "path %q must be relative", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return errs.Validation("File.InvalidPath", "path %q must not contain '.' or '..' segments", p)
		}
	}
	return nil
}
