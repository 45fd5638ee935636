// Package storage provides the object storage port backing session
// workspaces. Every session owns the key prefix sessions/<session_id>/
// inside one bucket; the s3://<bucket>/<prefix> form of that location
// is stored on the session as its workspace path.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/metrics"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectStore is the port the control plane uses for workspace files.
// Implementations must treat Delete of a missing key as success.
type ObjectStore interface {
	// Upload stores the object under key. A negative size means the
	// length is unknown and the implementation must consume r fully.
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Download opens the object for reading. The caller closes the
	// returned reader. Missing keys yield a NotFound error.
	Download(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes a single object.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under prefix and reports how
	// many were deleted.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Presign returns a time-limited GET URL for the object.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Ping verifies the store is reachable and the bucket exists.
	Ping(ctx context.Context) error
}

const workspaceScheme = "s3://"

// SessionPrefix returns the key prefix that roots a session workspace.
func SessionPrefix(sessionID string) string {
	return "sessions/" + sessionID + "/"
}

// WorkspacePath renders the workspace location stored on a session.
func WorkspacePath(bucket, sessionID string) string {
	return workspaceScheme + bucket + "/" + SessionPrefix(sessionID)
}

// PrefixFor returns the key prefix behind a session's workspace path,
// falling back to the conventional sessions/<id>/ prefix when the
// stored path does not parse. Callers that accept custom workspace
// paths must use this instead of SessionPrefix so file operations and
// teardown hit the same keys.
func PrefixFor(workspacePath, sessionID string) string {
	if workspacePath != "" {
		if _, prefix, err := ParseWorkspacePath(workspacePath); err == nil && prefix != "" {
			if !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			return prefix
		}
	}
	return SessionPrefix(sessionID)
}

// ParseWorkspacePath splits an s3://bucket/prefix workspace path into
// its bucket and key prefix.
func ParseWorkspacePath(workspacePath string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(workspacePath, workspaceScheme)
	if !ok {
		return "", "", errs.Validation("Storage.InvalidWorkspacePath",
			"workspace path %q must start with %s", workspacePath, workspaceScheme)
	}
	bucket, prefix, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" {
		return "", "", errs.Validation("Storage.InvalidWorkspacePath",
			"workspace path %q has no bucket", workspacePath)
	}
	return bucket, prefix, nil
}

// CleanRelPath validates a caller-supplied workspace-relative file path
// and returns it in canonical form. Absolute paths, empty paths and any
// path that escapes the workspace via a ".." segment are rejected.
func CleanRelPath(p string) (string, error) {
	if p == "" {
		return "", errs.Validation("Storage.InvalidPath", "file path must not be empty")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", errs.Validation("Storage.InvalidPath",
			"file path %q must be relative to the workspace", p)
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", errs.Validation("Storage.InvalidPath",
				"file path %q must not contain '..'", p)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", errs.Validation("Storage.InvalidPath", "file path %q is empty after cleaning", p)
	}
	return cleaned, nil
}

// recordOp counts a storage operation outcome.
func recordOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.StorageOperations.WithLabelValues(op, outcome).Inc()
}
