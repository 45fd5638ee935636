package service

import (
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/storage"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// FileDownload is the outcome of DownloadFile. Either Reader is set and
// the caller must close it, or the object was past the inline cap and
// URL carries a presigned download instead.
type FileDownload struct {
	Path      string
	Size      int64
	Reader    io.ReadCloser
	URL       string
	ExpiresAt time.Time
}

// Inline reports whether the download carries the payload itself.
func (d *FileDownload) Inline() bool { return d.Reader != nil }

// ListFiles lists the objects under a session's workspace, paths
// relative to the workspace root. A non-empty pathPrefix narrows the
// listing to keys beneath it. Terminal sessions may still be listed;
// their workspace is simply empty once teardown ran.
func (s *Service) ListFiles(ctx context.Context, sessionID, pathPrefix string) ([]v1.FileInfo, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	base := storage.PrefixFor(session.WorkspacePath, sessionID)
	listPrefix := base
	if pathPrefix != "" {
		cleaned, err := storage.CleanRelPath(pathPrefix)
		if err != nil {
			return nil, err
		}
		listPrefix = base + cleaned
	}

	objects, err := s.store.List(ctx, listPrefix)
	if err != nil {
		return nil, err
	}
	files := make([]v1.FileInfo, 0, len(objects))
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, base)
		if rel == "" {
			continue
		}
		files = append(files, v1.FileInfo{
			Path:         rel,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return files, nil
}

// UploadFile stores an object under the session workspace and bumps the
// session's activity clock. Terminal sessions refuse uploads: their
// workspace is already torn down or about to be.
func (s *Service) UploadFile(ctx context.Context, sessionID, filePath string, r io.Reader, size int64, contentType string) (*v1.FileInfo, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return nil, errs.StateConflict("File.SessionTerminal",
			"session %s is %s and no longer accepts files", sessionID, session.Status)
	}
	cleaned, err := storage.CleanRelPath(filePath)
	if err != nil {
		return nil, err
	}

	key := storage.PrefixFor(session.WorkspacePath, sessionID) + cleaned
	if err := s.store.Upload(ctx, key, r, size, contentType); err != nil {
		return nil, err
	}
	now := s.clk.Now().UTC()
	if err := s.repo.TouchSessionActivity(ctx, sessionID, now); err != nil {
		s.logger.Warn("Failed to touch session activity on upload",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	s.logger.Debug("File uploaded",
		zap.String("session_id", sessionID),
		zap.String("path", cleaned),
		zap.Int64("size", size))
	return &v1.FileInfo{Path: cleaned, Size: size, LastModified: now}, nil
}

// DownloadFile fetches a workspace object. Objects up to the inline cap
// stream back directly; anything larger closes the stream and hands out
// a presigned URL so the payload never transits the control plane.
func (s *Service) DownloadFile(ctx context.Context, sessionID, filePath string) (*FileDownload, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cleaned, err := storage.CleanRelPath(filePath)
	if err != nil {
		return nil, err
	}
	key := storage.PrefixFor(session.WorkspacePath, sessionID) + cleaned

	rc, size, err := s.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	if size > MaxInlineDownloadBytes {
		_ = rc.Close()
		url, err := s.store.Presign(ctx, key, s.config.PresignTTL)
		if err != nil {
			return nil, err
		}
		return &FileDownload{
			Path:      cleaned,
			Size:      size,
			URL:       url,
			ExpiresAt: s.clk.Now().UTC().Add(s.config.PresignTTL),
		}, nil
	}
	return &FileDownload{Path: cleaned, Size: size, Reader: rc}, nil
}

// DeleteFile removes one workspace object. Deleting a missing object
// succeeds, matching the store contract.
func (s *Service) DeleteFile(ctx context.Context, sessionID, filePath string) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	cleaned, err := storage.CleanRelPath(filePath)
	if err != nil {
		return err
	}
	key := storage.PrefixFor(session.WorkspacePath, sessionID) + cleaned
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	if !session.IsTerminal() {
		if err := s.repo.TouchSessionActivity(ctx, sessionID, s.clk.Now().UTC()); err != nil {
			s.logger.Warn("Failed to touch session activity on delete",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}
