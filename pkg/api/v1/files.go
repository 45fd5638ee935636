package v1

import "time"

// FileInfo describes one object under a session workspace.
type FileInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// PresignedDownload is returned when a file is too large for inline delivery.
type PresignedDownload struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
