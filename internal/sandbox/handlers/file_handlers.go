package handlers

import (
	"fmt"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/dto"
	"github.com/sandpit-io/sandpit/internal/sandbox/ids"
	"github.com/sandpit-io/sandpit/internal/sandbox/service"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

type FileHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewFileHandlers(svc *service.Service, log *logger.Logger) *FileHandlers {
	return &FileHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "file-handlers")),
	}
}

func RegisterFileRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	handlers := NewFileHandlers(svc, log)
	handlers.registerHTTP(router)
}

func (h *FileHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/sessions/:id/files", h.httpListFiles)
	api.POST("/sessions/:id/files/upload", h.httpUploadFile)
	api.GET("/sessions/:id/files/download", h.httpDownloadFile)
	api.DELETE("/sessions/:id/files", h.httpDeleteFile)
}

func (h *FileHandlers) httpListFiles(c *gin.Context) {
	sessionID := c.Param("id")
	if !ids.ValidSessionID(sessionID) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", sessionID))
		return
	}
	files, err := h.service.ListFiles(c.Request.Context(), sessionID, c.Query("path"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListFilesResponse{Files: files, Total: len(files)})
}

// httpUploadFile accepts a multipart form with a "file" part and an
// optional "path" field; without a path the part's filename is used.
func (h *FileHandlers) httpUploadFile(c *gin.Context) {
	sessionID := c.Param("id")
	if !ids.ValidSessionID(sessionID) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", sessionID))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, h.logger, errs.Validation("File.MissingPart", "multipart form must carry a 'file' part").
			WithDetail("%v", err))
		return
	}
	filePath := c.PostForm("path")
	if filePath == "" {
		filePath = fileHeader.Filename
	}

	src, err := fileHeader.Open()
	if err != nil {
		respondError(c, h.logger, errs.Validation("File.UnreadablePart", "could not open uploaded file").
			WithDetail("%v", err))
		return
	}
	defer src.Close()

	info, err := h.service.UploadFile(c.Request.Context(), sessionID, filePath, src,
		fileHeader.Size, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// httpDownloadFile streams the object inline when it fits the cap and
// answers with a presigned URL otherwise.
func (h *FileHandlers) httpDownloadFile(c *gin.Context) {
	sessionID := c.Param("id")
	if !ids.ValidSessionID(sessionID) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", sessionID))
		return
	}
	filePath := c.Query("path")
	if filePath == "" {
		respondError(c, h.logger, errs.Validation("File.InvalidPath", "query parameter 'path' is required"))
		return
	}

	download, err := h.service.DownloadFile(c.Request.Context(), sessionID, filePath)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !download.Inline() {
		c.JSON(http.StatusOK, v1.PresignedDownload{
			Path:      download.Path,
			Size:      download.Size,
			URL:       download.URL,
			ExpiresAt: download.ExpiresAt,
		})
		return
	}
	defer download.Reader.Close()

	c.DataFromReader(http.StatusOK, download.Size, "application/octet-stream", download.Reader,
		map[string]string{
			"Content-Disposition": fmt.Sprintf("attachment; filename=%q", path.Base(download.Path)),
		})
}

func (h *FileHandlers) httpDeleteFile(c *gin.Context) {
	sessionID := c.Param("id")
	if !ids.ValidSessionID(sessionID) {
		respondError(c, h.logger, errs.BadRequest("Session.InvalidID", "session id %q is malformed", sessionID))
		return
	}
	filePath := c.Query("path")
	if filePath == "" {
		respondError(c, h.logger, errs.Validation("File.InvalidPath", "query parameter 'path' is required"))
		return
	}
	if err := h.service.DeleteFile(c.Request.Context(), sessionID, filePath); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}
