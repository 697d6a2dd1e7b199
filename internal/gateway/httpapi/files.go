// Package httpapi exposes the workspace file gateway over a small REST
// surface under /api/v1/files. Agent and PTY sessions stay on the WebSocket
// multiplex; file operations are plain request/reply, so they ride HTTP
// instead of being framed as wire messages.
package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/backplane/internal/common/apperr"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/filegateway"
)

// FileHandlers binds HTTP requests to the Workspace File Gateway.
type FileHandlers struct {
	gateway *filegateway.Gateway
	logger  *logger.Logger
}

// RegisterFileRoutes wires the workspace file gateway's operations onto
// router under /api/v1/files.
func RegisterFileRoutes(router *gin.Engine, gw *filegateway.Gateway, log *logger.Logger) {
	h := &FileHandlers{gateway: gw, logger: log.WithFields(zap.String("component", "file-handlers"))}

	api := router.Group("/api/v1/files")
	api.GET("/projects", h.getProjects)
	api.GET("/read", h.read)
	api.POST("/write", h.write)
	api.GET("/list", h.list)
	api.GET("/stat", h.stat)
	api.DELETE("", h.delete)
}

// fileRequest is the query-string shape shared by read/list/stat/delete.
type fileRequest struct {
	Path               string `form:"path"`
	ProjectPath        string `form:"projectPath"`
	IsContainerProject bool   `form:"isContainerProject"`
}

// writeRequest is the JSON body for POST /api/v1/files/write.
type writeRequest struct {
	Path               string `json:"path" binding:"required"`
	ProjectPath        string `json:"projectPath"`
	IsContainerProject bool   `json:"isContainerProject"`
	ContentBase64      string `json:"contentBase64" binding:"required"`
}

func userID(c *gin.Context) string {
	id := c.Query("userId")
	if id == "" {
		id = c.GetHeader("Authorization")
	}
	return id
}

func (h *FileHandlers) getProjects(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	projects, err := h.gateway.GetProjects(c.Request.Context(), uid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *FileHandlers) read(c *gin.Context) {
	var req fileRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	content, err := h.gateway.Read(c.Request.Context(), uid, req.IsContainerProject, req.ProjectPath, req.Path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.Path, "content": content})
}

func (h *FileHandlers) write(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contentBase64 is not valid base64"})
		return
	}
	if err := h.gateway.Write(c.Request.Context(), uid, req.IsContainerProject, req.ProjectPath, req.Path, content); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.Path, "written": len(content)})
}

func (h *FileHandlers) list(c *gin.Context) {
	var req fileRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	includeDotfiles := c.Query("includeDotfiles") == "true"
	entries, err := h.gateway.List(c.Request.Context(), uid, req.IsContainerProject, req.ProjectPath, req.Path, includeDotfiles)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *FileHandlers) stat(c *gin.Context) {
	var req fileRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	entry, err := h.gateway.Stat(c.Request.Context(), uid, req.IsContainerProject, req.ProjectPath, req.Path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *FileHandlers) delete(c *gin.Context) {
	var req fileRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	if err := h.gateway.Delete(c.Request.Context(), uid, req.IsContainerProject, req.ProjectPath, req.Path); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.Path, "deleted": true})
}

// writeError maps an apperr.Kind to the closest HTTP status. The client only
// ever sees the kind's message, never a stack trace or wrapped cause.
func (h *FileHandlers) writeError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperr.KindPathInvalid:
			c.JSON(http.StatusBadRequest, gin.H{"error": appErr.Message})
			return
		case apperr.KindNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": appErr.Message})
			return
		}
	}
	h.logger.WithError(err).Warn("file gateway request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "file operation failed"})
}
