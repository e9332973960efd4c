package api

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"ffgif/task"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultPreviewWidth = 160
	maxPreviewWidth     = 1024
)

// handlePreview renders the first frame of a finished GIF as a PNG thumbnail.
func (h *Handler) handlePreview(c *gin.Context) {
	snap, found := h.taskManager.Get(c.Param("jobId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if snap.State != task.StateSuccess {
		c.JSON(http.StatusConflict, gin.H{"error": "Job has not finished successfully"})
		return
	}

	width := defaultPreviewWidth
	if q := c.Query("width"); q != "" {
		w, err := strconv.Atoi(q)
		if err != nil || w <= 0 || w > maxPreviewWidth {
			c.JSON(http.StatusBadRequest, gin.H{"error": "width must be between 1 and 1024"})
			return
		}
		width = w
	}

	img, err := imaging.Open(snap.ArtifactPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Artifact no longer available"})
			return
		}
		h.logger.Error("could not decode artifact",
			zap.String("job_id", snap.ID),
			zap.String("path", snap.ArtifactPath),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render preview"})
		return
	}

	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := imaging.Encode(c.Writer, thumb, imaging.PNG); err != nil {
		h.logger.Warn("could not write preview", zap.String("job_id", snap.ID), zap.Error(err))
	}
}
