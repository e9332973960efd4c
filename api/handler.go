package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"ffgif/config"
	"ffgif/task"

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

type Handler struct {
	taskManager *task.Manager
	cfg         *config.Config
	logger      *zap.Logger
	client      *http.Client
}

func NewHandler(tm *task.Manager, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		taskManager: tm,
		cfg:         cfg,
		logger:      logger,
		client:      http.DefaultClient,
	}
}

// JobRequest is accepted as multipart form data (with a "file" part) or as JSON
// naming a local input_path or a remote input_url.
type JobRequest struct {
	InputPath      string   `json:"input_path" form:"-"`
	InputURL       string   `json:"input_url" form:"-"`
	StartTime      float64  `json:"start_time" form:"start_time"`
	EndTime        *float64 `json:"end_time" form:"end_time"`
	FPS            int      `json:"fps" form:"fps"`
	Width          int      `json:"width" form:"width"`
	HighQuality    bool     `json:"high_quality" form:"high_quality"`
	OutputFilename string   `json:"output_filename" form:"output_filename"`
}

type jobResponse struct {
	task.Snapshot
	DownloadURL string `json:"download_url,omitempty"`
	PreviewURL  string `json:"preview_url,omitempty"`
}

// errInputTooLarge marks uploads rejected by MAX_INPUT_SIZE.
var errInputTooLarge = errors.New("input file exceeds size limit")

// handleCreateJob stores the input in UPLOAD_DIR and submits a conversion job.
func (h *Handler) handleCreateJob(c *gin.Context) {
	var req JobRequest
	uploadID := shortuuid.New()
	var sourcePath, originalName string

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if c.PostForm("end_time") == "" {
			req.EndTime = nil
		}
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "A video file is required"})
			return
		}
		if h.cfg.MaxInputSize > 0 && file.Size > h.cfg.MaxInputSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("File size exceeds limit of %d bytes", h.cfg.MaxInputSize)})
			return
		}
		sourcePath = h.uploadPath(uploadID, file.Filename)
		if err := c.SaveUploadedFile(file, sourcePath); err != nil {
			h.logger.Error("could not store upload", zap.String("path", sourcePath), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
			return
		}
		originalName = file.Filename
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var err error
		switch {
		case req.InputURL != "":
			originalName = filepath.Base(strings.SplitN(req.InputURL, "?", 2)[0])
			sourcePath = h.uploadPath(uploadID, originalName)
			err = h.downloadInput(c, req.InputURL, sourcePath)
		case req.InputPath != "":
			originalName = filepath.Base(req.InputPath)
			sourcePath = h.uploadPath(uploadID, originalName)
			err = h.copyLocalInput(req.InputPath, sourcePath)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "input_path or input_url is required"})
			return
		}
		if err != nil {
			task.RemoveIfExists(h.logger, sourcePath)
			status := http.StatusBadRequest
			if errors.Is(err, errInputTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			c.JSON(status, gin.H{"error": fmt.Sprintf("Failed to prepare input: %v", err)})
			return
		}
	}

	name := req.OutputFilename
	if name == "" {
		name = originalName
	}
	if req.FPS == 0 {
		req.FPS = h.cfg.DefaultFPS
	}
	if req.Width == 0 {
		req.Width = h.cfg.DefaultWidth
	}

	id, err := h.taskManager.Submit(c.Request.Context(), task.Request{
		SourcePath:      sourcePath,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		FrameRate:       req.FPS,
		Width:           req.Width,
		HighQuality:     req.HighQuality,
		DestinationPath: filepath.Join(h.cfg.OutputDir, uploadID+"_"+SanitizeFilename(name)),
	})
	if err != nil {
		// No job took ownership of the upload.
		task.RemoveIfExists(h.logger, sourcePath)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     id,
		"status_url": h.baseURL(c) + "/api/v1/jobs/" + id,
	})
}

// handleListJobs lists all jobs.
func (h *Handler) handleListJobs(c *gin.Context) {
	snaps := h.taskManager.List()
	out := make([]jobResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, h.newJobResponse(c, s))
	}
	c.JSON(http.StatusOK, out)
}

// handleGetJobStatus retrieves the status of a single job.
func (h *Handler) handleGetJobStatus(c *gin.Context) {
	snap, found := h.taskManager.Get(c.Param("jobId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, h.newJobResponse(c, snap))
}

// handleGetFile serves a finished GIF, deleting it afterwards when DELETE_AFTER_DOWNLOAD is set.
func (h *Handler) handleGetFile(c *gin.Context) {
	filename := c.Param("filename")
	filePath, err := h.taskManager.GetFilePath(filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.FileAttachment(filePath, filename)

	if h.cfg.DeleteAfterDownload && c.Writer.Status() == http.StatusOK {
		task.RemoveIfExists(h.logger, filePath)
	}
}

func (h *Handler) newJobResponse(c *gin.Context, s task.Snapshot) jobResponse {
	resp := jobResponse{Snapshot: s}
	if s.State == task.StateSuccess && s.ArtifactPath != "" {
		base := h.baseURL(c)
		resp.DownloadURL = fmt.Sprintf("%s/api/v1/files/%s", base, filepath.Base(s.ArtifactPath))
		resp.PreviewURL = fmt.Sprintf("%s/api/v1/jobs/%s/preview", base, s.ID)
	}
	return resp
}

func (h *Handler) baseURL(c *gin.Context) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(baseURL, "/")
}

func (h *Handler) uploadPath(uploadID, originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return filepath.Join(h.cfg.UploadDir, uploadID+ext)
}

// copyLocalInput copies a file the server can read into UPLOAD_DIR so the job
// can own (and later delete) its copy.
func (h *Handler) copyLocalInput(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("could not open local input file: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	if h.cfg.MaxInputSize > 0 && info.Size() > h.cfg.MaxInputSize {
		return fmt.Errorf("%w: %d > %d bytes", errInputTooLarge, info.Size(), h.cfg.MaxInputSize)
	}
	return writeLimited(dst, srcFile, h.cfg.MaxInputSize)
}

// downloadInput fetches an http(s) URL into UPLOAD_DIR.
func (h *Handler) downloadInput(c *gin.Context, url, dst string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("unsupported URL scheme")
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download file, status: %s", resp.Status)
	}
	return writeLimited(dst, resp.Body, h.cfg.MaxInputSize)
}

func writeLimited(dst string, r io.Reader, limit int64) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if limit > 0 {
		r = &io.LimitedReader{R: r, N: limit + 1}
	}
	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write input file: %w", err)
	}
	if limit > 0 && written > limit {
		return fmt.Errorf("%w of %d bytes", errInputTooLarge, limit)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrValidation), errors.Is(err, task.ErrWindow):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrProbe):
		return http.StatusUnprocessableEntity
	case errors.Is(err, task.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SanitizeFilename turns a client supplied name into a safe "<name>.gif".
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	if name == "" {
		name = "output"
	}
	return name + ".gif"
}
