package backend

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const heartbeatInterval = 15 * time.Second

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
}

type taskResponse struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	Status      Status `json:"status"`
	Percent     int    `json:"percent"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	DownloadURL string `json:"download_url,omitempty"`
}

// API serves the conversion contract consumed by the tracking client.
type API struct {
	manager        *Manager
	maxUploadBytes int64
}

// NewAPI creates handlers; maxUploadBytes <= 0 disables the size check.
func NewAPI(manager *Manager, maxUploadBytes int64) *API {
	return &API{manager: manager, maxUploadBytes: maxUploadBytes}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/tools", a.ListTools)
		api.POST("/tools/:tool", a.SubmitTask)
	}
	tasks := router.Group("/tasks")
	{
		tasks.GET("/:id", a.GetTask)
		tasks.GET("/:id/stream", a.StreamTask)
		tasks.POST("/:id/cancel", a.CancelTask)
		tasks.GET("/:id/download", a.DownloadResult)
	}
}

// ListTools returns the registered tool names.
func (a *API) ListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": a.manager.Tools()})
}

// SubmitTask accepts a multipart upload in field "file" and starts a job.
// Any other form values are handed to the processor as fields.
func (a *API) SubmitTask(c *gin.Context) {
	tool := c.Param("tool")
	header, err := c.FormFile("file")
	if err != nil {
		log.Warn().Str("tool", tool).Err(err).Msg("submission without file")
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrNoFile.Error()})
		return
	}
	if a.maxUploadBytes > 0 && header.Size > a.maxUploadBytes {
		log.Warn().Str("tool", tool).Int64("size", header.Size).Msg("upload too large")
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	upload, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload"})
		return
	}
	defer upload.Close()

	fields := make(map[string]string)
	if form := c.Request.MultipartForm; form != nil {
		for key, values := range form.Value {
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}
	}

	job, err := a.manager.Submit(tool, header.Filename, upload, fields)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownTool):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrBusy):
		log.Warn().Str("tool", tool).Msg("rejecting submission: server is at max concurrency")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	default:
		log.Error().Str("tool", tool).Err(err).Msg("submission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed"})
		return
	}

	log.Info().Str("task_id", job.ID).Str("tool", tool).Int64("size", job.OriginalSize).Msg("task submitted")
	c.JSON(http.StatusAccepted, submitResponse{TaskID: job.ID, Status: job.Status})
}

// GetTask returns the current job status.
func (a *API) GetTask(c *gin.Context) {
	id := c.Param("id")
	job, ok := a.manager.GetJob(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrTaskNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(job))
}

// CancelTask stops a running job. The stream reports the outcome.
func (a *API) CancelTask(c *gin.Context) {
	id := c.Param("id")
	job, err := a.manager.Cancel(id)
	if err != nil {
		log.Warn().Str("task_id", id).Msg("task not found on cancel")
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{TaskID: job.ID, Status: job.Status})
}

// DownloadResult serves the produced file once the job completed.
func (a *API) DownloadResult(c *gin.Context) {
	id := c.Param("id")
	job, ok := a.manager.GetJob(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrTaskNotFound.Error()})
		return
	}
	if job.Status != StatusCompleted || job.OutputPath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": ErrNotReady.Error()})
		return
	}
	log.Info().Str("task_id", id).Str("path", job.OutputPath).Msg("serving result download")
	c.FileAttachment(job.OutputPath, job.OutputName)
}

// StreamTask pushes progress as server-sent events. It replays the latest
// progress first and always ends with exactly one complete, cancelled or
// error event; a job that finished before the client connected gets its
// terminal event immediately.
func (a *API) StreamTask(c *gin.Context) {
	id := c.Param("id")
	job, updates, unsubscribe, err := a.manager.Watch(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if updates == nil {
		emit(c, terminalEvent(job))
		return
	}
	emit(c, progressEvent(Update{Percent: job.Percent, Message: job.Message}))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				final, _ := a.manager.GetJob(id)
				emit(c, terminalEvent(final))
				return
			}
			emit(c, progressEvent(u))
		case <-heartbeat.C:
			_, _ = c.Writer.WriteString(": keep-alive\n\n")
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			log.Debug().Str("task_id", id).Msg("stream client went away")
			return
		}
	}
}

func emit(c *gin.Context, ev sse.Event) {
	c.Render(-1, ev)
	c.Writer.Flush()
}

func progressEvent(u Update) sse.Event {
	return sse.Event{Event: "progress", Data: gin.H{"percent": u.Percent, "message": u.Message}}
}

func terminalEvent(job Job) sse.Event {
	switch job.Status {
	case StatusCompleted:
		return sse.Event{Event: "complete", Data: gin.H{
			"success":        true,
			"download_url":   downloadURL(job.ID),
			"filename":       job.OutputName,
			"original_size":  job.OriginalSize,
			"processed_size": job.ProcessedSize,
			"data":           gin.H{"tool": job.Tool},
		}}
	case StatusCancelled:
		return sse.Event{Event: "cancelled", Data: gin.H{"message": "Cancelled"}}
	default:
		msg := job.Error
		if msg == "" {
			msg = "Processing failed"
		}
		return sse.Event{Event: "error", Data: gin.H{"message": msg, "code": "processing_failed"}}
	}
}

func downloadURL(jobID string) string {
	return "/tasks/" + jobID + "/download"
}

func toTaskResponse(job Job) taskResponse {
	resp := taskResponse{
		ID:        job.ID,
		Tool:      job.Tool,
		Status:    job.Status,
		Percent:   job.Percent,
		Message:   job.Message,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.Status == StatusCompleted {
		resp.DownloadURL = downloadURL(job.ID)
	}
	return resp
}
