package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"gravity/internal/downloader"
	"gravity/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type createTaskRequest struct {
	URL    string         `json:"url" binding:"required"`
	Format string         `json:"format"`
	Type   task.MediaType `json:"type"`
}

type probeRequest struct {
	URL string `json:"url" binding:"required"`
}

type listResponse struct {
	Tasks      []*task.Task `json:"tasks"`
	Pagination pagination   `json:"pagination"`
}

type pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

type API struct {
	tasks       *task.Manager
	allowAnyURL bool
}

func NewAPI(tasks *task.Manager, allowAnyURL bool) *API {
	return &API{tasks: tasks, allowAnyURL: allowAnyURL}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", a.Health)
	api := router.Group("/api/v1")
	{
		api.POST("/tasks", a.CreateTask)
		api.GET("/tasks", a.ListTasks)
		api.GET("/tasks/:id", a.GetTask)
		api.DELETE("/tasks/:id", a.DeleteTask)
		api.GET("/tasks/:id/file", a.DownloadFile)
		api.GET("/history", a.History)
		api.POST("/probe", a.Probe)
	}
}

// CreateTask validates the URL, runs the synchronous metadata pre-check
// and enqueues the download. Validation failures create no state.
func (a *API) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := validateURL(req.URL, a.allowAnyURL); err != nil {
		log.Warn().Str("url", req.URL).Err(err).Msg("rejected task submission")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type != "" && req.Type != task.MediaVideo && req.Type != task.MediaAudio {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be video or audio"})
		return
	}

	created, err := a.tasks.Submit(c.Request.Context(), req.URL, req.Format, req.Type)
	if err != nil {
		a.renderSubmitError(c, req.URL, err)
		return
	}
	log.Info().Str("task_id", created.ID).Str("url", created.URL).Msg("task created")
	c.JSON(http.StatusCreated, created)
}

func (a *API) renderSubmitError(c *gin.Context, url string, err error) {
	var toolErr *downloader.ToolError
	switch {
	case errors.As(err, &toolErr):
		log.Warn().Str("url", url).Str("cause", toolErr.Message).Msg("metadata pre-check failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": toolErr.Message})
	case errors.Is(err, task.ErrQueueClosed), errors.Is(err, task.ErrQueueFull):
		log.Warn().Str("url", url).Err(err).Msg("queue rejected task")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "the service cannot accept downloads right now, try again later"})
	default:
		log.Error().Str("url", url).Err(err).Msg("task submission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "the service failed to create the task"})
	}
}

// GetTask returns the current record; clients poll this on an interval.
func (a *API) GetTask(c *gin.Context) {
	id := c.Param("id")
	t, err := a.tasks.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		log.Error().Str("task_id", id).Err(err).Msg("get task failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *API) ListTasks(c *gin.Context) {
	limit := intQuery(c, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := a.tasks.ListRecent(c.Request.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("list tasks failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, listResponse{
		Tasks:      tasks,
		Pagination: pagination{Limit: limit, Offset: offset, Total: total},
	})
}

// DeleteTask removes the record and the artifact if one exists.
func (a *API) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := a.tasks.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		log.Error().Str("task_id", id).Err(err).Msg("delete task failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// DownloadFile streams the completed artifact as an attachment.
func (a *API) DownloadFile(c *gin.Context) {
	id := c.Param("id")
	t, err := a.tasks.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		log.Error().Str("task_id", id).Err(err).Msg("get task for download failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	if t.Status != task.StatusCompleted || t.FilePath == "" {
		log.Warn().Str("task_id", id).Str("status", string(t.Status)).Msg("file not ready to download")
		c.JSON(http.StatusBadRequest, gin.H{"error": "download is not completed yet"})
		return
	}
	c.FileAttachment(t.FilePath, downloadName(t))
}

func downloadName(t *task.Task) string {
	ext := filepath.Ext(t.FilePath)
	base := sanitizeFilename(t.Title)
	if base == "" {
		base = t.ID
	}
	return base + ext
}

func (a *API) History(c *gin.Context) {
	limit := intQuery(c, "limit", 0)
	entries, err := a.tasks.ListHistory(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("list history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "total": len(entries)})
}

// Probe returns metadata for a URL without creating a task.
func (a *API) Probe(c *gin.Context) {
	var req probeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := validateURL(req.URL, a.allowAnyURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	meta, err := a.tasks.Probe(c.Request.Context(), req.URL)
	if err != nil {
		var toolErr *downloader.ToolError
		if errors.As(err, &toolErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": toolErr.Message})
			return
		}
		log.Error().Str("url", req.URL).Err(err).Msg("probe failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch video information"})
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
