package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/notify"
	"courier/internal/orchestrator"
	"courier/internal/worker"
)

const (
	maxMessageBytes   = 64 << 10
	defaultHeartbeat  = 15 * time.Second
	userIDPatternText = `^[A-Za-z0-9._@:-]{1,128}$`
)

var userIDPattern = regexp.MustCompile(userIDPatternText)

// Queue accepts messages into per-user lanes.
type Queue interface {
	Enqueue(userID, payload string) (models.QueueEntry, error)
	LaneStats(userID string) worker.LaneStats
}

// Controller exposes the session controls.
type Controller interface {
	Reset(ctx context.Context, userID string) orchestrator.ResetReport
	Status(userID string) orchestrator.Status
	Usage(userID string) metrics.Usage
	SetWorkspace(userID, dir string) (string, error)
	Rejected(userID string)
}

// TaskView reads the background task registry.
type TaskView interface {
	ListActive() []models.BackgroundTask
	Status(id string) (models.BackgroundTask, bool)
}

// Handler wires HTTP routes to the queue, the orchestrator controls and the reply hub.
type Handler struct {
	queue     Queue
	control   Controller
	tasks     TaskView
	hub       *notify.Hub
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	heartbeat time.Duration
}

// Options carries the optional parts of a Handler.
type Options struct {
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	Heartbeat time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(queue Queue, control Controller, tasks TaskView, hub *notify.Hub, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		queue:     queue,
		control:   control,
		tasks:     tasks,
		hub:       hub,
		gatherer:  opts.Gatherer,
		logger:    opts.Logger.With("component", "api"),
		heartbeat: opts.Heartbeat,
	}
}

// requirePathUser rejects malformed user ids before any handler runs.
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !userIDPattern.MatchString(c.Param("id")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		c.Next()
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:task_id", h.getTask)

	userRoutes := api.Group("/users/:id")
	userRoutes.Use(h.requirePathUser())
	userRoutes.POST("/messages", h.postMessage)
	userRoutes.GET("/events", h.streamEvents)
	userRoutes.POST("/reset", h.reset)
	userRoutes.GET("/status", h.status)
	userRoutes.GET("/usage", h.usage)
	userRoutes.PUT("/workspace", h.setWorkspace)
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) postMessage(c *gin.Context) {
	userID := c.Param("id")
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxMessageBytes)
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	entry, err := h.queue.Enqueue(userID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrQueueFull):
			h.control.Rejected(userID)
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "queue_full", "message": err.Error()})
		case errors.Is(err, worker.ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"request_id":  entry.ID,
		"user_id":     entry.UserID,
		"enqueued_at": entry.EnqueuedAt,
		"queue":       h.queue.LaneStats(userID),
	})
}

// streamEvents pushes the reply backlog and then every new reply as SSE
// until the client goes away.
func (h *Handler) streamEvents(c *gin.Context) {
	userID := c.Param("id")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	backlog, replies, cancel := h.hub.Subscribe(userID)
	defer cancel()
	for _, r := range backlog {
		if err := sendEvent("reply", r); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-replies:
			if err := sendEvent("reply", r); err != nil {
				h.logger.Debug("sse write failed", "user_id", userID, "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) reset(c *gin.Context) {
	userID := c.Param("id")
	report := h.control.Reset(c.Request.Context(), userID)
	h.hub.Forget(userID)
	c.JSON(http.StatusOK, report)
}

type statusResponse struct {
	orchestrator.Status
	Queue worker.LaneStats `json:"queue"`
}

func (h *Handler) status(c *gin.Context) {
	userID := c.Param("id")
	c.JSON(http.StatusOK, statusResponse{
		Status: h.control.Status(userID),
		Queue:  h.queue.LaneStats(userID),
	})
}

func (h *Handler) usage(c *gin.Context) {
	c.JSON(http.StatusOK, h.control.Usage(c.Param("id")))
}

func (h *Handler) setWorkspace(c *gin.Context) {
	var req struct {
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	abs, err := h.control.SetWorkspace(c.Param("id"), req.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": abs})
}

func (h *Handler) listTasks(c *gin.Context) {
	active := h.tasks.ListActive()
	if user := c.Query("user_id"); user != "" {
		filtered := make([]models.BackgroundTask, 0, len(active))
		for _, t := range active {
			if t.UserID == user {
				filtered = append(filtered, t)
			}
		}
		active = filtered
	}
	c.JSON(http.StatusOK, gin.H{"tasks": active})
}

func (h *Handler) getTask(c *gin.Context) {
	task, ok := h.tasks.Status(c.Param("task_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}
