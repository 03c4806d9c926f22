package server

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codesdk/codesdk/internal/artifact"
	"github.com/codesdk/codesdk/internal/bundle"
	"github.com/codesdk/codesdk/internal/common/config"
	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/common/logger"
	"github.com/codesdk/codesdk/internal/engine"
	"github.com/codesdk/codesdk/internal/events/store"
	"github.com/codesdk/codesdk/internal/runtime"
	"github.com/codesdk/codesdk/internal/session"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// Handler serves the daemon's HTTP API.
type Handler struct {
	sessions  *session.Manager
	engine    *engine.Engine
	store     *store.Store
	artifacts *artifact.Store
	registry  *runtime.Registry
	cfg       config.ServerConfig
	logger    *logger.Logger

	tasks *taskTracker

	// streamClients counts connected SSE and WS subscribers against
	// cfg.MaxSSEClients.
	streamClients atomic.Int64
}

// NewHandler creates the API handler.
func NewHandler(
	sessions *session.Manager,
	eng *engine.Engine,
	st *store.Store,
	artifacts *artifact.Store,
	registry *runtime.Registry,
	cfg config.ServerConfig,
	log *logger.Logger,
) *Handler {
	return &Handler{
		sessions:  sessions,
		engine:    eng,
		store:     st,
		artifacts: artifacts,
		registry:  registry,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "http-api")),
		tasks:     newTaskTracker(),
	}
}

// taskTracker maps (session, task) to the engine handle so stop and
// introspection can reach running tasks.
type taskTracker struct {
	mu    sync.RWMutex
	tasks map[string]*engine.Task
}

func newTaskTracker() *taskTracker {
	return &taskTracker{tasks: make(map[string]*engine.Task)}
}

func trackerKey(sessionID, taskID string) string {
	return sessionID + "/" + taskID
}

func (tt *taskTracker) add(task *engine.Task) {
	key := trackerKey(task.SessionID, task.TaskID)
	tt.mu.Lock()
	tt.tasks[key] = task
	tt.mu.Unlock()

	// Drop the handle once the terminal event is in; status queries derive
	// from the store, so only stop needs a live handle.
	go func() {
		<-task.Done()
		tt.mu.Lock()
		delete(tt.tasks, key)
		tt.mu.Unlock()
	}()
}

func (tt *taskTracker) get(sessionID, taskID string) (*engine.Task, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	task, ok := tt.tasks[trackerKey(sessionID, taskID)]
	return task, ok
}

// activeTask returns the id of the session's currently running task, if any.
func (tt *taskTracker) activeTask(sessionID string) string {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	for _, task := range tt.tasks {
		if task.SessionID == sessionID && task.Status() == v1.TaskStatusRunning {
			return task.TaskID
		}
	}
	return ""
}

// Root returns daemon identity and enabled runtimes.
// GET /
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"name":     "codesdk",
		"runtimes": h.registry.Names(),
	})
}

// Health reports per-runtime health.
// GET /health[?runtime=X]
func (h *Handler) Health(c *gin.Context) {
	if name := c.Query("runtime"); name != "" {
		rec, err := h.runtimeHealth(c, name)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
		return
	}

	records := make([]RuntimeHealth, 0, len(h.registry.Names()))
	ok := true
	for _, name := range h.registry.Names() {
		rec, err := h.runtimeHealth(c, name)
		if err != nil {
			continue
		}
		if !rec.Ok {
			ok = false
		}
		records = append(records, *rec)
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":       ok,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"runtimes": records,
	})
}

func (h *Handler) runtimeHealth(c *gin.Context, name string) (*RuntimeHealth, error) {
	adapter, err := h.registry.Get(name)
	if err != nil {
		return nil, apperrors.NotFound("runtime", name)
	}

	rec := &RuntimeHealth{
		Ok:           true,
		Runtime:      adapter.Name(),
		Time:         time.Now().UTC().Format(time.RFC3339),
		Capabilities: adapter.Capabilities(),
	}
	auth, err := h.registry.AuthStatus(c.Request.Context(), adapter.Name(), nil)
	if err == nil {
		rec.Auth = auth
		rec.Ok = auth.Ok
	} else if err != runtime.ErrNotSupported {
		rec.Ok = false
	}
	return rec, nil
}

// Capabilities returns a runtime's capability record.
// GET /capabilities[?runtime=X]
func (h *Handler) Capabilities(c *gin.Context) {
	adapter, err := h.registry.Get(c.Query("runtime"))
	if err != nil {
		respondError(c, apperrors.NotFound("runtime", c.Query("runtime")))
		return
	}
	c.JSON(http.StatusOK, adapter.Capabilities())
}

// AuthStatus returns a runtime's credential status.
// GET /auth/status[?runtime=X]
func (h *Handler) AuthStatus(c *gin.Context) {
	adapter, err := h.registry.Get(c.Query("runtime"))
	if err != nil {
		respondError(c, apperrors.NotFound("runtime", c.Query("runtime")))
		return
	}
	status, err := h.registry.AuthStatus(c.Request.Context(), adapter.Name(), nil)
	if err != nil {
		respondError(c, apperrors.AuthError(adapter.Name()))
		return
	}
	c.JSON(http.StatusOK, status)
}

// CreateSession creates a session.
// POST /sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), session.CreateRequest{
		Runtime:             req.Runtime,
		CredentialNamespace: req.CredentialNamespace,
		IsolationLevel:      req.IsolationLevel,
		IsolationMode:       req.IsolationMode,
		Cwd:                 req.Cwd,
		Env:                 req.Env,
		Model:               req.Model,
		PermissionMode:      v1.PermissionMode(req.PermissionMode),
		RuntimeConfig:       req.RuntimeConfig,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID:        sess.ID,
		Runtime:          sess.Runtime,
		RuntimeSessionID: sess.RuntimeSessionID,
		CreatedAt:        sess.CreatedAt.Format(time.RFC3339),
	})
}

// ListSessions returns sessions in creation order.
// GET /sessions?limit&after
func (h *Handler) ListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sessions, nextAfter := h.sessions.List(c.Query("after"), limit)

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, h.summarize(sess))
	}
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: out, NextAfter: nextAfter})
}

// GetSession returns one session's summary.
// GET /sessions/{id}
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.summarize(sess))
}

func (h *Handler) summarize(sess *session.Session) SessionSummary {
	return SessionSummary{
		SessionID:           sess.ID,
		Runtime:             sess.Runtime,
		RuntimeSessionID:    sess.RuntimeSessionID,
		PermissionMode:      string(sess.PermissionMode),
		Model:               sess.Model,
		CredentialNamespace: sess.CredentialNamespace,
		CreatedAt:           sess.CreatedAt.Format(time.RFC3339),
		QueueDepth:          h.engine.QueueDepth(sess.ID),
		ActiveTask:          h.tasks.activeTask(sess.ID),
	}
}

// StartTask starts a task in a session; 202 means admitted, not finished.
// POST /sessions/{id}/tasks
func (h *Handler) StartTask(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}

	var req StartTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	task, err := h.engine.StartTask(c.Request.Context(), engine.TaskInput{
		Session:        sess,
		TaskID:         req.TaskID,
		Messages:       req.Messages,
		ToolManifest:   req.ToolManifest,
		PermissionMode: v1.PermissionMode(req.PermissionMode),
		RuntimeConfig:  req.RuntimeConfig,
		Overrides:      req.PolicyOverrides,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	h.tasks.add(task)

	c.JSON(http.StatusAccepted, StartTaskResponse{
		SessionID: sess.ID,
		TaskID:    task.TaskID,
		Status:    "started",
	})
}

// GetTaskStatus derives a task's status from its stored events.
// GET /sessions/{id}/tasks/{taskId}
func (h *Handler) GetTaskStatus(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	status, lastSeq, err := h.store.TaskStatus(c.Request.Context(), sess.ID, c.Param("taskId"))
	if err != nil {
		respondError(c, apperrors.Internal("failed to derive task status", err))
		return
	}
	c.JSON(http.StatusOK, TaskStatusResponse{Status: string(status), LastSeq: lastSeq})
}

// StopTask requests cancellation of a running task.
// POST /sessions/{id}/tasks/{taskId}/stop
func (h *Handler) StopTask(c *gin.Context) {
	sessionID := c.Param("sessionId")
	taskID := c.Param("taskId")
	if _, err := h.sessions.Get(sessionID); err != nil {
		respondError(c, err)
		return
	}

	task, ok := h.tasks.get(sessionID, taskID)
	if !ok {
		respondError(c, apperrors.NotFound("task", taskID))
		return
	}

	var req StopTaskRequest
	_ = c.ShouldBindJSON(&req)

	task.Stop(c.Request.Context(), req.Reason)
	c.JSON(http.StatusOK, gin.H{"ok": true, "task_id": taskID})
}

// ApproveToolCall approves a pending tool call.
// POST /sessions/{id}/tool-calls/{tool_call_id}/approve
func (h *Handler) ApproveToolCall(c *gin.Context) {
	h.resolveToolCall(c, true)
}

// DenyToolCall denies a pending tool call.
// POST /sessions/{id}/tool-calls/{tool_call_id}/deny
func (h *Handler) DenyToolCall(c *gin.Context) {
	h.resolveToolCall(c, false)
}

func (h *Handler) resolveToolCall(c *gin.Context, approve bool) {
	sessionID := c.Param("sessionId")
	toolCallID := c.Param("toolCallId")
	if _, err := h.sessions.Get(sessionID); err != nil {
		respondError(c, err)
		return
	}

	var req ToolDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	var err error
	if approve {
		err = h.engine.ApproveToolCall(sessionID, toolCallID, req.Attempt, req.InputHash)
	} else {
		err = h.engine.DenyToolCall(sessionID, toolCallID, req.Attempt, req.InputHash, req.Reason)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tool_call_id": toolCallID})
}

// GetArtifact serves an artifact's bytes with its stored content type.
// GET /artifacts/{id}
func (h *Handler) GetArtifact(c *gin.Context) {
	h.serveArtifact(c, false)
}

// DownloadArtifact serves an artifact as an attachment.
// GET /artifacts/{id}/download
func (h *Handler) DownloadArtifact(c *gin.Context) {
	h.serveArtifact(c, true)
}

func (h *Handler) serveArtifact(c *gin.Context, download bool) {
	data, meta, err := h.artifacts.Get(c.Param("artifactId"))
	if err != nil {
		respondError(c, err)
		return
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if download {
		name := meta.Name
		if name == "" {
			name = meta.ArtifactID
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	c.Data(http.StatusOK, contentType, data)
}

// SupportBundle streams a gzip tarball of the session's events, task summary,
// and redacted artifacts.
// GET /sessions/{id}/support-bundle?task_id=
func (h *Handler) SupportBundle(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "codesdk-bundle-"+sess.ID+".tar.gz"))

	if err := bundle.Write(c.Request.Context(), c.Writer, h.store, h.artifacts, bundle.Options{
		SessionID: sess.ID,
		TaskID:    c.Query("task_id"),
	}); err != nil {
		// Headers are already out; all we can do is log and cut the stream.
		h.logger.WithSessionID(sess.ID).WithError(err).Error("support bundle failed")
		c.Abort()
	}
}
