// Package engine orchestrates task execution: it drives runtime adapters,
// enforces the approval policy, executes external tools, and is the only
// writer of task events to the store.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codesdk/codesdk/internal/artifact"
	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/common/logger"
	"github.com/codesdk/codesdk/internal/events/store"
	"github.com/codesdk/codesdk/internal/metrics"
	"github.com/codesdk/codesdk/internal/policy"
	"github.com/codesdk/codesdk/internal/runtime"
	"github.com/codesdk/codesdk/internal/session"
	"github.com/codesdk/codesdk/internal/tools"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// Config tunes the engine's limits.
type Config struct {
	// MaxInflightTasks bounds running plus queued tasks across all sessions.
	MaxInflightTasks int

	// InlineResultLimit is the serialized tool-result size above which the
	// result is offloaded to the artifact store.
	InlineResultLimit int

	// ResultPreviewLen caps the preview attached to offloaded results.
	ResultPreviewLen int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxInflightTasks:  32,
		InlineResultLimit: 8000,
		ResultPreviewLen:  512,
	}
}

// Engine runs tasks.
type Engine struct {
	registry  *runtime.Registry
	store     *store.Store
	artifacts *artifact.Store
	executor  tools.Executor
	cfg       Config
	logger    *logger.Logger

	locks   *sessionLocks
	pending *pendingApprovals

	inflight atomic.Int64
}

// New creates an engine.
func New(registry *runtime.Registry, st *store.Store, artifacts *artifact.Store, executor tools.Executor, cfg Config, log *logger.Logger) *Engine {
	if cfg.MaxInflightTasks <= 0 {
		cfg.MaxInflightTasks = 32
	}
	if cfg.InlineResultLimit <= 0 {
		cfg.InlineResultLimit = 8000
	}
	if cfg.ResultPreviewLen <= 0 {
		cfg.ResultPreviewLen = 512
	}
	return &Engine{
		registry:  registry,
		store:     st,
		artifacts: artifacts,
		executor:  executor,
		cfg:       cfg,
		logger:    log,
		locks:     newSessionLocks(),
		pending:   newPendingApprovals(),
	}
}

// TaskInput describes one task to run.
type TaskInput struct {
	Session        *session.Session
	TaskID         string
	Messages       []v1.Message
	ToolManifest   []v1.ToolSpec
	PermissionMode v1.PermissionMode
	RuntimeConfig  map[string]any
	Overrides      *policy.Overrides
}

// Task is the engine-side handle for a started task.
type Task struct {
	SessionID string
	TaskID    string

	engine *Engine
	state  *taskState
}

// Done is closed once the task's terminal event has been appended.
func (t *Task) Done() <-chan struct{} { return t.state.done }

// Status returns the task's current derived status.
func (t *Task) Status() v1.TaskStatus { return t.state.getStatus() }

// Stop requests cancellation. Best-effort: in-flight work may complete, but
// exactly one terminal event is still appended.
func (t *Task) Stop(ctx context.Context, reason string) {
	t.engine.stopTask(ctx, t.state, reason)
}

type taskState struct {
	sessionID string
	taskID    string
	runtime   v1.RuntimeInfo
	mode      v1.PermissionMode
	overrides *policy.Overrides
	manifest  map[string]v1.ToolSpec

	adapterMu sync.Mutex
	adapter   runtime.TaskHandle

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopMu     sync.Mutex
	stopReason string

	terminalOnce    sync.Once
	terminalEmitted atomic.Bool

	fatalMu  sync.Mutex
	fatalErr *apperrors.AppError

	statusMu sync.Mutex
	status   v1.TaskStatus

	done chan struct{}
}

func (ts *taskState) stopped() bool {
	select {
	case <-ts.stopCh:
		return true
	default:
		return false
	}
}

func (ts *taskState) getStopReason() string {
	ts.stopMu.Lock()
	defer ts.stopMu.Unlock()
	return ts.stopReason
}

func (ts *taskState) setAdapter(h runtime.TaskHandle) {
	ts.adapterMu.Lock()
	ts.adapter = h
	ts.adapterMu.Unlock()
}

func (ts *taskState) getAdapter() runtime.TaskHandle {
	ts.adapterMu.Lock()
	defer ts.adapterMu.Unlock()
	return ts.adapter
}

// fatal records the first task-fatal error.
func (ts *taskState) fatal(err *apperrors.AppError) {
	ts.fatalMu.Lock()
	if ts.fatalErr == nil {
		ts.fatalErr = err
	}
	ts.fatalMu.Unlock()
}

func (ts *taskState) getFatal() *apperrors.AppError {
	ts.fatalMu.Lock()
	defer ts.fatalMu.Unlock()
	return ts.fatalErr
}

func (ts *taskState) getStatus() v1.TaskStatus {
	ts.statusMu.Lock()
	defer ts.statusMu.Unlock()
	return ts.status
}

func (ts *taskState) setStatus(s v1.TaskStatus) {
	ts.statusMu.Lock()
	ts.status = s
	ts.statusMu.Unlock()
}

// StartTask admits the task and returns a handle immediately; the run
// proceeds under the session's FIFO lock on its own goroutine.
func (e *Engine) StartTask(ctx context.Context, in TaskInput) (*Task, error) {
	if in.Session == nil {
		return nil, apperrors.BadRequest("task requires a session")
	}
	if len(in.Messages) == 0 {
		return nil, apperrors.BadRequest("task requires at least one message")
	}

	mode := in.PermissionMode
	if mode == "" {
		mode = in.Session.PermissionMode
	}
	if !mode.IsValid() {
		return nil, apperrors.BadRequest("invalid permission mode")
	}

	// Reserve the slot first so concurrent starts cannot both pass the cap.
	if int(e.inflight.Add(1)) > e.cfg.MaxInflightTasks {
		e.inflight.Add(-1)
		metrics.Backpressure.WithLabelValues("task_admission").Inc()
		return nil, apperrors.Backpressure("too many in-flight tasks")
	}

	taskID := in.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	manifest := make(map[string]v1.ToolSpec, len(in.ToolManifest))
	for _, spec := range in.ToolManifest {
		manifest[spec.Name] = spec
	}

	ts := &taskState{
		sessionID: in.Session.ID,
		taskID:    taskID,
		runtime: v1.RuntimeInfo{
			Name:             in.Session.Runtime,
			Model:            in.Session.Model,
			RuntimeSessionID: in.Session.RuntimeSessionID,
		},
		mode:      mode,
		overrides: in.Overrides,
		manifest:  manifest,
		stopCh:    make(chan struct{}),
		status:    v1.TaskStatusQueued,
		done:      make(chan struct{}),
	}

	// The lock position is taken synchronously so back-to-back starts on one
	// session serialize in call order; the run outlives the starting request.
	wait, release := e.locks.enqueue(in.Session.ID)
	go e.runTask(context.Background(), ts, in, wait, release)

	return &Task{SessionID: in.Session.ID, TaskID: taskID, engine: e, state: ts}, nil
}

// ApproveToolCall resolves a pending approval after identity checks.
func (e *Engine) ApproveToolCall(sessionID, toolCallID string, attempt int, inputHash string) error {
	return e.pending.resolve(sessionID, toolCallID, attempt, inputHash, true, "")
}

// DenyToolCall resolves a pending approval as a denial.
func (e *Engine) DenyToolCall(sessionID, toolCallID string, attempt int, inputHash, reason string) error {
	if reason == "" {
		reason = "denied by user"
	}
	return e.pending.resolve(sessionID, toolCallID, attempt, inputHash, false, reason)
}

// QueueDepth reports how many tasks hold or await the session's lock.
func (e *Engine) QueueDepth(sessionID string) int {
	return e.locks.depth(sessionID)
}

func (e *Engine) stopTask(ctx context.Context, ts *taskState, reason string) {
	if reason == "" {
		reason = "stopped"
	}
	ts.stopOnce.Do(func() {
		ts.stopMu.Lock()
		ts.stopReason = reason
		ts.stopMu.Unlock()
		close(ts.stopCh)

		e.pending.endTask(ts.sessionID, ts.taskID, reason)
		if adapter := ts.getAdapter(); adapter != nil {
			// The stop must outlive the requesting client; a disconnect right
			// after POST .../stop may not cancel it mid-flight.
			if err := adapter.Stop(context.WithoutCancel(ctx), reason); err != nil {
				e.taskLogger(ts).WithError(err).Warn("adapter stop failed")
			}
		}
	})
}

func (e *Engine) taskLogger(ts *taskState) *logger.Logger {
	return e.logger.WithSessionID(ts.sessionID).WithTaskID(ts.taskID)
}

func (e *Engine) runTask(ctx context.Context, ts *taskState, in TaskInput, wait, release func()) {
	log := e.taskLogger(ts)

	metrics.TasksQueued.WithLabelValues(ts.runtime.Name).Inc()
	wait()
	metrics.TasksQueued.WithLabelValues(ts.runtime.Name).Dec()
	metrics.TasksActive.WithLabelValues(ts.runtime.Name).Inc()
	started := time.Now()

	defer func() {
		release()
		metrics.TasksActive.WithLabelValues(ts.runtime.Name).Dec()
		metrics.TaskDuration.WithLabelValues(ts.runtime.Name).Observe(time.Since(started).Seconds())
		metrics.TasksCompleted.WithLabelValues(ts.runtime.Name, string(ts.getStatus())).Inc()
		e.pending.forgetTask(ts.sessionID, ts.taskID)
		e.inflight.Add(-1)
		close(ts.done)
	}()

	ts.setStatus(v1.TaskStatusRunning)
	e.append(ctx, ts, v1.EventTaskStarted, map[string]any{
		"permission_mode": ts.mode,
	})

	if ts.stopped() {
		e.emitTerminal(ctx, ts, v1.EventTaskStopped, v1.TaskTerminalPayload{
			Reason:    ts.getStopReason(),
			ErrorCode: apperrors.ErrCodeCancelled,
		})
		return
	}

	adapter, err := e.registry.Get(ts.runtime.Name)
	if err != nil {
		e.emitTerminal(ctx, ts, v1.EventTaskFailed, v1.TaskTerminalPayload{
			Error:     err.Error(),
			ErrorCode: apperrors.ErrCodeRuntimeError,
		})
		return
	}

	handle, err := adapter.StartTask(ctx, in.Session.Env, in.Session.Handle, runtime.StartTaskInput{
		TaskID:         ts.taskID,
		Messages:       in.Messages,
		ToolManifest:   in.ToolManifest,
		PermissionMode: ts.mode,
		RuntimeConfig:  in.RuntimeConfig,
	})
	if err != nil {
		log.WithError(err).Error("adapter failed to start task")
		e.emitTerminal(ctx, ts, v1.EventTaskFailed, v1.TaskTerminalPayload{
			Error:     err.Error(),
			ErrorCode: apperrors.ErrCodeRuntimeError,
			Retryable: true,
		})
		return
	}
	ts.setAdapter(handle)
	if ts.stopped() {
		_ = handle.Stop(ctx, ts.getStopReason())
	}

	external := false
	switch adapter.Capabilities().ToolExecutionModel {
	case v1.ToolExecExternalMCP, v1.ToolExecHybrid:
		external = true
	}

	runner := newToolRunner(func(req *v1.ToolCallRequestedPayload) {
		e.handleToolCall(ctx, ts, req)
	})

	var adapterTerminal *v1.Event
	for ev := range handle.Events() {
		if bad := validateAdapterEvent(ts, ev); bad != nil {
			ts.fatal(bad)
			break
		}
		if ev.Type.IsTerminal() {
			// Some runtimes emit their own terminals; recorded here and
			// appended after tool handlers drain so it stays last.
			adapterTerminal = ev
			break
		}
		if _, err := e.store.Append(ctx, ts.sessionID, ev); err != nil {
			log.WithError(err).Error("failed to append adapter event")
			ts.fatal(apperrors.Internal("failed to append adapter event", err))
			break
		}
		metrics.EventsAppended.WithLabelValues(string(ev.Type)).Inc()

		if external && ev.Type == v1.EventToolCallRequested {
			var req v1.ToolCallRequestedPayload
			if err := v1.DecodePayload(ev, &req); err != nil {
				ts.fatal(apperrors.InvalidEvent(err.Error()))
				break
			}
			runner.enqueue(&req)
		}
	}

	// If consumption stopped early, shut the adapter down and drain the
	// channel so its producer can exit.
	if ts.getFatal() != nil || adapterTerminal != nil {
		_ = handle.Stop(ctx, "engine detached")
		go func() {
			for range handle.Events() {
			}
		}()
	}

	endReason := "task ended"
	if ts.stopped() {
		endReason = ts.getStopReason()
	}
	e.pending.endTask(ts.sessionID, ts.taskID, endReason)

	runner.close()
	runner.wait()

	streamErr := handle.Err()
	switch {
	case adapterTerminal != nil:
		e.emitTerminal(ctx, ts, adapterTerminal.Type, adapterTerminal.Payload)
	case ts.getFatal() != nil:
		fatal := ts.getFatal()
		e.emitTerminal(ctx, ts, v1.EventTaskFailed, v1.TaskTerminalPayload{
			Error:     fatal.Message,
			ErrorCode: fatal.Code,
			Retryable: fatal.Retryable,
		})
	case ts.stopped():
		e.emitTerminal(ctx, ts, v1.EventTaskStopped, v1.TaskTerminalPayload{
			Reason:    ts.getStopReason(),
			ErrorCode: apperrors.ErrCodeCancelled,
		})
	case streamErr != nil:
		e.emitTerminal(ctx, ts, v1.EventTaskFailed, v1.TaskTerminalPayload{
			Error:     streamErr.Error(),
			ErrorCode: apperrors.ErrCodeRuntimeError,
			Retryable: true,
		})
	default:
		e.emitTerminal(ctx, ts, v1.EventTaskCompleted, v1.TaskTerminalPayload{
			Reason: "end_of_stream",
		})
	}
}

// validateAdapterEvent rejects malformed adapter events; any rejection is
// fatal to the task.
func validateAdapterEvent(ts *taskState, ev *v1.Event) *apperrors.AppError {
	if !ev.Type.IsValid() {
		return apperrors.InvalidEvent(fmt.Sprintf("unknown event type %q", ev.Type))
	}
	if ev.Trace.SessionID != "" && ev.Trace.SessionID != ts.sessionID {
		return apperrors.InvalidEvent("adapter event carries a foreign session id")
	}
	if ev.Trace.SessionID == "" {
		ev.Trace.SessionID = ts.sessionID
	}
	if ev.Trace.TaskID == "" {
		ev.Trace.TaskID = ts.taskID
	}
	return nil
}

// emitTerminal appends the task's terminal event exactly once.
func (e *Engine) emitTerminal(ctx context.Context, ts *taskState, evType v1.EventType, payload any) {
	ts.terminalOnce.Do(func() {
		ts.terminalEmitted.Store(true)

		encoded, err := v1.EncodePayload(payload)
		if err != nil {
			e.taskLogger(ts).WithError(err).Error("failed to encode terminal payload")
		}
		ev := &v1.Event{
			Type:    evType,
			Trace:   v1.Trace{SessionID: ts.sessionID, TaskID: ts.taskID},
			Runtime: ts.runtime,
			Payload: encoded,
		}
		if _, err := e.store.Append(ctx, ts.sessionID, ev); err != nil {
			e.taskLogger(ts).WithError(err).Error("failed to append terminal event")
			return
		}
		metrics.EventsAppended.WithLabelValues(string(evType)).Inc()

		switch evType {
		case v1.EventTaskCompleted:
			ts.setStatus(v1.TaskStatusCompleted)
		case v1.EventTaskFailed:
			ts.setStatus(v1.TaskStatusFailed)
		case v1.EventTaskStopped:
			ts.setStatus(v1.TaskStatusStopped)
		}
	})
}

// append writes a non-terminal engine event. Suppressed once the task's
// terminal has been emitted so no event can follow it.
func (e *Engine) append(ctx context.Context, ts *taskState, evType v1.EventType, payload any) {
	if ts.terminalEmitted.Load() {
		return
	}
	encoded, err := v1.EncodePayload(payload)
	if err != nil {
		e.taskLogger(ts).WithError(err).Error("failed to encode event payload",
			zap.String("event_type", string(evType)))
		return
	}
	ev := &v1.Event{
		Type:    evType,
		Trace:   v1.Trace{SessionID: ts.sessionID, TaskID: ts.taskID},
		Runtime: ts.runtime,
		Payload: encoded,
	}
	if _, err := e.store.Append(ctx, ts.sessionID, ev); err != nil {
		e.taskLogger(ts).WithError(err).Error("failed to append event",
			zap.String("event_type", string(evType)))
		return
	}
	metrics.EventsAppended.WithLabelValues(string(evType)).Inc()
}

// maybeStoreToolResult serializes a tool result, returning it inline when it
// fits and otherwise offloading it to the artifact store with a preview.
func (e *Engine) maybeStoreToolResult(ts *taskState, toolCallID string, output any) (preview string, ref *v1.ArtifactRef, err error) {
	data, err := json.Marshal(output)
	if err != nil {
		return "", nil, fmt.Errorf("serialize tool result: %w", err)
	}
	if len(data) <= e.cfg.InlineResultLimit {
		return string(data), nil, nil
	}

	stored, err := e.artifacts.Put(data, artifact.PutOpts{
		ContentType: "application/json",
		Name:        "tool-result-" + toolCallID,
		SessionID:   ts.sessionID,
		TaskID:      ts.taskID,
	})
	if err != nil {
		return "", nil, fmt.Errorf("offload tool result: %w", err)
	}

	runes := []rune(string(data))
	if len(runes) > e.cfg.ResultPreviewLen {
		runes = runes[:e.cfg.ResultPreviewLen]
	}
	return string(runes), stored, nil
}
