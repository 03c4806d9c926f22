package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesdk/codesdk/internal/artifact"
	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/common/logger"
	"github.com/codesdk/codesdk/internal/events/store"
	"github.com/codesdk/codesdk/internal/policy"
	"github.com/codesdk/codesdk/internal/runtime"
	"github.com/codesdk/codesdk/internal/runtime/mock"
	"github.com/codesdk/codesdk/internal/runtimeenv"
	"github.com/codesdk/codesdk/internal/session"
	"github.com/codesdk/codesdk/internal/tools"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

type engineHarness struct {
	store     *store.Store
	artifacts *artifact.Store
	adapter   *mock.Adapter
	tools     *tools.Registry
	sessions  *session.Manager
	engine    *Engine
}

func newEngineHarness(t *testing.T, cfg Config, opts ...mock.Option) *engineHarness {
	t.Helper()
	log := logger.Default()

	st := store.NewMemory(log)
	t.Cleanup(func() { st.Close() })

	artifacts, err := artifact.NewStore(t.TempDir(), 0, log)
	require.NoError(t, err)

	adapter := mock.New(artifacts, opts...)
	registry := runtime.NewRegistry()
	require.NoError(t, registry.Register(adapter))

	sessions := session.NewManager(registry, runtimeenv.NewBuilder(t.TempDir()), st, session.Defaults{
		Runtime:        "mock",
		PermissionMode: v1.PermissionModeAsk,
		WorkspaceRoot:  t.TempDir(),
	}, log)

	toolReg := tools.NewRegistry()
	require.NoError(t, toolReg.Register(v1.ToolSpec{
		Name:       "echo",
		Permission: v1.ToolPermissionReadOnly,
	}, func(ctx context.Context, input map[string]any, emit tools.EmitFunc) (any, error) {
		return input, nil
	}))

	return &engineHarness{
		store:     st,
		artifacts: artifacts,
		adapter:   adapter,
		tools:     toolReg,
		sessions:  sessions,
		engine:    New(registry, st, artifacts, toolReg, cfg, log),
	}
}

func (h *engineHarness) createSession(t *testing.T, mode v1.PermissionMode) *session.Session {
	t.Helper()
	sess, err := h.sessions.Create(context.Background(), session.CreateRequest{PermissionMode: mode})
	require.NoError(t, err)
	return sess
}

func (h *engineHarness) startTask(t *testing.T, sess *session.Session, in TaskInput) *Task {
	t.Helper()
	in.Session = sess
	if in.Messages == nil {
		in.Messages = []v1.Message{{Role: "user", Content: "hello"}}
	}
	task, err := h.engine.StartTask(context.Background(), in)
	require.NoError(t, err)
	return task
}

func (h *engineHarness) listEvents(t *testing.T, sessionID string) []*v1.Event {
	t.Helper()
	events, err := h.store.List(context.Background(), sessionID, 0, 0)
	require.NoError(t, err)
	return events
}

// awaitEventType blocks until an event of the given type is stored for the
// session, replaying history first so already-stored events count.
func (h *engineHarness) awaitEventType(t *testing.T, sessionID string, evType v1.EventType) *v1.Event {
	t.Helper()
	sub, err := h.store.Subscribe(context.Background(), sessionID, 0, store.SubscribeOpts{})
	require.NoError(t, err)
	defer sub.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed waiting for %s", evType)
			}
			if ev.Type == evType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", evType)
		}
	}
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

// retryUntilFound retries fn while it reports not_found, giving the tool
// handler time to register its pending approval.
func retryUntilFound(t *testing.T, fn func() error) error {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := fn()
		if err == nil || apperrors.Code(err) != apperrors.ErrCodeNotFound || time.Now().After(deadline) {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func scriptEvent(evType v1.EventType, payload any) *v1.Event {
	p, err := v1.EncodePayload(payload)
	if err != nil {
		panic(err)
	}
	return &v1.Event{Type: evType, Payload: p}
}

func typesOf(events []*v1.Event) []v1.EventType {
	out := make([]v1.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func indexOf(events []*v1.Event, match func(*v1.Event) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

func assertDenseSeq(t *testing.T, events []*v1.Event) {
	t.Helper()
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq, "seq must be dense from 1")
	}
}

func countTerminals(events []*v1.Event, taskID string) int {
	n := 0
	for _, ev := range events {
		if ev.Type.IsTerminal() && ev.Trace.TaskID == taskID {
			n++
		}
	}
	return n
}

func TestTaskCompletesOnEndOfStream(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	sess := h.createSession(t, v1.PermissionModeAuto)

	task := h.startTask(t, sess, TaskInput{
		Messages: []v1.Message{{Role: "user", Content: "say hi"}},
	})
	waitDone(t, task)

	assert.Equal(t, v1.TaskStatusCompleted, task.Status())

	events := h.listEvents(t, sess.ID)
	assertDenseSeq(t, events)
	assert.Equal(t, []v1.EventType{
		v1.EventSessionCreated,
		v1.EventTaskStarted,
		v1.EventModelInput,
		v1.EventModelOutputDelta,
		v1.EventModelOutputCompleted,
		v1.EventUsageReported,
		v1.EventTaskCompleted,
	}, typesOf(events))
	assert.Equal(t, 1, countTerminals(events, task.TaskID))

	var terminal v1.TaskTerminalPayload
	require.NoError(t, v1.DecodePayload(events[len(events)-1], &terminal))
	assert.Equal(t, "end_of_stream", terminal.Reason)

	for _, ev := range events {
		assert.Equal(t, sess.ID, ev.Trace.SessionID)
		assert.Equal(t, v1.SchemaVersion, ev.SchemaVersion)
	}
}

func TestExternalToolAutoApproved(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventToolCallRequested, v1.ToolCallRequestedPayload{
				ToolCallID: "tc-1",
				Name:       "echo",
				Attempt:    1,
				InputHash:  "sha256:1111",
				Input:      map[string]any{"msg": "hi"},
			}),
		}),
		mock.WithWaitForFeedback(1),
	)
	sess := h.createSession(t, v1.PermissionModeAuto)

	task := h.startTask(t, sess, TaskInput{})
	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status())

	events := h.listEvents(t, sess.ID)
	assertDenseSeq(t, events)

	wantOrder := []v1.EventType{
		v1.EventToolCallRequested,
		v1.EventToolCallPolicyEvaluated,
		v1.EventToolCallApproved,
		v1.EventToolCallStarted,
		v1.EventToolCallCompleted,
		v1.EventTaskCompleted,
	}
	last := -1
	for _, want := range wantOrder {
		idx := indexOf(events, func(ev *v1.Event) bool { return ev.Type == want })
		require.GreaterOrEqual(t, idx, 0, "missing %s", want)
		assert.Greater(t, idx, last, "%s out of order", want)
		last = idx
	}

	completedIdx := indexOf(events, func(ev *v1.Event) bool { return ev.Type == v1.EventToolCallCompleted })
	var completed v1.ToolCallCompletedPayload
	require.NoError(t, v1.DecodePayload(events[completedIdx], &completed))
	assert.Equal(t, "codesdk", completed.ExecutedBy)
	assert.Equal(t, tools.ExecutionEnvHost, completed.ExecutionEnv)
	assert.False(t, completed.IsError)

	feedback := h.adapter.LastHandle().Feedback()
	require.Len(t, feedback, 1)
	assert.Equal(t, "tc-1", feedback[0].ToolCallID)
	assert.False(t, feedback[0].Denied)
}

func TestAskModeApprovalFlow(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventToolCallRequested, v1.ToolCallRequestedPayload{
				ToolCallID: "tc-ask",
				Name:       "echo",
				Attempt:    1,
				InputHash:  "sha256:2222",
				Input:      map[string]any{"msg": "hi"},
			}),
		}),
		mock.WithWaitForFeedback(1),
	)
	sess := h.createSession(t, v1.PermissionModeAsk)

	task := h.startTask(t, sess, TaskInput{})

	h.awaitEventType(t, sess.ID, v1.EventToolCallPolicyEvaluated)
	require.NoError(t, retryUntilFound(t, func() error {
		return h.engine.ApproveToolCall(sess.ID, "tc-ask", 1, "sha256:2222")
	}))

	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status())

	events := h.listEvents(t, sess.ID)

	var sources []string
	for _, ev := range events {
		if ev.Type != v1.EventToolCallPolicyEvaluated {
			continue
		}
		var p v1.ToolCallPolicyEvaluatedPayload
		require.NoError(t, v1.DecodePayload(ev, &p))
		sources = append(sources, p.Source+":"+string(p.Result))
	}
	assert.Equal(t, []string{"codesdk:ask", "user:allow"}, sources)

	approvedIdx := indexOf(events, func(ev *v1.Event) bool { return ev.Type == v1.EventToolCallApproved })
	require.GreaterOrEqual(t, approvedIdx, 0)
	var approved v1.ToolCallDecisionPayload
	require.NoError(t, v1.DecodePayload(events[approvedIdx], &approved))
	require.NotNil(t, approved.Snapshot)
	require.Len(t, approved.Snapshot.Sources, 2)
	assert.Equal(t, "user", approved.Snapshot.Sources[1].Source)
}

func TestApprovalIdentityMismatch(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventToolCallRequested, v1.ToolCallRequestedPayload{
				ToolCallID: "tc-mm",
				Name:       "echo",
				Attempt:    2,
				InputHash:  "sha256:3333",
				Input:      map[string]any{"msg": "hi"},
			}),
		}),
		mock.WithWaitForFeedback(1),
	)
	sess := h.createSession(t, v1.PermissionModeAsk)
	task := h.startTask(t, sess, TaskInput{})

	h.awaitEventType(t, sess.ID, v1.EventToolCallPolicyEvaluated)

	err := retryUntilFound(t, func() error {
		return h.engine.ApproveToolCall(sess.ID, "tc-mm", 1, "sha256:3333")
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAttemptMismatch, apperrors.Code(err))

	err = h.engine.ApproveToolCall(sess.ID, "tc-mm", 2, "sha256:wrong")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInputHashMismatch, apperrors.Code(err))

	// The mismatches left the pending call in place; the correct identity
	// still resolves it.
	require.NoError(t, h.engine.DenyToolCall(sess.ID, "tc-mm", 2, "sha256:3333", "not today"))
	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status())

	events := h.listEvents(t, sess.ID)
	deniedIdx := indexOf(events, func(ev *v1.Event) bool { return ev.Type == v1.EventToolCallDenied })
	require.GreaterOrEqual(t, deniedIdx, 0)
	var denied v1.ToolCallDecisionPayload
	require.NoError(t, v1.DecodePayload(events[deniedIdx], &denied))
	assert.Equal(t, "not today", denied.Reason)

	feedback := h.adapter.LastHandle().Feedback()
	require.Len(t, feedback, 1)
	assert.True(t, feedback[0].Denied)
	assert.Equal(t, "not today", feedback[0].Reason)
}

func TestOverrideDeniesWithoutAsking(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventToolCallRequested, v1.ToolCallRequestedPayload{
				ToolCallID: "tc-deny",
				Name:       "echo",
				Attempt:    1,
				InputHash:  "sha256:4444",
			}),
		}),
		mock.WithWaitForFeedback(1),
	)
	sess := h.createSession(t, v1.PermissionModeAuto)

	task := h.startTask(t, sess, TaskInput{
		Overrides: &policy.Overrides{DenyTools: []string{"echo"}},
	})
	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status())

	events := h.listEvents(t, sess.ID)
	assert.Equal(t, -1, indexOf(events, func(ev *v1.Event) bool { return ev.Type == v1.EventToolCallApproved }))
	assert.Equal(t, -1, indexOf(events, func(ev *v1.Event) bool { return ev.Type == v1.EventToolCallStarted }))

	deniedIdx := indexOf(events, func(ev *v1.Event) bool { return ev.Type == v1.EventToolCallDenied })
	require.GreaterOrEqual(t, deniedIdx, 0)
	var denied v1.ToolCallDecisionPayload
	require.NoError(t, v1.DecodePayload(events[deniedIdx], &denied))
	assert.Equal(t, "override:deny_tool", denied.Reason)

	feedback := h.adapter.LastHandle().Feedback()
	require.Len(t, feedback, 1)
	assert.True(t, feedback[0].Denied)
}

func TestToolCallsRunInRequestOrder(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventToolCallRequested, v1.ToolCallRequestedPayload{
				ToolCallID: "tc-a", Name: "echo", Attempt: 1, InputHash: "sha256:aa",
			}),
			scriptEvent(v1.EventToolCallRequested, v1.ToolCallRequestedPayload{
				ToolCallID: "tc-b", Name: "echo", Attempt: 1, InputHash: "sha256:bb",
			}),
		}),
		mock.WithWaitForFeedback(2),
	)
	sess := h.createSession(t, v1.PermissionModeAuto)

	task := h.startTask(t, sess, TaskInput{})
	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status())

	events := h.listEvents(t, sess.ID)
	completedA := indexOf(events, func(ev *v1.Event) bool {
		return ev.Type == v1.EventToolCallCompleted && ev.Payload["tool_call_id"] == "tc-a"
	})
	startedB := indexOf(events, func(ev *v1.Event) bool {
		return ev.Type == v1.EventToolCallStarted && ev.Payload["tool_call_id"] == "tc-b"
	})
	require.GreaterOrEqual(t, completedA, 0)
	require.GreaterOrEqual(t, startedB, 0)
	assert.Less(t, completedA, startedB, "second tool call must not start before the first completes")

	feedback := h.adapter.LastHandle().Feedback()
	require.Len(t, feedback, 2)
	assert.Equal(t, "tc-a", feedback[0].ToolCallID)
	assert.Equal(t, "tc-b", feedback[1].ToolCallID)
}

func TestRuntimeInternalToolEventsPassThrough(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithToolExecutionModel(v1.ToolExecRuntimeInternal),
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventToolCallRequested, v1.ToolCallRequestedPayload{
				ToolCallID: "tc-int", Name: "native.search", Attempt: 1, InputHash: "sha256:cc",
			}),
			scriptEvent(v1.EventToolCallCompleted, v1.ToolCallCompletedPayload{
				ToolCallID: "tc-int", Attempt: 1, Name: "native.search",
				ExecutedBy: "runtime", ExecutionEnv: "runtime_sandbox",
			}),
		}),
	)
	sess := h.createSession(t, v1.PermissionModeAsk)

	task := h.startTask(t, sess, TaskInput{})
	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status())

	events := h.listEvents(t, sess.ID)
	assert.Equal(t, -1, indexOf(events, func(ev *v1.Event) bool { return ev.Type == v1.EventToolCallPolicyEvaluated }),
		"runtime-internal tools must not be policy-gated by the engine")

	completedIdx := indexOf(events, func(ev *v1.Event) bool { return ev.Type == v1.EventToolCallCompleted })
	require.GreaterOrEqual(t, completedIdx, 0)
	var completed v1.ToolCallCompletedPayload
	require.NoError(t, v1.DecodePayload(events[completedIdx], &completed))
	assert.Equal(t, "runtime", completed.ExecutedBy)

	assert.Empty(t, h.adapter.LastHandle().Feedback())
}

func TestStopEmitsSingleStoppedTerminal(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventModelOutputDelta, v1.ModelOutputDeltaPayload{
				BlockID: "b1", Kind: "text_delta", Delta: "thinking...",
			}),
		}),
		mock.WithWaitForFeedback(1), // holds the stream open until stopped
	)
	sess := h.createSession(t, v1.PermissionModeAuto)

	task := h.startTask(t, sess, TaskInput{})
	h.awaitEventType(t, sess.ID, v1.EventModelOutputDelta)

	task.Stop(context.Background(), "user requested")
	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusStopped, task.Status())

	events := h.listEvents(t, sess.ID)
	assertDenseSeq(t, events)
	assert.Equal(t, 1, countTerminals(events, task.TaskID))

	lastEvent := events[len(events)-1]
	assert.Equal(t, v1.EventTaskStopped, lastEvent.Type, "no event may follow the terminal")
	var terminal v1.TaskTerminalPayload
	require.NoError(t, v1.DecodePayload(lastEvent, &terminal))
	assert.Equal(t, "user requested", terminal.Reason)
	assert.Equal(t, apperrors.ErrCodeCancelled, terminal.ErrorCode)
}

func TestStopSurvivesCallerCancellation(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventModelOutputDelta, v1.ModelOutputDeltaPayload{
				BlockID: "b1", Kind: "text_delta", Delta: "thinking...",
			}),
		}),
		mock.WithWaitForFeedback(1),
	)
	sess := h.createSession(t, v1.PermissionModeAuto)

	task := h.startTask(t, sess, TaskInput{})
	h.awaitEventType(t, sess.ID, v1.EventModelOutputDelta)

	// A client that disconnects right after requesting the stop hands the
	// engine a dead context; the stop must still reach the adapter.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task.Stop(ctx, "client went away")
	waitDone(t, task)

	events := h.listEvents(t, sess.ID)
	lastEvent := events[len(events)-1]
	assert.Equal(t, v1.EventTaskStopped, lastEvent.Type)
	var terminal v1.TaskTerminalPayload
	require.NoError(t, v1.DecodePayload(lastEvent, &terminal))
	assert.Equal(t, "client went away", terminal.Reason)
}

func TestTasksOnOneSessionSerializeInStartOrder(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	sess := h.createSession(t, v1.PermissionModeAuto)

	var started []*Task
	for i := 0; i < 3; i++ {
		started = append(started, h.startTask(t, sess, TaskInput{
			Messages: []v1.Message{{Role: "user", Content: "task"}},
		}))
	}
	for _, task := range started {
		waitDone(t, task)
		assert.Equal(t, v1.TaskStatusCompleted, task.Status())
	}

	events := h.listEvents(t, sess.ID)
	assertDenseSeq(t, events)

	// task.started events appear in StartTask call order.
	var startOrder []string
	for _, ev := range events {
		if ev.Type == v1.EventTaskStarted {
			startOrder = append(startOrder, ev.Trace.TaskID)
		}
	}
	require.Len(t, startOrder, 3)
	for i, task := range started {
		assert.Equal(t, task.TaskID, startOrder[i])
	}

	// No interleaving: every event between a task's start and terminal
	// belongs to that task.
	current := ""
	for _, ev := range events {
		switch {
		case ev.Type == v1.EventTaskStarted:
			assert.Empty(t, current, "task started while another was active")
			current = ev.Trace.TaskID
		case ev.Type.IsTerminal():
			assert.Equal(t, current, ev.Trace.TaskID)
			current = ""
		case ev.Type != v1.EventSessionCreated:
			assert.Equal(t, current, ev.Trace.TaskID)
		}
	}
}

func TestOversizeToolResultOffloaded(t *testing.T) {
	h := newEngineHarness(t, Config{
		MaxInflightTasks:  4,
		InlineResultLimit: 100,
		ResultPreviewLen:  16,
	}, mock.WithScript([]*v1.Event{
		scriptEvent(v1.EventToolCallRequested, v1.ToolCallRequestedPayload{
			ToolCallID: "tc-big", Name: "big", Attempt: 1, InputHash: "sha256:dd",
		}),
	}), mock.WithWaitForFeedback(1))

	require.NoError(t, h.tools.Register(v1.ToolSpec{
		Name:       "big",
		Permission: v1.ToolPermissionReadOnly,
	}, func(ctx context.Context, input map[string]any, emit tools.EmitFunc) (any, error) {
		return strings.Repeat("a", 500), nil
	}))

	sess := h.createSession(t, v1.PermissionModeAuto)
	task := h.startTask(t, sess, TaskInput{})
	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status())

	events := h.listEvents(t, sess.ID)
	completedIdx := indexOf(events, func(ev *v1.Event) bool { return ev.Type == v1.EventToolCallCompleted })
	require.GreaterOrEqual(t, completedIdx, 0)

	var completed v1.ToolCallCompletedPayload
	require.NoError(t, v1.DecodePayload(events[completedIdx], &completed))
	require.NotNil(t, completed.ResultRef, "oversize result must be offloaded")
	assert.Equal(t, 16, utf8.RuneCountInString(completed.ResultPreview))

	data, meta, err := h.artifacts.Get(completed.ResultRef.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, completed.ResultRef.SizeBytes, int64(len(data)))
	assert.Equal(t, sess.ID, meta.SessionID)
	assert.Equal(t, task.TaskID, meta.TaskID)

	feedback := h.adapter.LastHandle().Feedback()
	require.Len(t, feedback, 1)
	result, ok := feedback[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, result, "result_ref")
}

func TestAdmissionBackpressure(t *testing.T) {
	h := newEngineHarness(t, Config{MaxInflightTasks: 1},
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventModelOutputDelta, v1.ModelOutputDeltaPayload{BlockID: "b1", Kind: "text_delta", Delta: "x"}),
		}),
		mock.WithWaitForFeedback(1),
	)
	sess := h.createSession(t, v1.PermissionModeAuto)

	first := h.startTask(t, sess, TaskInput{})
	h.awaitEventType(t, sess.ID, v1.EventModelOutputDelta)

	_, err := h.engine.StartTask(context.Background(), TaskInput{
		Session:  sess,
		Messages: []v1.Message{{Role: "user", Content: "second"}},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBackpressure, apperrors.Code(err))

	first.Stop(context.Background(), "")
	waitDone(t, first)

	// The rejected start must have released its slot; a fresh task fits.
	third, err := h.engine.StartTask(context.Background(), TaskInput{
		Session:  sess,
		Messages: []v1.Message{{Role: "user", Content: "third"}},
	})
	require.NoError(t, err)
	third.Stop(context.Background(), "")
	waitDone(t, third)
}

func TestAdapterEmittedTerminalStaysLast(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithScript([]*v1.Event{
			scriptEvent(v1.EventModelOutputCompleted, v1.ModelOutputCompletedPayload{
				Blocks: []v1.ContentBlock{{Kind: "text", Text: "done"}},
			}),
			scriptEvent(v1.EventTaskCompleted, v1.TaskTerminalPayload{Reason: "runtime_finished"}),
		}),
	)
	sess := h.createSession(t, v1.PermissionModeAuto)

	task := h.startTask(t, sess, TaskInput{})
	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status())

	events := h.listEvents(t, sess.ID)
	assert.Equal(t, 1, countTerminals(events, task.TaskID))

	lastEvent := events[len(events)-1]
	assert.Equal(t, v1.EventTaskCompleted, lastEvent.Type)
	var terminal v1.TaskTerminalPayload
	require.NoError(t, v1.DecodePayload(lastEvent, &terminal))
	assert.Equal(t, "runtime_finished", terminal.Reason)
}

func TestStreamErrorFailsTask(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig(),
		mock.WithStreamError(errors.New("connection reset")),
	)
	sess := h.createSession(t, v1.PermissionModeAuto)

	task := h.startTask(t, sess, TaskInput{})
	waitDone(t, task)
	assert.Equal(t, v1.TaskStatusFailed, task.Status())

	events := h.listEvents(t, sess.ID)
	lastEvent := events[len(events)-1]
	assert.Equal(t, v1.EventTaskFailed, lastEvent.Type)

	var terminal v1.TaskTerminalPayload
	require.NoError(t, v1.DecodePayload(lastEvent, &terminal))
	assert.Equal(t, apperrors.ErrCodeRuntimeError, terminal.ErrorCode)
	assert.True(t, terminal.Retryable)
	assert.Contains(t, terminal.Error, "connection reset")
}

func TestApprovalAfterTaskEndIsNotFound(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	sess := h.createSession(t, v1.PermissionModeAuto)

	task := h.startTask(t, sess, TaskInput{})
	waitDone(t, task)

	err := h.engine.ApproveToolCall(sess.ID, "tc-gone", 1, "sha256:ee")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}

func TestStartTaskValidation(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	sess := h.createSession(t, v1.PermissionModeAuto)

	_, err := h.engine.StartTask(context.Background(), TaskInput{Session: sess})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.Code(err))

	_, err = h.engine.StartTask(context.Background(), TaskInput{
		Session:        sess,
		Messages:       []v1.Message{{Role: "user", Content: "x"}},
		PermissionMode: "supervised",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.Code(err))

	_, err = h.engine.StartTask(context.Background(), TaskInput{
		Messages: []v1.Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
}

func TestValidateAdapterEvent(t *testing.T) {
	ts := &taskState{sessionID: "s1", taskID: "t1"}

	ev := &v1.Event{Type: v1.EventModelOutputDelta}
	require.Nil(t, validateAdapterEvent(ts, ev))
	assert.Equal(t, "s1", ev.Trace.SessionID)
	assert.Equal(t, "t1", ev.Trace.TaskID)

	foreign := &v1.Event{Type: v1.EventModelOutputDelta, Trace: v1.Trace{SessionID: "other"}}
	err := validateAdapterEvent(ts, foreign)
	require.NotNil(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidEvent, err.Code)

	unknown := &v1.Event{Type: "model.hallucinated"}
	err = validateAdapterEvent(ts, unknown)
	require.NotNil(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidEvent, err.Code)
}
