// Package mock implements a runtime adapter that needs no external agent.
// It echoes task input as streamed output, and can be scripted to emit an
// arbitrary normalized event sequence, which is how the engine's behavior is
// exercised end to end.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/codesdk/codesdk/internal/artifact"
	"github.com/codesdk/codesdk/internal/runtime"
	"github.com/codesdk/codesdk/internal/runtimeenv"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// ToolFeedback records one SendToolResult / SendToolDenied call for
// assertions.
type ToolFeedback struct {
	ToolCallID string
	Denied     bool
	Reason     string
	Result     any
}

// Option configures the adapter.
type Option func(*Adapter)

// WithToolExecutionModel overrides the reported tool execution model.
func WithToolExecutionModel(model string) Option {
	return func(a *Adapter) { a.execModel = model }
}

// WithScript replaces the default echo behavior: after the model.input event,
// the adapter emits exactly these events, then the stream ends.
func WithScript(events []*v1.Event) Option {
	return func(a *Adapter) { a.script = events }
}

// WithStreamError makes the event stream end with the given error after the
// script has been emitted.
func WithStreamError(err error) Option {
	return func(a *Adapter) { a.streamErr = err }
}

// WithWaitForFeedback keeps the event stream open after the script until n
// tool results or denials have been delivered, or the task is stopped. This
// mirrors runtimes that block on externally-executed tools.
func WithWaitForFeedback(n int) Option {
	return func(a *Adapter) { a.waitFeedback = n }
}

// Adapter is the mock runtime.
type Adapter struct {
	artifacts    *artifact.Store
	execModel    string
	script       []*v1.Event
	streamErr    error
	waitFeedback int

	mu      sync.Mutex
	handles []*Handle
}

// New creates a mock adapter backed by the given artifact store.
func New(artifacts *artifact.Store, opts ...Option) *Adapter {
	a := &Adapter{
		artifacts: artifacts,
		execModel: v1.ToolExecExternalMCP,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns "mock".
func (a *Adapter) Name() string { return "mock" }

// Capabilities reports the mock's static capability record.
func (a *Adapter) Capabilities() v1.Capabilities {
	return v1.Capabilities{
		Streaming:            true,
		ToolCalls:            true,
		Stop:                 true,
		Artifacts:            true,
		UsageReporting:       true,
		AuthModel:            "none",
		ToolExecutionModel:   a.execModel,
		PermissionModel:      "codesdk",
		CancellationModel:    v1.CancellationGuaranteed,
		RecommendedIsolation: runtimeenv.IsolationShared,
	}
}

// AuthStatus always reports ok; the mock needs no credentials.
func (a *Adapter) AuthStatus(ctx context.Context, env *runtimeenv.RuntimeEnv) (*v1.AuthStatus, error) {
	return &v1.AuthStatus{Ok: true, Method: "none"}, nil
}

// CreateSession is a no-op; the mock keeps no server-side session state.
func (a *Adapter) CreateSession(ctx context.Context, env *runtimeenv.RuntimeEnv, handle *runtime.SessionHandle, opts runtime.CreateSessionOpts) error {
	return nil
}

// ResumeSession is not supported.
func (a *Adapter) ResumeSession(ctx context.Context, env *runtimeenv.RuntimeEnv, handle *runtime.SessionHandle) error {
	return runtime.ErrNotSupported
}

// StartTask begins emitting the task's event stream.
func (a *Adapter) StartTask(ctx context.Context, env *runtimeenv.RuntimeEnv, handle *runtime.SessionHandle, in runtime.StartTaskInput) (runtime.TaskHandle, error) {
	h := &Handle{
		events:     make(chan *v1.Event, 16),
		stopped:    make(chan struct{}),
		feedbackCh: make(chan struct{}, 64),
	}
	a.mu.Lock()
	a.handles = append(a.handles, h)
	a.mu.Unlock()

	go a.run(h, handle, in)
	return h, nil
}

// LastHandle returns the most recently started task handle, for assertions.
func (a *Adapter) LastHandle() *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.handles) == 0 {
		return nil
	}
	return a.handles[len(a.handles)-1]
}

func (a *Adapter) run(h *Handle, session *runtime.SessionHandle, in runtime.StartTaskInput) {
	defer close(h.events)

	compiled, err := runtime.CompileInput(a.artifacts, session.SessionID, in.TaskID, "mock-1", in.Messages, in.ToolManifest, 0)
	if err != nil {
		h.setErr(err)
		return
	}
	payload, err := v1.EncodePayload(v1.ModelInputPayload{
		InputRef:      compiled.InputRef,
		InputHash:     compiled.InputHash,
		ContextWindow: compiled.ContextWindow,
	})
	if err != nil {
		h.setErr(err)
		return
	}
	if !h.emit(a.event(session, in.TaskID, v1.EventModelInput, payload)) {
		return
	}

	if a.script != nil {
		for _, ev := range a.script {
			cp := ev.Clone()
			cp.Trace.SessionID = session.SessionID
			cp.Trace.TaskID = in.TaskID
			cp.Runtime = v1.RuntimeInfo{Name: a.Name(), Model: "mock-1"}
			if !h.emit(cp) {
				return
			}
		}
		for received := 0; received < a.waitFeedback; received++ {
			select {
			case <-h.feedbackCh:
			case <-h.stopped:
				return
			}
		}
		h.setErr(a.streamErr)
		return
	}

	// Default behavior: echo the last message back as a streamed text block.
	text := ""
	if len(in.Messages) > 0 {
		text = in.Messages[len(in.Messages)-1].Content
	}
	delta, _ := v1.EncodePayload(v1.ModelOutputDeltaPayload{BlockID: "b1", Kind: "text_delta", Delta: text})
	if !h.emit(a.event(session, in.TaskID, v1.EventModelOutputDelta, delta)) {
		return
	}
	completed, _ := v1.EncodePayload(v1.ModelOutputCompletedPayload{
		Blocks: []v1.ContentBlock{{Kind: "text", Text: text}},
	})
	if !h.emit(a.event(session, in.TaskID, v1.EventModelOutputCompleted, completed)) {
		return
	}
	usage, _ := v1.EncodePayload(v1.UsagePayload{InputTokens: int64(len(text)), OutputTokens: int64(len(text))})
	h.emit(a.event(session, in.TaskID, v1.EventUsageReported, usage))
	h.setErr(a.streamErr)
}

func (a *Adapter) event(session *runtime.SessionHandle, taskID string, evType v1.EventType, payload map[string]any) *v1.Event {
	return &v1.Event{
		Time:    time.Now().UTC(),
		Type:    evType,
		Trace:   v1.Trace{SessionID: session.SessionID, TaskID: taskID},
		Runtime: v1.RuntimeInfo{Name: a.Name(), Model: "mock-1"},
		Payload: payload,
	}
}

// Handle is one running mock task.
type Handle struct {
	events     chan *v1.Event
	stopped    chan struct{}
	feedbackCh chan struct{}

	mu       sync.Mutex
	feedback []ToolFeedback
	err      error
	stopOnce sync.Once
}

func (h *Handle) Events() <-chan *v1.Event { return h.events }

// emit delivers ev unless the task has been stopped.
func (h *Handle) emit(ev *v1.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Handle) SendToolResult(ctx context.Context, toolCallID string, result any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feedback = append(h.feedback, ToolFeedback{ToolCallID: toolCallID, Result: result})
	h.signalFeedback()
	return nil
}

func (h *Handle) SendToolDenied(ctx context.Context, toolCallID, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feedback = append(h.feedback, ToolFeedback{ToolCallID: toolCallID, Denied: true, Reason: reason})
	h.signalFeedback()
	return nil
}

func (h *Handle) signalFeedback() {
	select {
	case h.feedbackCh <- struct{}{}:
	default:
	}
}

func (h *Handle) Stop(ctx context.Context, reason string) error {
	h.stopOnce.Do(func() { close(h.stopped) })
	return nil
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Feedback returns the tool result / denial calls received so far.
func (h *Handle) Feedback() []ToolFeedback {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ToolFeedback, len(h.feedback))
	copy(out, h.feedback)
	return out
}
