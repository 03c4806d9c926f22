// Package runtime defines the adapter contract every supported agent runtime
// implements, plus the registry and the model-input compiler shared by all
// adapters.
package runtime

import (
	"context"

	"github.com/codesdk/codesdk/internal/runtimeenv"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// SessionHandle identifies a session from an adapter's point of view.
// RuntimeSessionID is the runtime's own identifier when it has one; it is
// opaque to everything above the adapter.
type SessionHandle struct {
	SessionID        string
	RuntimeSessionID string
}

// CreateSessionOpts carries optional session attributes to the adapter.
type CreateSessionOpts struct {
	Model          string
	Title          string
	PermissionMode v1.PermissionMode
	RuntimeConfig  map[string]any
}

// StartTaskInput is everything an adapter needs to run one task.
type StartTaskInput struct {
	TaskID          string
	Messages        []v1.Message
	ToolManifest    []v1.ToolSpec
	PermissionMode  v1.PermissionMode
	InteractionMode string
	RuntimeConfig   map[string]any
}

// TaskHandle is a running task inside an adapter.
//
// Events returns a finite, non-restartable stream of already-normalized
// events; the channel closes when the task's runtime work is done. Adapters
// never emit terminal events, the engine owns those. SendToolResult and
// SendToolDenied feed back the outcome of externally-executed tools. Stop
// must cause the event stream to terminate promptly.
type TaskHandle interface {
	Events() <-chan *v1.Event
	SendToolResult(ctx context.Context, toolCallID string, result any) error
	SendToolDenied(ctx context.Context, toolCallID, reason string) error
	Stop(ctx context.Context, reason string) error

	// Err reports why the event stream ended, nil for a clean end. Valid
	// only after the Events channel has closed.
	Err() error
}

// Adapter normalizes one agent runtime.
type Adapter interface {
	Name() string
	Capabilities() v1.Capabilities
	AuthStatus(ctx context.Context, env *runtimeenv.RuntimeEnv) (*v1.AuthStatus, error)

	// CreateSession may return a runtime session id for runtimes that have
	// server-side session state; others return the handle unchanged.
	CreateSession(ctx context.Context, env *runtimeenv.RuntimeEnv, handle *SessionHandle, opts CreateSessionOpts) error

	// ResumeSession reattaches to an existing runtime session. Adapters
	// without session resume return ErrNotSupported.
	ResumeSession(ctx context.Context, env *runtimeenv.RuntimeEnv, handle *SessionHandle) error

	StartTask(ctx context.Context, env *runtimeenv.RuntimeEnv, handle *SessionHandle, in StartTaskInput) (TaskHandle, error)
}
