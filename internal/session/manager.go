// Package session manages live sessions: creation, lookup, and the binding
// between a session, its runtime adapter, and its runtime environment.
// Sessions are in-memory; their event logs are durable.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/common/logger"
	"github.com/codesdk/codesdk/internal/events/store"
	"github.com/codesdk/codesdk/internal/runtime"
	"github.com/codesdk/codesdk/internal/runtimeenv"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// Session is one live session.
type Session struct {
	ID                  string                  `json:"session_id"`
	Runtime             string                  `json:"runtime"`
	RuntimeSessionID    string                  `json:"runtime_session_id,omitempty"`
	PermissionMode      v1.PermissionMode       `json:"permission_mode"`
	Model               string                  `json:"model,omitempty"`
	CredentialNamespace string                  `json:"credential_namespace,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
	Env                 *runtimeenv.RuntimeEnv  `json:"-"`
	Handle              *runtime.SessionHandle  `json:"-"`
	RuntimeConfig       map[string]any          `json:"-"`
}

// CreateRequest carries the session attributes a client may set.
type CreateRequest struct {
	Runtime             string
	CredentialNamespace string
	IsolationLevel      string
	IsolationMode       string
	Cwd                 string
	Env                 map[string]string
	Model               string
	PermissionMode      v1.PermissionMode
	RuntimeConfig       map[string]any
}

// Defaults are applied to requests that leave fields unset.
type Defaults struct {
	Runtime        string
	PermissionMode v1.PermissionMode
	WorkspaceRoot  string
}

// Manager creates and tracks sessions.
type Manager struct {
	registry   *runtime.Registry
	envBuilder *runtimeenv.Builder
	events     *store.Store
	defaults   Defaults
	logger     *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // creation order, for stable pagination
}

// NewManager creates a session manager.
func NewManager(registry *runtime.Registry, envBuilder *runtimeenv.Builder, events *store.Store, defaults Defaults, log *logger.Logger) *Manager {
	return &Manager{
		registry:   registry,
		envBuilder: envBuilder,
		events:     events,
		defaults:   defaults,
		logger:     log,
		sessions:   make(map[string]*Session),
	}
}

// Create builds the runtime environment, asks the adapter for a session, and
// appends the session.created event.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	runtimeName := req.Runtime
	if runtimeName == "" {
		runtimeName = m.defaults.Runtime
	}
	adapter, err := m.registry.Get(runtimeName)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	mode := req.PermissionMode
	if mode == "" {
		mode = m.defaults.PermissionMode
	}
	if !mode.IsValid() {
		return nil, apperrors.BadRequest("invalid permission mode")
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = m.defaults.WorkspaceRoot
	}

	sessionID := uuid.New().String()
	env, err := m.envBuilder.Build(runtimeenv.Request{
		Cwd:                 cwd,
		Env:                 req.Env,
		CredentialNamespace: req.CredentialNamespace,
		IsolationLevel:      req.IsolationLevel,
		IsolationMode:       req.IsolationMode,
		SessionID:           sessionID,
	})
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	handle := &runtime.SessionHandle{SessionID: sessionID}
	if err := adapter.CreateSession(ctx, env, handle, runtime.CreateSessionOpts{
		Model:          req.Model,
		PermissionMode: mode,
		RuntimeConfig:  req.RuntimeConfig,
	}); err != nil {
		return nil, apperrors.RuntimeError("failed to create runtime session", err)
	}

	sess := &Session{
		ID:                  sessionID,
		Runtime:             adapter.Name(),
		RuntimeSessionID:    handle.RuntimeSessionID,
		PermissionMode:      mode,
		Model:               req.Model,
		CredentialNamespace: req.CredentialNamespace,
		CreatedAt:           time.Now().UTC(),
		Env:                 env,
		Handle:              handle,
		RuntimeConfig:       req.RuntimeConfig,
	}

	payload, err := v1.EncodePayload(map[string]any{
		"runtime":         sess.Runtime,
		"permission_mode": sess.PermissionMode,
		"model":           sess.Model,
		"isolation":       env.Isolation,
	})
	if err != nil {
		return nil, apperrors.Internal("failed to encode session payload", err)
	}
	if _, err := m.events.Append(ctx, sessionID, &v1.Event{
		Type:    v1.EventSessionCreated,
		Trace:   v1.Trace{SessionID: sessionID},
		Runtime: v1.RuntimeInfo{Name: sess.Runtime, Model: sess.Model, RuntimeSessionID: sess.RuntimeSessionID},
		Payload: payload,
	}); err != nil {
		return nil, apperrors.Internal("failed to record session", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.order = append(m.order, sessionID)
	m.mu.Unlock()

	m.logger.WithSessionID(sessionID).Info("session created",
		zap.String("runtime", sess.Runtime),
		zap.String("permission_mode", string(mode)))
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return sess, nil
}

// List returns sessions in creation order, starting after the given session
// id. nextAfter is empty when the listing is exhausted.
func (m *Manager) List(after string, limit int) (sessions []*Session, nextAfter string) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if after != "" {
		for i, id := range m.order {
			if id == after {
				start = i + 1
				break
			}
		}
	}
	for i := start; i < len(m.order) && len(sessions) < limit; i++ {
		sessions = append(sessions, m.sessions[m.order[i]])
	}
	if len(sessions) == limit && start+len(sessions) < len(m.order) {
		nextAfter = sessions[len(sessions)-1].ID
	}
	return sessions, nextAfter
}
