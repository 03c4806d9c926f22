package server

import (
	v1 "github.com/codesdk/codesdk/pkg/api/v1"

	"github.com/codesdk/codesdk/internal/policy"
)

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Runtime             string            `json:"runtime"`
	CredentialNamespace string            `json:"credentialNamespace"`
	IsolationLevel      string            `json:"isolationLevel"`
	IsolationMode       string            `json:"isolationMode"`
	Cwd                 string            `json:"cwd"`
	Env                 map[string]string `json:"env"`
	Model               string            `json:"model"`
	PermissionMode      string            `json:"permissionMode"`
	RuntimeConfig       map[string]any    `json:"runtimeConfig"`
}

// CreateSessionResponse is the body returned by POST /sessions.
type CreateSessionResponse struct {
	SessionID        string `json:"session_id"`
	Runtime          string `json:"runtime"`
	RuntimeSessionID string `json:"runtime_session_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// SessionSummary is one session in GET /sessions and GET /sessions/{id}.
type SessionSummary struct {
	SessionID           string `json:"session_id"`
	Runtime             string `json:"runtime"`
	RuntimeSessionID    string `json:"runtime_session_id,omitempty"`
	PermissionMode      string `json:"permission_mode"`
	Model               string `json:"model,omitempty"`
	CredentialNamespace string `json:"credential_namespace,omitempty"`
	CreatedAt           string `json:"created_at"`
	QueueDepth          int    `json:"queue_depth"`
	ActiveTask          string `json:"active_task,omitempty"`
}

// ListSessionsResponse is the body of GET /sessions.
type ListSessionsResponse struct {
	Sessions  []SessionSummary `json:"sessions"`
	NextAfter string           `json:"next_after,omitempty"`
}

// StartTaskRequest is the body of POST /sessions/{id}/tasks.
type StartTaskRequest struct {
	TaskID          string            `json:"taskId"`
	Messages        []v1.Message      `json:"messages" binding:"required"`
	PermissionMode  string            `json:"permissionMode"`
	ToolManifest    []v1.ToolSpec     `json:"toolManifest"`
	RuntimeConfig   map[string]any    `json:"runtimeConfig"`
	PolicyOverrides *policy.Overrides `json:"policyOverrides"`
}

// StartTaskResponse is the 202 body of POST /sessions/{id}/tasks.
type StartTaskResponse struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
}

// TaskStatusResponse is the body of GET /sessions/{id}/tasks/{taskId}.
type TaskStatusResponse struct {
	Status  string `json:"status"`
	LastSeq int64  `json:"last_seq"`
}

// StopTaskRequest is the optional body of POST …/tasks/{taskId}/stop.
type StopTaskRequest struct {
	Reason string `json:"reason"`
}

// ToolDecisionRequest is the body of the tool-call approve and deny routes.
// Attempt and input hash must match the pending request's identity.
type ToolDecisionRequest struct {
	Attempt   int    `json:"attempt" binding:"required"`
	InputHash string `json:"input_hash" binding:"required"`
	Reason    string `json:"reason"`
}

// ListEventsResponse is the JSON (non-streaming) body of GET …/events.
type ListEventsResponse struct {
	Events  []*v1.Event `json:"events"`
	NextSeq int64       `json:"next_seq"`
}

// RuntimeHealth is one runtime's record in GET /health.
type RuntimeHealth struct {
	Ok           bool            `json:"ok"`
	Runtime      string          `json:"runtime"`
	Time         string          `json:"time"`
	Capabilities v1.Capabilities `json:"capabilities"`
	Auth         *v1.AuthStatus  `json:"auth,omitempty"`
}
