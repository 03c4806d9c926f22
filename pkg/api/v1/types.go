package v1

import "time"

// PermissionMode governs tool approval for a session or task.
type PermissionMode string

const (
	PermissionModeAuto PermissionMode = "auto"
	PermissionModeAsk  PermissionMode = "ask"
	PermissionModeYolo PermissionMode = "yolo"
)

// IsValid reports whether m is a known permission mode.
func (m PermissionMode) IsValid() bool {
	switch m {
	case PermissionModeAuto, PermissionModeAsk, PermissionModeYolo:
		return true
	}
	return false
}

// ToolPermission classifies what a tool is allowed to touch.
type ToolPermission string

const (
	ToolPermissionReadOnly  ToolPermission = "read-only"
	ToolPermissionWrite     ToolPermission = "write"
	ToolPermissionNetwork   ToolPermission = "network"
	ToolPermissionDangerous ToolPermission = "dangerous"
)

// PolicyResult is the outcome of a policy evaluation.
type PolicyResult string

const (
	PolicyAllow PolicyResult = "allow"
	PolicyDeny  PolicyResult = "deny"
	PolicyAsk   PolicyResult = "ask"
)

// PolicySource records a single evaluation that contributed to a decision.
// Source is one of "runtime", "codesdk", "user".
type PolicySource struct {
	Source string       `json:"source"`
	Result PolicyResult `json:"result"`
	Rule   string       `json:"rule"`
}

// PolicySnapshot is attached to every tool lifecycle event. Sources appear in
// the order the evaluations fired.
type PolicySnapshot struct {
	PermissionMode PermissionMode `json:"permission_mode"`
	Decision       PolicyResult   `json:"decision"`
	Sources        []PolicySource `json:"sources"`
}

// Message is one input message for a task.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes one tool in a task's tool manifest.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Permission  ToolPermission `json:"permission,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ArtifactRef references a stored artifact without its bytes.
type ArtifactRef struct {
	ArtifactID  string `json:"artifact_id"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentHash string `json:"content_hash"`
	Name        string `json:"name,omitempty"`
}

// TaskStatus is the derived lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusStopped   TaskStatus = "stopped"
	TaskStatusUnknown   TaskStatus = "unknown"
)

// Capabilities is the static capability record a runtime adapter reports.
type Capabilities struct {
	Streaming            bool   `json:"streaming"`
	ToolCalls            bool   `json:"tool_calls"`
	ParallelToolCalls    bool   `json:"parallel_tool_calls"`
	Stop                 bool   `json:"stop"`
	Artifacts            bool   `json:"artifacts"`
	SessionResume        bool   `json:"session_resume"`
	UsageReporting       bool   `json:"usage_reporting"`
	AuthModel            string `json:"auth_model,omitempty"`
	ToolExecutionModel   string `json:"tool_execution_model"`
	PermissionModel      string `json:"permission_model,omitempty"`
	CancellationModel    string `json:"cancellation_model"`
	RecommendedIsolation string `json:"recommended_isolation,omitempty"`
}

// Tool execution models reported in Capabilities.ToolExecutionModel.
const (
	ToolExecExternalMCP     = "external_mcp"
	ToolExecRuntimeInternal = "runtime_internal"
	ToolExecHybrid          = "hybrid"
)

// Cancellation models reported in Capabilities.CancellationModel.
const (
	CancellationBestEffort = "best_effort"
	CancellationGuaranteed = "guaranteed"
	CancellationUnknown    = "unknown"
)

// AuthStatus is a best-effort report of local runtime credentials.
type AuthStatus struct {
	Ok        bool      `json:"ok"`
	Method    string    `json:"method,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}
