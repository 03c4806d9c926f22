package v1

// ContextWindow describes how the compiled model input relates to the
// runtime's context budget. Overflow means truncation could not bring the
// input under budget; the task still runs, the condition is annotated here.
type ContextWindow struct {
	MaxBytes      int64 `json:"max_bytes,omitempty"`
	CompiledBytes int64 `json:"compiled_bytes"`
	Truncated     bool  `json:"truncated,omitempty"`
	Overflow      bool  `json:"overflow,omitempty"`
}

// ModelInputPayload is the payload of a model.input event.
type ModelInputPayload struct {
	InputRef           *ArtifactRef   `json:"input_ref,omitempty"`
	InputHash          string         `json:"input_hash"`
	ContextWindow      *ContextWindow `json:"context_window,omitempty"`
	ImplicitSourcesRef *ArtifactRef   `json:"implicit_sources_ref,omitempty"`
}

// ModelOutputDeltaPayload is the payload of a model.output.delta event.
// Kind is one of text_delta, json_delta, code_delta, unknown_delta.
type ModelOutputDeltaPayload struct {
	BlockID string `json:"block_id"`
	Kind    string `json:"kind"`
	Delta   string `json:"delta"`
}

// ContentBlock is one block of final assistant output.
type ContentBlock struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	JSON any    `json:"json,omitempty"`
}

// ModelOutputCompletedPayload is the payload of a model.output.completed event.
type ModelOutputCompletedPayload struct {
	Blocks []ContentBlock `json:"blocks,omitempty"`
}

// ToolCallRequestedPayload is the payload of a tool.call.requested event.
// The triple (ToolCallID, Attempt, InputHash) is the identity used by the
// approve/deny RPCs.
type ToolCallRequestedPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Attempt    int            `json:"attempt"`
	InputHash  string         `json:"input_hash"`
	Input      map[string]any `json:"input,omitempty"`
	Permission ToolPermission `json:"permission,omitempty"`
}

// ToolCallPolicyEvaluatedPayload is the payload of a tool.call.policy_evaluated
// event. Source is the evaluator that fired ("codesdk" or "user").
type ToolCallPolicyEvaluatedPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Attempt    int             `json:"attempt"`
	Source     string          `json:"source"`
	Result     PolicyResult    `json:"result"`
	Snapshot   *PolicySnapshot `json:"policy_snapshot,omitempty"`
}

// ToolCallDecisionPayload is the payload of tool.call.approved,
// tool.call.denied and tool.call.started events.
type ToolCallDecisionPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Attempt    int             `json:"attempt"`
	Name       string          `json:"name,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Snapshot   *PolicySnapshot `json:"policy_snapshot,omitempty"`
}

// ToolOutputDeltaPayload is the payload of a tool.output.delta event.
// Stream is "stdout" or "stderr".
type ToolOutputDeltaPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Attempt    int    `json:"attempt"`
	Stream     string `json:"stream"`
	Chunk      string `json:"chunk"`
}

// ToolOutputCompletedPayload is the payload of a tool.output.completed event.
type ToolOutputCompletedPayload struct {
	ToolCallID  string `json:"tool_call_id"`
	Attempt     int    `json:"attempt"`
	StdoutBytes int64  `json:"stdout_bytes"`
	StderrBytes int64  `json:"stderr_bytes"`
}

// ToolCallCompletedPayload is the payload of a tool.call.completed event.
// ExecutedBy is "codesdk" for engine-executed tools and "runtime" for tools
// the adapter ran internally. Exactly one of ResultPreview / ResultRef carries
// the result body; oversize results are offloaded to the artifact store.
type ToolCallCompletedPayload struct {
	ToolCallID    string          `json:"tool_call_id"`
	Attempt       int             `json:"attempt"`
	Name          string          `json:"name,omitempty"`
	ExecutedBy    string          `json:"executed_by"`
	ExecutionEnv  string          `json:"execution_env"`
	Snapshot      *PolicySnapshot `json:"policy_snapshot,omitempty"`
	Sandbox       *SandboxSummary `json:"sandbox,omitempty"`
	ResultPreview string          `json:"result_preview,omitempty"`
	ResultRef     *ArtifactRef    `json:"result_ref,omitempty"`
	IsError       bool            `json:"is_error"`
	Error         string          `json:"error,omitempty"`
}

// SandboxSummary describes the isolation the tool executor reported.
type SandboxSummary struct {
	Kind    string `json:"kind"`
	Network bool   `json:"network"`
	Detail  string `json:"detail,omitempty"`
}

// UsagePayload is the payload of a usage.reported event.
type UsagePayload struct {
	InputTokens      int64 `json:"input_tokens,omitempty"`
	OutputTokens     int64 `json:"output_tokens,omitempty"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// TaskTerminalPayload is the payload of task.completed, task.failed and
// task.stopped events.
type TaskTerminalPayload struct {
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
