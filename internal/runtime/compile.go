package runtime

import (
	"fmt"

	"github.com/codesdk/codesdk/internal/artifact"
	"github.com/codesdk/codesdk/internal/canonical"
	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// compiledInput is the deterministic structure hashed and stored for every
// model.input event.
type compiledInput struct {
	Messages []v1.Message  `json:"messages"`
	Tools    []v1.ToolSpec `json:"tools,omitempty"`
	Model    string        `json:"model,omitempty"`
}

// CompileResult carries everything an adapter needs to emit its model.input
// event.
type CompileResult struct {
	InputRef      *v1.ArtifactRef
	InputHash     string
	ContextWindow *v1.ContextWindow
}

// CompileInput canonicalizes the task input, stores it as an artifact, and
// computes the input hash. When maxBytes > 0 and the compiled form exceeds
// it, oldest messages are dropped (the last message always survives); if the
// input still overflows, the result is annotated rather than rejected so the
// runtime can apply its own compaction.
func CompileInput(store *artifact.Store, sessionID, taskID, model string, messages []v1.Message, tools []v1.ToolSpec, maxBytes int64) (*CompileResult, error) {
	if len(messages) == 0 {
		return nil, apperrors.BadRequest("task requires at least one message")
	}

	in := compiledInput{Messages: messages, Tools: tools, Model: model}
	data, err := canonical.Canonicalize(in)
	if err != nil {
		return nil, fmt.Errorf("compile input: %w", err)
	}

	window := &v1.ContextWindow{MaxBytes: maxBytes, CompiledBytes: int64(len(data))}
	for maxBytes > 0 && int64(len(data)) > maxBytes && len(in.Messages) > 1 {
		in.Messages = in.Messages[1:]
		window.Truncated = true
		if data, err = canonical.Canonicalize(in); err != nil {
			return nil, fmt.Errorf("compile input: %w", err)
		}
	}
	window.CompiledBytes = int64(len(data))
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		window.Overflow = true
	}

	ref, err := store.Put(data, artifact.PutOpts{
		ContentType: "application/json",
		Name:        "model-input",
		SessionID:   sessionID,
		TaskID:      taskID,
	})
	if err != nil {
		return nil, fmt.Errorf("store compiled input: %w", err)
	}

	return &CompileResult{
		InputRef:      ref,
		InputHash:     canonical.HashBytes(data),
		ContextWindow: window,
	}, nil
}
