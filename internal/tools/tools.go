// Package tools implements the external tool executor: a registry of
// in-process tools the engine runs on behalf of runtimes whose tool calls
// are delegated outward.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// ExecutionEnvHost marks results produced by tools running inside the daemon
// process.
const ExecutionEnvHost = "codesdk_host"

// EmitFunc streams one chunk of tool output. Stream is "stdout" or "stderr".
type EmitFunc func(stream, chunk string)

// Handler runs one tool invocation. Returning an error produces an is_error
// result; it never fails the task.
type Handler func(ctx context.Context, input map[string]any, emit EmitFunc) (any, error)

// Result is the outcome of one tool execution.
type Result struct {
	Output       any
	IsError      bool
	Error        string
	ExecutionEnv string
	Sandbox      *v1.SandboxSummary
	StdoutBytes  int64
	StderrBytes  int64
}

// Executor runs external tools for the engine.
type Executor interface {
	Execute(ctx context.Context, name string, input map[string]any, emit EmitFunc) (*Result, error)
	Spec(name string) (*v1.ToolSpec, bool)
}

type registeredTool struct {
	spec    v1.ToolSpec
	schema  *jsonschema.Schema
	handler Handler
}

// Registry is the default Executor: named in-process tools with optional
// jsonschema input validation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. When the spec carries an input schema it is compiled
// once here; invalid schemas fail registration.
func (r *Registry) Register(spec v1.ToolSpec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec requires a name")
	}

	var schema *jsonschema.Schema
	if spec.InputSchema != nil {
		raw, err := json.Marshal(spec.InputSchema)
		if err != nil {
			return fmt.Errorf("marshal input schema for %s: %w", spec.Name, err)
		}
		schema, err = jsonschema.CompileString(spec.Name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("compile input schema for %s: %w", spec.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.tools[spec.Name] = &registeredTool{spec: spec, schema: schema, handler: handler}
	return nil
}

// Spec returns the registered spec for a tool.
func (r *Registry) Spec(name string) (*v1.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	spec := tool.spec
	return &spec, true
}

// Specs returns all registered tool specs.
func (r *Registry) Specs() []v1.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.spec)
	}
	return out
}

// Execute validates the input against the tool's schema and runs it.
// Unknown tools and schema violations produce is_error results; only
// infrastructure failures return a non-nil error.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, emit EmitFunc) (*Result, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return errorResult(fmt.Sprintf("unknown tool %q", name)), nil
	}

	if tool.schema != nil {
		// The validator wants plain decoded JSON, so round-trip the input.
		raw, err := json.Marshal(input)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid tool input: %v", err)), nil
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return errorResult(fmt.Sprintf("invalid tool input: %v", err)), nil
		}
		if err := tool.schema.Validate(decoded); err != nil {
			return errorResult(fmt.Sprintf("input validation failed: %v", err)), nil
		}
	}

	counter := &countingEmit{emit: emit}
	output, err := tool.handler(ctx, input, counter.emitChunk)
	res := &Result{
		Output:       output,
		ExecutionEnv: ExecutionEnvHost,
		StdoutBytes:  counter.stdout,
		StderrBytes:  counter.stderr,
	}
	if err != nil {
		res.IsError = true
		res.Error = err.Error()
	}
	return res, nil
}

func errorResult(msg string) *Result {
	return &Result{IsError: true, Error: msg, ExecutionEnv: ExecutionEnvHost}
}

type countingEmit struct {
	emit   EmitFunc
	stdout int64
	stderr int64
}

func (c *countingEmit) emitChunk(stream, chunk string) {
	switch stream {
	case "stderr":
		c.stderr += int64(len(chunk))
	default:
		c.stdout += int64(len(chunk))
	}
	if c.emit != nil {
		c.emit(stream, chunk)
	}
}
