package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(v1.ToolSpec{Name: "greet"}, func(ctx context.Context, input map[string]any, emit EmitFunc) (any, error) {
		emit("stdout", "hello")
		return map[string]any{"greeting": "hello"}, nil
	}))

	var chunks []string
	res, err := r.Execute(context.Background(), "greet", nil, func(stream, chunk string) {
		chunks = append(chunks, stream+":"+chunk)
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, ExecutionEnvHost, res.ExecutionEnv)
	assert.Equal(t, int64(5), res.StdoutBytes)
	assert.Equal(t, []string{"stdout:hello"}, chunks)
}

func TestRegistryUnknownToolIsError(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "nope", nil, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestRegistryHandlerErrorIsErrorResult(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(v1.ToolSpec{Name: "boom"}, func(ctx context.Context, input map[string]any, emit EmitFunc) (any, error) {
		return nil, errors.New("it broke")
	}))

	res, err := r.Execute(context.Background(), "boom", nil, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "it broke", res.Error)
}

func TestRegistrySchemaValidation(t *testing.T) {
	r := NewRegistry()
	spec := v1.ToolSpec{
		Name: "typed",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"count"},
			"properties": map[string]any{
				"count": map[string]any{"type": "integer"},
			},
		},
	}
	require.NoError(t, r.Register(spec, func(ctx context.Context, input map[string]any, emit EmitFunc) (any, error) {
		return input, nil
	}))

	res, err := r.Execute(context.Background(), "typed", map[string]any{"count": "three"}, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Error, "validation failed")

	res, err = r.Execute(context.Background(), "typed", map[string]any{"count": 3}, nil)
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	spec := v1.ToolSpec{Name: "dup"}
	handler := func(ctx context.Context, input map[string]any, emit EmitFunc) (any, error) { return nil, nil }
	require.NoError(t, r.Register(spec, handler))
	assert.Error(t, r.Register(spec, handler))
}

func TestWorkspaceReadWrite(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, root))

	res, err := r.Execute(context.Background(), "workspace.write",
		map[string]any{"path": "sub/a.txt", "content": "data"}, nil)
	require.NoError(t, err)
	require.False(t, res.IsError, res.Error)

	onDisk, err := os.ReadFile(filepath.Join(root, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(onDisk))

	res, err = r.Execute(context.Background(), "workspace.read",
		map[string]any{"path": "sub/a.txt"}, nil)
	require.NoError(t, err)
	require.False(t, res.IsError, res.Error)
	out, ok := res.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "data", out["content"])
}

func TestWorkspaceReadRejectsEscape(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, root))

	res, err := r.Execute(context.Background(), "workspace.read",
		map[string]any{"path": "../../etc/passwd"}, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestShellExecStreamsOutput(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, root))

	var stdout string
	res, err := r.Execute(context.Background(), "shell.exec",
		map[string]any{"command": "printf streamed"}, func(stream, chunk string) {
			if stream == "stdout" {
				stdout += chunk
			}
		})
	require.NoError(t, err)
	require.False(t, res.IsError, res.Error)
	assert.Equal(t, "streamed", stdout)
	assert.Equal(t, int64(len("streamed")), res.StdoutBytes)
}

func TestShellExecNonZeroExit(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, root))

	res, err := r.Execute(context.Background(), "shell.exec",
		map[string]any{"command": "exit 3"}, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Error, "code 3")
}
