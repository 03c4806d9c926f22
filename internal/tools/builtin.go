package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// RegisterBuiltins installs the standard workspace and shell tools rooted at
// workspaceRoot.
func RegisterBuiltins(r *Registry, workspaceRoot string) error {
	builtins := []struct {
		spec    v1.ToolSpec
		handler Handler
	}{
		{
			spec: v1.ToolSpec{
				Name:        "workspace.read",
				Description: "Read a file from the session workspace.",
				Permission:  v1.ToolPermissionReadOnly,
				InputSchema: map[string]any{
					"type":                 "object",
					"required":             []any{"path"},
					"additionalProperties": false,
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "minLength": 1},
					},
				},
			},
			handler: workspaceRead(workspaceRoot),
		},
		{
			spec: v1.ToolSpec{
				Name:        "workspace.write",
				Description: "Write a file in the session workspace.",
				Permission:  v1.ToolPermissionWrite,
				InputSchema: map[string]any{
					"type":                 "object",
					"required":             []any{"path", "content"},
					"additionalProperties": false,
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "minLength": 1},
						"content": map[string]any{"type": "string"},
					},
				},
			},
			handler: workspaceWrite(workspaceRoot),
		},
		{
			spec: v1.ToolSpec{
				Name:        "shell.exec",
				Description: "Run a shell command in the workspace.",
				Permission:  v1.ToolPermissionDangerous,
				InputSchema: map[string]any{
					"type":                 "object",
					"required":             []any{"command"},
					"additionalProperties": false,
					"properties": map[string]any{
						"command": map[string]any{"type": "string", "minLength": 1},
					},
				},
			},
			handler: shellExec(workspaceRoot),
		},
		{
			spec: v1.ToolSpec{
				Name:        "echo",
				Description: "Return the input unchanged.",
				Permission:  v1.ToolPermissionReadOnly,
			},
			handler: func(ctx context.Context, input map[string]any, emit EmitFunc) (any, error) {
				return input, nil
			},
		},
	}

	for _, b := range builtins {
		if err := r.Register(b.spec, b.handler); err != nil {
			return err
		}
	}
	return nil
}

// resolveWorkspacePath joins p under root, refusing escapes.
func resolveWorkspacePath(root, p string) (string, error) {
	full := filepath.Join(root, filepath.Clean("/"+p))
	rel, err := filepath.Rel(root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return full, nil
}

func workspaceRead(root string) Handler {
	return func(ctx context.Context, input map[string]any, emit EmitFunc) (any, error) {
		p, _ := input["path"].(string)
		full, err := resolveWorkspacePath(root, p)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		return map[string]any{"path": p, "content": string(data)}, nil
	}
}

func workspaceWrite(root string) Handler {
	return func(ctx context.Context, input map[string]any, emit EmitFunc) (any, error) {
		p, _ := input["path"].(string)
		content, _ := input["content"].(string)
		full, err := resolveWorkspacePath(root, p)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("write %s: %w", p, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", p, err)
		}
		return map[string]any{"path": p, "bytes_written": len(content)}, nil
	}
}

func shellExec(root string) Handler {
	return func(ctx context.Context, input map[string]any, emit EmitFunc) (any, error) {
		command, _ := input["command"].(string)
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = root
		cmd.Stdout = &emitWriter{stream: "stdout", emit: emit}
		cmd.Stderr = &emitWriter{stream: "stderr", emit: emit}

		err := cmd.Run()
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		}
		if err != nil {
			return nil, fmt.Errorf("exec: %w", err)
		}
		if exitCode != 0 {
			return map[string]any{"exit_code": exitCode}, fmt.Errorf("command exited with code %d", exitCode)
		}
		return map[string]any{"exit_code": 0}, nil
	}
}

type emitWriter struct {
	stream string
	emit   EmitFunc
}

func (w *emitWriter) Write(p []byte) (int, error) {
	if w.emit != nil && len(p) > 0 {
		w.emit(w.stream, string(p))
	}
	return len(p), nil
}
