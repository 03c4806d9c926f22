// Package runtimeenv builds the isolated filesystem and environment handed to
// runtime adapters. Adapters receive configuration through the RuntimeEnv
// struct only; process-wide environment variables are never mutated.
package runtimeenv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Isolation levels.
const (
	IsolationShared     = "shared"
	IsolationNamespaced = "namespaced"
	IsolationEphemeral  = "ephemeral"
)

// Isolation modes.
const (
	ModeInProcess  = "in_process"
	ModeSubprocess = "subprocess"
	ModeServerSide = "server_side"
)

// Isolation describes where an adapter's credentials and state live.
type Isolation struct {
	Level         string `json:"level"`
	Mode          string `json:"mode"`
	HomeDir       string `json:"home_dir,omitempty"`
	XDGConfigHome string `json:"xdg_config_home,omitempty"`
	XDGStateHome  string `json:"xdg_state_home,omitempty"`
	XDGCacheHome  string `json:"xdg_cache_home,omitempty"`
}

// RuntimeEnv is the environment an adapter runs a task in.
type RuntimeEnv struct {
	Cwd                 string            `json:"cwd"`
	Env                 map[string]string `json:"env"`
	CredentialNamespace string            `json:"credential_namespace,omitempty"`
	Isolation           Isolation         `json:"isolation"`
}

// Builder creates runtime-env trees under <baseDir>.
type Builder struct {
	baseDir string
}

// NewBuilder returns a builder rooted at baseDir, normally
// <data-dir>/runtime-env.
func NewBuilder(baseDir string) *Builder {
	return &Builder{baseDir: baseDir}
}

// Request describes one environment to build.
type Request struct {
	Cwd                 string
	Env                 map[string]string
	CredentialNamespace string
	IsolationLevel      string // defaults to shared
	IsolationMode       string // defaults to subprocess
	SessionID           string // required for ephemeral isolation
}

// Build materializes the environment. Shared isolation inherits the caller's
// HOME; namespaced isolation creates a per-namespace tree reused across
// sessions; ephemeral isolation adds a per-session subdirectory.
func (b *Builder) Build(req Request) (*RuntimeEnv, error) {
	level := req.IsolationLevel
	if level == "" {
		level = IsolationShared
	}
	mode := req.IsolationMode
	if mode == "" {
		mode = ModeSubprocess
	}
	switch level {
	case IsolationShared, IsolationNamespaced, IsolationEphemeral:
	default:
		return nil, fmt.Errorf("unknown isolation level %q", level)
	}
	switch mode {
	case ModeInProcess, ModeSubprocess, ModeServerSide:
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", mode)
	}

	env := make(map[string]string, len(req.Env)+4)
	for k, v := range req.Env {
		env[k] = v
	}

	re := &RuntimeEnv{
		Cwd:                 req.Cwd,
		Env:                 env,
		CredentialNamespace: req.CredentialNamespace,
		Isolation:           Isolation{Level: level, Mode: mode},
	}
	if level == IsolationShared {
		return re, nil
	}

	namespace := req.CredentialNamespace
	if namespace == "" {
		namespace = "default"
	}
	root := filepath.Join(b.baseDir, Sanitize(namespace))
	if level == IsolationEphemeral {
		if req.SessionID == "" {
			return nil, fmt.Errorf("ephemeral isolation requires a session id")
		}
		root = filepath.Join(root, "session-"+Sanitize(req.SessionID))
	}

	home := filepath.Join(root, "home")
	configHome := filepath.Join(root, "config")
	stateHome := filepath.Join(root, "state")
	cacheHome := filepath.Join(root, "cache")
	for _, dir := range []string{home, configHome, stateHome, cacheHome} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create runtime-env dir %s: %w", dir, err)
		}
	}

	re.Isolation.HomeDir = home
	re.Isolation.XDGConfigHome = configHome
	re.Isolation.XDGStateHome = stateHome
	re.Isolation.XDGCacheHome = cacheHome

	env["HOME"] = home
	env["XDG_CONFIG_HOME"] = configHome
	env["XDG_STATE_HOME"] = stateHome
	env["XDG_CACHE_HOME"] = cacheHome
	return re, nil
}

// Cleanup removes an ephemeral session tree. Namespaced trees are kept.
func (b *Builder) Cleanup(credentialNamespace, sessionID string) error {
	if credentialNamespace == "" {
		credentialNamespace = "default"
	}
	root := filepath.Join(b.baseDir, Sanitize(credentialNamespace), "session-"+Sanitize(sessionID))
	return os.RemoveAll(root)
}

// Sanitize replaces every character outside [A-Za-z0-9._-] with an
// underscore so namespaces are safe as directory names.
func Sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
