// Package policy implements tool-call approval decisions. Decide is a pure
// function of its inputs; equal inputs always produce equal snapshots.
package policy

import (
	"fmt"

	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// Overrides are per-session or per-task rules that take precedence over the
// permission mode.
type Overrides struct {
	AllowTools       []string            `json:"allow_tools,omitempty"`
	DenyTools        []string            `json:"deny_tools,omitempty"`
	AllowPermissions []v1.ToolPermission `json:"allow_permissions,omitempty"`
	DenyPermissions  []v1.ToolPermission `json:"deny_permissions,omitempty"`
}

// Input is one policy evaluation request.
type Input struct {
	Mode       v1.PermissionMode
	ToolName   string
	Permission v1.ToolPermission
	Overrides  *Overrides
}

// Decide evaluates the approval policy. First match wins:
//
//  1. explicit tool deny
//  2. permission-class deny
//  3. explicit tool allow
//  4. permission-class allow
//  5. dangerous tools outside yolo mode are denied
//  6. auto and yolo modes allow
//  7. otherwise ask
func Decide(in Input) *v1.PolicySnapshot {
	result, rule := evaluate(in)
	return &v1.PolicySnapshot{
		PermissionMode: in.Mode,
		Decision:       result,
		Sources: []v1.PolicySource{
			{Source: "codesdk", Result: result, Rule: rule},
		},
	}
}

func evaluate(in Input) (v1.PolicyResult, string) {
	if in.Overrides != nil {
		if contains(in.Overrides.DenyTools, in.ToolName) {
			return v1.PolicyDeny, "override:deny_tool"
		}
		if in.Permission != "" && containsPermission(in.Overrides.DenyPermissions, in.Permission) {
			return v1.PolicyDeny, "override:deny_permission"
		}
		if contains(in.Overrides.AllowTools, in.ToolName) {
			return v1.PolicyAllow, "override:allow_tool"
		}
		if in.Permission != "" && containsPermission(in.Overrides.AllowPermissions, in.Permission) {
			return v1.PolicyAllow, "override:allow_permission"
		}
	}
	if in.Permission == v1.ToolPermissionDangerous && in.Mode != v1.PermissionModeYolo {
		return v1.PolicyDeny, "permission_mode:dangerous"
	}
	if in.Mode == v1.PermissionModeAuto || in.Mode == v1.PermissionModeYolo {
		return v1.PolicyAllow, fmt.Sprintf("permission_mode:%s", in.Mode)
	}
	return v1.PolicyAsk, "permission_mode:ask"
}

// ResolveUser extends a snapshot with the human decision that resolved an
// ask. The returned snapshot carries both evaluations in firing order.
func ResolveUser(base *v1.PolicySnapshot, result v1.PolicyResult, rule string) *v1.PolicySnapshot {
	sources := make([]v1.PolicySource, 0, len(base.Sources)+1)
	sources = append(sources, base.Sources...)
	sources = append(sources, v1.PolicySource{Source: "user", Result: result, Rule: rule})
	return &v1.PolicySnapshot{
		PermissionMode: base.PermissionMode,
		Decision:       result,
		Sources:        sources,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsPermission(list []v1.ToolPermission, p v1.ToolPermission) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}
