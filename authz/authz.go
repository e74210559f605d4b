// Package authz layers policy-engine authorization on top of an
// authentication provider.
//
// A Decorator wraps an inner auth.Provider: authentication and discovery are
// delegated unchanged while permission checks are translated into a Request
// and evaluated by a pluggable Engine. When the engine cannot decide, the
// inner provider's own check is used instead.
package authz

import (
	"context"
	"strings"

	"github.com/githound/mcp-auth/auth"
)

// Request is the subject/action/resource triple handed to an Engine.
type Request struct {
	Subject  string         `json:"subject"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Context  map[string]any `json:"context,omitempty"`
}

// Decision is an engine verdict. Rule names the policy rule that matched,
// if any.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

// Engine evaluates authorization requests. An error means the engine could
// not decide and the caller should fall back.
type Engine interface {
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (Decision, error)

func (f EngineFunc) Evaluate(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// DefaultResourceName is the resource checked when the caller names none.
const DefaultResourceName = "default"

// ScopedResource qualifies resource with the server name as
// "<server>:<resource>". Already-qualified names are returned unchanged.
func ScopedResource(server, resource string) string {
	if resource == "" {
		resource = DefaultResourceName
	}
	if server == "" || strings.HasPrefix(resource, server+":") {
		return resource
	}
	return server + ":" + resource
}

// Subject names the user for policy evaluation: the role when set,
// otherwise the username.
func Subject(user *auth.User) string {
	if user == nil {
		return ""
	}
	if user.Role != "" {
		return user.Role
	}
	return user.Username
}

// FlattenToolArgs exposes each tool argument as an arg_<name> attribute.
func FlattenToolArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[auth.ToolArgPrefix+k] = v
	}
	return out
}

// DefaultPolicy is the built-in engine used when no policy rule matches:
// admins may do anything, users may read, search and list server-scoped
// resources, and readonly accounts may read and list resources whose name
// contains "info".
type DefaultPolicy struct {
	Server string
}

func (p DefaultPolicy) Evaluate(_ context.Context, req Request) (Decision, error) {
	role, _ := req.Context["role"].(string)
	if role == "" {
		role = req.Subject
	}
	switch role {
	case auth.RoleAdmin:
		return Decision{Allowed: true, Reason: "admin"}, nil
	case auth.RoleUser:
		if oneOf(req.Action, "read", "search", "list") && strings.HasPrefix(req.Resource, p.Server+":") {
			return Decision{Allowed: true, Reason: "default user policy"}, nil
		}
	case auth.RoleReadonly:
		if oneOf(req.Action, "read", "list") && strings.Contains(req.Resource, "info") {
			return Decision{Allowed: true, Reason: "default readonly policy"}, nil
		}
	}
	return Decision{Allowed: false, Reason: "default deny"}, nil
}

func oneOf(s string, set ...string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
