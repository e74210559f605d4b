package eunomia

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/githound/mcp-auth/authz"
	"github.com/tidwall/match"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// Policy is the JSON policy document. Rules are evaluated in order and the
// first match decides.
type Policy struct {
	Version string `json:"version,omitempty" jsonschema:"description=Document format version"`
	Name    string `json:"name,omitempty"`
	// DefaultEffect applies when no rule matches. When empty the built-in
	// role policy decides.
	DefaultEffect Effect `json:"default_effect,omitempty" jsonschema:"enum=allow,enum=deny"`
	Rules         []Rule `json:"rules"`
}

// Rule matches requests by glob patterns. An empty pattern list matches
// everything. Subjects match either the role-or-username subject or
// "user:<username>".
type Rule struct {
	Name       string      `json:"name"`
	Effect     Effect      `json:"effect" jsonschema:"enum=allow,enum=deny"`
	Subjects   []string    `json:"subjects,omitempty"`
	Actions    []string    `json:"actions,omitempty"`
	Resources  []string    `json:"resources,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Condition compares a request context attribute against Value.
type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator" jsonschema:"enum=eq,enum=ne,enum=gt,enum=gte,enum=lt,enum=lte,enum=in,enum=contains"`
	Value     any      `json:"value"`
}

// LoadPolicyFile reads and validates the policy document at path.
func LoadPolicyFile(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) Validate() error {
	switch p.DefaultEffect {
	case "", EffectAllow, EffectDeny:
	default:
		return fmt.Errorf("policy: unknown default_effect %q", p.DefaultEffect)
	}
	for i, r := range p.Rules {
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return fmt.Errorf("policy: rule %d (%s): unknown effect %q", i, r.Name, r.Effect)
		}
		for _, c := range r.Conditions {
			if c.Attribute == "" {
				return fmt.Errorf("policy: rule %d (%s): condition without attribute", i, r.Name)
			}
			switch c.Operator {
			case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains:
			default:
				return fmt.Errorf("policy: rule %d (%s): unknown operator %q", i, r.Name, c.Operator)
			}
		}
	}
	return nil
}

// PolicyEngine evaluates a Policy, deferring to the built-in role policy
// when no rule matches and the document sets no default effect.
type PolicyEngine struct {
	policy   *Policy
	fallback authz.Engine
}

func NewPolicyEngine(p *Policy, server string) *PolicyEngine {
	return &PolicyEngine{policy: p, fallback: authz.DefaultPolicy{Server: server}}
}

func (e *PolicyEngine) Evaluate(ctx context.Context, req authz.Request) (authz.Decision, error) {
	for _, r := range e.policy.Rules {
		if r.matches(req) {
			return authz.Decision{Allowed: r.Effect == EffectAllow, Rule: r.Name, Reason: "rule " + string(r.Effect)}, nil
		}
	}
	if e.policy.DefaultEffect != "" {
		return authz.Decision{Allowed: e.policy.DefaultEffect == EffectAllow, Reason: "policy default"}, nil
	}
	return e.fallback.Evaluate(ctx, req)
}

func (r Rule) matches(req authz.Request) bool {
	subjects := []string{req.Subject}
	if u, _ := req.Context["username"].(string); u != "" {
		subjects = append(subjects, "user:"+u)
	}
	if !anyMatch(r.Subjects, subjects...) ||
		!anyMatch(r.Actions, req.Action) ||
		!anyMatch(r.Resources, req.Resource) {
		return false
	}
	for _, c := range r.Conditions {
		if !c.holds(req.Context) {
			return false
		}
	}
	return true
}

func anyMatch(patterns []string, values ...string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		for _, v := range values {
			if match.Match(v, p) {
				return true
			}
		}
	}
	return false
}

func (c Condition) holds(attrs map[string]any) bool {
	got, ok := attrs[c.Attribute]
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEq:
		return equal(got, c.Value)
	case OpNe:
		return !equal(got, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compare(got, c.Value)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if equal(got, v) {
				return true
			}
		}
		return false
	case OpContains:
		switch g := got.(type) {
		case string:
			s, ok := c.Value.(string)
			return ok && strings.Contains(g, s)
		case []string:
			for _, v := range g {
				if equal(v, c.Value) {
					return true
				}
			}
		case []any:
			for _, v := range g {
				if equal(v, c.Value) {
					return true
				}
			}
		}
		return false
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b any) (int, bool) {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
