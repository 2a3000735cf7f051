package types

import (
	"strings"

	"github.com/juju/errors"
)

// NodeKind tags the node variant. Dispatch on it is exhaustive; there is
// no behavior hierarchy behind it.
type NodeKind string

const (
	KindAgent       NodeKind = "agent"
	KindTool        NodeKind = "tool"
	KindConditional NodeKind = "conditional"
)

// Graph is the stored workflow definition: a set of nodes and directed
// edges. The definition-level graph must be acyclic. Fallback references
// are metadata only and never participate in cycle detection.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
	Name string   `json:"name,omitempty"`

	Agent       *AgentConfig       `json:"agent,omitempty"`
	Tool        *ToolConfig        `json:"tool,omitempty"`
	Conditional *ConditionalConfig `json:"conditional,omitempty"`
}

// DisplayName returns the configured name, falling back to the node id.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Edge connects Source to Target. Condition is optional; see
// ParseCondition for the supported expressions.
type Edge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

type AgentConfig struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	MaxRetries   int     `json:"max_retries,omitempty"`
	// TimeoutSeconds bounds a single attempt, not the whole step.
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	FallbackID     string `json:"fallback_agent_id,omitempty"`
	MemoryKey      string `json:"memory_key,omitempty"`
	MemoryRecall   string `json:"memory_recall,omitempty"`
}

type ToolConfig struct {
	Type   string `json:"type"`
	Config Data   `json:"config,omitempty"`
}

type ConditionalConfig struct {
	Expression string `json:"expression,omitempty"`
	// Branches maps a matched expression value to the target node id.
	Branches map[string]string `json:"branches,omitempty"`
}

const (
	condEquals   = "equals:"
	condContains = "contains:"
	condDefault  = "default"
)

// Condition is a parsed edge condition expression.
type Condition struct {
	raw     string
	operand string
	kind    int
}

const (
	condKindAlways = iota
	condKindEquals
	condKindContains
	condKindDefault
)

// ParseCondition parses an edge condition expression. Supported forms:
// "equals:<s>", "contains:<s>" and "default". An empty expression always
// matches.
func ParseCondition(expr string) (Condition, error) {
	switch {
	case expr == "":
		return Condition{kind: condKindAlways}, nil
	case expr == condDefault:
		return Condition{raw: expr, kind: condKindDefault}, nil
	case strings.HasPrefix(expr, condEquals):
		return Condition{raw: expr, kind: condKindEquals, operand: expr[len(condEquals):]}, nil
	case strings.HasPrefix(expr, condContains):
		return Condition{raw: expr, kind: condKindContains, operand: expr[len(condContains):]}, nil
	}
	return Condition{}, errors.BadRequestf("condition expression: %q", expr)
}

// IsDefault reports whether this condition only applies after every
// non-default sibling edge has been evaluated and rejected.
func (c Condition) IsDefault() bool {
	return c.kind == condKindDefault
}

// Matches evaluates the condition against the upstream output text.
func (c Condition) Matches(text string) bool {
	switch c.kind {
	case condKindAlways, condKindDefault:
		return true
	case condKindEquals:
		return text == c.operand
	case condKindContains:
		return strings.Contains(text, c.operand)
	}
	return false
}

func (c Condition) String() string {
	return c.raw
}
