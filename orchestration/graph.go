// Package orchestration implements the gaff intent-graph execution engine:
// graph validation and scheduling, runtime variable resolution, agent
// dispatch with retries, durable execution state, quality/safety graph
// rewriting, orchestration-card construction, and the control operations
// (execute, status, pause, resume, cancel).
package orchestration

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType classifies a node's role in the graph
type NodeType string

const (
	NodeTypeEntry      NodeType = "entry"
	NodeTypeProcessing NodeType = "processing"
	NodeTypeExit       NodeType = "exit"
	NodeTypeDecision   NodeType = "decision"
	NodeTypeHITL       NodeType = "hitl"
)

// BackoffStrategy selects the delay curve between dispatch attempts
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// The built-in agent and tool that suspend execution for human approval
const (
	HITLAgentName = "gaff-tools"
	HITLToolName  = "human_in_the_loop"

	// TagAutoInjected marks nodes added by the quality/safety injector
	TagAutoInjected = "auto-injected"

	tagHITL = "hitl"
)

// RetryPolicy controls dispatch retries for a node or agent
type RetryPolicy struct {
	MaxAttempts int             `json:"max_attempts" yaml:"max_attempts"`
	Backoff     BackoffStrategy `json:"backoff" yaml:"backoff"`
}

// InputSource is the structured form of a node input binding. The resolver
// treats these and templated `${...}` strings as equivalent.
type InputSource struct {
	SourceType string      `json:"source_type"`
	Source     interface{} `json:"source,omitempty"`
	SourceNode string      `json:"source_node,omitempty"`
}

// Input source types
const (
	SourceConstant   = "constant"
	SourceContext    = "context"
	SourceNodeOutput = "node_output"
	SourceRequest    = "request"
)

// OutputField declares one field of a node's output
type OutputField struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// NodeMetadata carries optional per-node annotations
type NodeMetadata struct {
	Tags     []string `json:"tags,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

// HasTag reports whether the metadata carries the given tag
func (m *NodeMetadata) HasTag(tag string) bool {
	if m == nil {
		return false
	}
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Node binds one unit of work to an agent operation
type Node struct {
	ID           string                 `json:"id"`
	AgentName    string                 `json:"agent_name"`
	ToolName     string                 `json:"tool_name"`
	NodeType     NodeType               `json:"node_type,omitempty"`
	Purpose      string                 `json:"purpose,omitempty"`
	Instructions string                 `json:"instructions,omitempty"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Output       []OutputField          `json:"output,omitempty"`
	TimeoutMS    int                    `json:"timeout_ms,omitempty"`
	RetryPolicy  *RetryPolicy           `json:"retry_policy,omitempty"`
	Metadata     *NodeMetadata          `json:"metadata,omitempty"`

	// Condition gates downstream nodes when NodeType is decision. The
	// expression is evaluated against accumulated results and context.
	Condition string `json:"condition,omitempty"`

	// Dependencies is a legacy field. The edge set is authoritative;
	// entries here are merged in as additional edges during scheduling.
	Dependencies []string `json:"dependencies,omitempty"`
}

// IsHITL reports whether executing this node suspends the workflow
// pending external approval.
func (n *Node) IsHITL() bool {
	if n.AgentName == HITLAgentName && n.ToolName == HITLToolName {
		return true
	}
	if n.NodeType == NodeTypeHITL {
		return true
	}
	return n.Metadata.HasTag(tagHITL)
}

// IsAutoInjected reports whether the node was added by the injector
func (n *Node) IsAutoInjected() bool {
	return n.Metadata.HasTag(TagAutoInjected)
}

// Edge is a directed dataflow/ordering dependency between two nodes
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	EdgeType string `json:"edge_type,omitempty"`
}

// Edge types
const (
	EdgeSequential  = "sequential"
	EdgeParallel    = "parallel"
	EdgeConditional = "conditional"
)

// edgeDialects covers the field pairs accepted for edge endpoints.
// Generated graphs arrive in several dialects ({from,to}, {from_node,to_node},
// {source,target}); all are normalized to From/To on unmarshal.
type edgeDialects struct {
	From     string `json:"from"`
	To       string `json:"to"`
	FromNode string `json:"from_node"`
	ToNode   string `json:"to_node"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	EdgeType string `json:"edge_type"`
	Type     string `json:"type"`
}

// UnmarshalJSON normalizes the accepted edge dialects to a single form.
// Missing endpoints are left empty for the validator to report.
func (e *Edge) UnmarshalJSON(data []byte) error {
	var raw edgeDialects
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing edge: %w", err)
	}

	e.From = firstNonEmpty(raw.From, raw.FromNode, raw.Source)
	e.To = firstNonEmpty(raw.To, raw.ToNode, raw.Target)
	e.EdgeType = firstNonEmpty(raw.EdgeType, raw.Type)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ExecutionStrategy describes how the plan intends nodes to be run
type ExecutionStrategy string

const (
	StrategySequential ExecutionStrategy = "sequential"
	StrategyParallel   ExecutionStrategy = "parallel"
	StrategyHybrid     ExecutionStrategy = "hybrid"
)

// ExecutionPlan identifies the graph's entry and exit nodes and the
// intended scheduling strategy
type ExecutionPlan struct {
	EntryPoints []string          `json:"entry_points"`
	ExitPoints  []string          `json:"exit_points"`
	Strategy    ExecutionStrategy `json:"strategy,omitempty"`
}

// IntentGraph is a DAG of agent-bound nodes plus its execution plan.
// Representation is a flat node table and edge table indexed by string id;
// the graph structure owns all nodes.
type IntentGraph struct {
	Name          string        `json:"name,omitempty"`
	Description   string        `json:"description,omitempty"`
	Nodes         []Node        `json:"nodes"`
	Edges         []Edge        `json:"edges"`
	ExecutionPlan ExecutionPlan `json:"execution_plan"`
	CreatedAt     *time.Time    `json:"created_at,omitempty"`
}

// NodeByID returns the node with the given id, or nil
func (g *IntentGraph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// NodeIndex returns a lookup table from id to node
func (g *IntentGraph) NodeIndex() map[string]*Node {
	index := make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		index[g.Nodes[i].ID] = &g.Nodes[i]
	}
	return index
}

// Clone creates a deep copy of the graph. The copy shares nothing with the
// original, so rewrites (injection) cannot leak into the caller's graph.
func (g *IntentGraph) Clone() *IntentGraph {
	clone := &IntentGraph{
		Name:        g.Name,
		Description: g.Description,
		Nodes:       make([]Node, len(g.Nodes)),
		Edges:       make([]Edge, len(g.Edges)),
		ExecutionPlan: ExecutionPlan{
			EntryPoints: append([]string(nil), g.ExecutionPlan.EntryPoints...),
			ExitPoints:  append([]string(nil), g.ExecutionPlan.ExitPoints...),
			Strategy:    g.ExecutionPlan.Strategy,
		},
	}
	if g.CreatedAt != nil {
		createdAt := *g.CreatedAt
		clone.CreatedAt = &createdAt
	}
	copy(clone.Edges, g.Edges)
	for i := range g.Nodes {
		clone.Nodes[i] = cloneNode(g.Nodes[i])
	}
	return clone
}

func cloneNode(n Node) Node {
	out := n
	out.Input = deepCopyMap(n.Input)
	out.Output = append([]OutputField(nil), n.Output...)
	out.Dependencies = append([]string(nil), n.Dependencies...)
	if n.RetryPolicy != nil {
		policy := *n.RetryPolicy
		out.RetryPolicy = &policy
	}
	if n.Metadata != nil {
		meta := NodeMetadata{
			Tags:     append([]string(nil), n.Metadata.Tags...),
			Priority: n.Metadata.Priority,
		}
		out.Metadata = &meta
	}
	return out
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
