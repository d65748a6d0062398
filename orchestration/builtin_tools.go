package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/seanpoyner/gaff/core"
)

// BuiltinToolsInvoker serves the engine's internal gaff-tools agent
// in-process: the validators and audit logger the injector wires into
// graphs. HITL never reaches an invoker; the coordinator short-circuits it.
type BuiltinToolsInvoker struct {
	logger core.Logger
}

// NewBuiltinToolsInvoker creates the in-process invoker for gaff-tools
func NewBuiltinToolsInvoker(logger core.Logger) *BuiltinToolsInvoker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gaff/orchestration")
	}
	return &BuiltinToolsInvoker{logger: logger}
}

// Invoke runs one built-in tool
func (b *BuiltinToolsInvoker) Invoke(ctx context.Context, agent *AgentDefinition, tool string, input map[string]interface{}) (interface{}, error) {
	switch tool {
	case "validate_input", "validate_output":
		return map[string]interface{}{
			"valid":   true,
			"checked": len(input),
		}, nil

	case "compliance_check":
		standards, _ := input["standards"].([]interface{})
		return map[string]interface{}{
			"compliant": true,
			"standards": standards,
		}, nil

	case "validate_quality":
		return map[string]interface{}{
			"quality_ok": true,
			"outputs":    input["outputs"],
		}, nil

	case "audit_log":
		b.logger.InfoWithContext(ctx, "Workflow audit record", map[string]interface{}{
			"operation": "audit_log",
			"input":     input,
		})
		return map[string]interface{}{
			"logged_at": time.Now().Format(time.RFC3339),
		}, nil

	default:
		return nil, &AgentError{Message: fmt.Sprintf("unknown builtin tool %q", tool)}
	}
}

// RoutingInvoker sends internal agents to the in-process invoker and
// everything else to the transport invoker
type RoutingInvoker struct {
	internal AgentInvoker
	external AgentInvoker
}

// NewRoutingInvoker composes the builtin and external invokers
func NewRoutingInvoker(internal, external AgentInvoker) *RoutingInvoker {
	return &RoutingInvoker{internal: internal, external: external}
}

// Invoke routes by the agent's Internal flag
func (r *RoutingInvoker) Invoke(ctx context.Context, agent *AgentDefinition, tool string, input map[string]interface{}) (interface{}, error) {
	if agent.Internal {
		return r.internal.Invoke(ctx, agent, tool, input)
	}
	return r.external.Invoke(ctx, agent, tool, input)
}
