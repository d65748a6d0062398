package orchestration

import (
	"strings"
)

// Ids of injected nodes. The underscore prefix plus the auto-injected
// metadata tag make them detectable and removable later.
const (
	nodeSafetyInputValidation  = "_safety_input_validation"
	nodeSafetyComplianceCheck  = "_safety_compliance_check"
	nodeQualityValidator       = "_quality_validator"
	nodeSafetyOutputValidation = "_safety_output_validation"
	nodeSafetyAuditLogger      = "_safety_audit_logger"
)

// Inject rewrites a graph to include the validator, compliance, and audit
// nodes the card's quality and safety requirements call for. The input
// graph is never mutated; when neither requirement is enabled the graph is
// returned unchanged.
//
// Prefix stage: input validation, then compliance check, chained before
// every original entry point. Suffix stage: quality validator, then output
// validation, then audit logger, chained after every original exit point.
func Inject(g *IntentGraph, card *OrchestrationCard) *IntentGraph {
	if card == nil {
		return g
	}

	quality := card.QualityRequirements
	safety := card.SafetyRequirements

	qualityOn := quality != nil && quality.Enabled && quality.AutoValidate
	safetyOn := safety != nil && safety.Enabled

	wantInputValidation := safetyOn && safety.InputValidation
	wantCompliance := safetyOn && len(safety.ComplianceStandards) > 0
	wantOutputValidation := safetyOn && safety.OutputValidation
	wantAudit := safetyOn && safety.AuditLogging

	if !qualityOn && !wantInputValidation && !wantCompliance && !wantOutputValidation && !wantAudit {
		return g
	}

	out := g.Clone()
	originalEntries := entryPointsOf(out)
	originalExits := exitPointsOf(out)

	// Prefix stage: compliance follows input validation, and both precede
	// every original entry
	var prefix []string
	if wantInputValidation {
		out.Nodes = append(out.Nodes, injectedNode(
			nodeSafetyInputValidation,
			"validate_input",
			"Validate workflow inputs against safety rules",
			map[string]interface{}{"context": "${context.request}"},
		))
		prefix = append(prefix, nodeSafetyInputValidation)
	}
	if wantCompliance {
		out.Nodes = append(out.Nodes, injectedNode(
			nodeSafetyComplianceCheck,
			"compliance_check",
			"Check workflow inputs against compliance standards",
			map[string]interface{}{"standards": toInterfaceSlice(safety.ComplianceStandards)},
		))
		prefix = append(prefix, nodeSafetyComplianceCheck)
	}
	for i := 1; i < len(prefix); i++ {
		out.Edges = append(out.Edges, Edge{From: prefix[i-1], To: prefix[i], EdgeType: EdgeSequential})
	}
	if len(prefix) > 0 {
		last := prefix[len(prefix)-1]
		for _, entry := range originalEntries {
			out.Edges = append(out.Edges, Edge{From: last, To: entry, EdgeType: EdgeSequential})
		}
	}

	// Suffix stage: quality validation, then output validation, then the
	// audit terminator
	var suffix []string
	appendAfter := originalExits
	if qualityOn {
		out.Nodes = append(out.Nodes, injectedNode(
			nodeQualityValidator,
			"validate_quality",
			"Validate workflow outputs against quality requirements",
			qualityValidatorInput(quality, originalExits),
		))
		for _, exit := range appendAfter {
			out.Edges = append(out.Edges, Edge{From: exit, To: nodeQualityValidator, EdgeType: EdgeSequential})
		}
		suffix = append(suffix, nodeQualityValidator)
		appendAfter = []string{nodeQualityValidator}
	}
	if wantOutputValidation {
		out.Nodes = append(out.Nodes, injectedNode(
			nodeSafetyOutputValidation,
			"validate_output",
			"Validate workflow outputs against safety rules",
			nil,
		))
		for _, from := range appendAfter {
			out.Edges = append(out.Edges, Edge{From: from, To: nodeSafetyOutputValidation, EdgeType: EdgeSequential})
		}
		suffix = append(suffix, nodeSafetyOutputValidation)
		appendAfter = []string{nodeSafetyOutputValidation}
	}
	if wantAudit {
		out.Nodes = append(out.Nodes, injectedNode(
			nodeSafetyAuditLogger,
			"audit_log",
			"Record an audit trail of the workflow execution",
			nil,
		))
		for _, from := range appendAfter {
			out.Edges = append(out.Edges, Edge{From: from, To: nodeSafetyAuditLogger, EdgeType: EdgeSequential})
		}
		suffix = append(suffix, nodeSafetyAuditLogger)
	}

	if len(prefix) > 0 {
		out.ExecutionPlan.EntryPoints = []string{prefix[0]}
	}
	if len(suffix) > 0 {
		out.ExecutionPlan.ExitPoints = []string{suffix[len(suffix)-1]}
		lastInjected := out.NodeByID(suffix[len(suffix)-1])
		lastInjected.NodeType = NodeTypeExit
	}

	return out
}

// Strip removes every auto-injected node and its edges, restoring the
// original graph. The inverse of Inject.
func Strip(g *IntentGraph) *IntentGraph {
	out := g.Clone()

	injected := make(map[string]bool)
	var nodes []Node
	for i := range out.Nodes {
		node := out.Nodes[i]
		if strings.HasPrefix(node.ID, "_") && node.IsAutoInjected() {
			injected[node.ID] = true
			continue
		}
		nodes = append(nodes, node)
	}
	if len(injected) == 0 {
		return out
	}
	out.Nodes = nodes

	var edges []Edge
	for _, edge := range out.Edges {
		if injected[edge.From] || injected[edge.To] {
			continue
		}
		edges = append(edges, edge)
	}
	out.Edges = edges

	// Recompute from structure; the declared plan still names injected ids
	out.ExecutionPlan.EntryPoints = nil
	out.ExecutionPlan.ExitPoints = nil
	out.ExecutionPlan.EntryPoints = entryPointsOf(out)
	out.ExecutionPlan.ExitPoints = exitPointsOf(out)
	return out
}

// injectedNode builds a validator node bound to the engine's internal agent
func injectedNode(id, tool, purpose string, input map[string]interface{}) Node {
	return Node{
		ID:        id,
		AgentName: HITLAgentName,
		ToolName:  tool,
		NodeType:  NodeTypeProcessing,
		Purpose:   purpose,
		Input:     input,
		Metadata:  &NodeMetadata{Tags: []string{TagAutoInjected}},
	}
}

// qualityValidatorInput wires the original exit outputs into the validator
func qualityValidatorInput(quality *QualityRequirements, exits []string) map[string]interface{} {
	input := map[string]interface{}{}
	if quality.MinQualityScore > 0 {
		input["min_quality_score"] = quality.MinQualityScore
	}
	outputs := map[string]interface{}{}
	for _, exit := range exits {
		outputs[exit] = "${" + exit + "}"
	}
	input["outputs"] = outputs
	return input
}

// entryPointsOf returns the declared entry points, or the in-degree-zero
// nodes when the plan does not declare any
func entryPointsOf(g *IntentGraph) []string {
	if len(g.ExecutionPlan.EntryPoints) > 0 {
		return append([]string(nil), g.ExecutionPlan.EntryPoints...)
	}
	_, inDegree := adjacency(g)
	var entries []string
	for i := range g.Nodes {
		if inDegree[g.Nodes[i].ID] == 0 {
			entries = append(entries, g.Nodes[i].ID)
		}
	}
	return entries
}

// exitPointsOf returns the declared exit points, or the out-degree-zero
// nodes when the plan does not declare any
func exitPointsOf(g *IntentGraph) []string {
	if len(g.ExecutionPlan.ExitPoints) > 0 {
		return append([]string(nil), g.ExecutionPlan.ExitPoints...)
	}
	adj, _ := adjacency(g)
	var exits []string
	for i := range g.Nodes {
		if len(adj[g.Nodes[i].ID]) == 0 {
			exits = append(exits, g.Nodes[i].ID)
		}
	}
	return exits
}

func toInterfaceSlice(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
