package orchestration

import (
	"fmt"
	"sort"

	"github.com/seanpoyner/gaff/core"
)

// dfs colors for cycle detection
type dfsColor int

const (
	colorWhite dfsColor = iota // unvisited
	colorGray                  // on the current DFS path
	colorBlack                 // fully explored
)

// ValidateGraph checks the structural invariants of an intent graph:
// non-empty node set, unique node ids, edges referencing existing nodes,
// entry points without in-edges, exit points without out-edges, and
// acyclicity. The input graph is never mutated.
func ValidateGraph(g *IntentGraph) error {
	if g == nil || len(g.Nodes) == 0 {
		return graphInvalid("graph has no nodes")
	}

	index := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		id := g.Nodes[i].ID
		if id == "" {
			return graphInvalid("node %d has no id", i)
		}
		if index[id] {
			return graphInvalid("duplicate node id %q", id)
		}
		index[id] = true
	}

	for i, edge := range g.Edges {
		if edge.From == "" || edge.To == "" {
			return graphInvalid("edge %d is missing an endpoint", i)
		}
		if !index[edge.From] {
			return graphInvalid("edge references unknown node %q", edge.From)
		}
		if !index[edge.To] {
			return graphInvalid("edge references unknown node %q", edge.To)
		}
	}

	// Legacy dependencies must also reference real nodes
	for i := range g.Nodes {
		for _, dep := range g.Nodes[i].Dependencies {
			if !index[dep] {
				return graphInvalid("node %q depends on unknown node %q", g.Nodes[i].ID, dep)
			}
		}
	}

	adj, inDegree := adjacency(g)

	for _, entry := range g.ExecutionPlan.EntryPoints {
		if !index[entry] {
			return graphInvalid("entry point %q is not a node", entry)
		}
		if inDegree[entry] > 0 {
			return graphInvalid("entry point %q has incoming edges", entry)
		}
	}
	for _, exit := range g.ExecutionPlan.ExitPoints {
		if !index[exit] {
			return graphInvalid("exit point %q is not a node", exit)
		}
		if len(adj[exit]) > 0 {
			return graphInvalid("exit point %q has outgoing edges", exit)
		}
	}

	if offender := findCycle(g, adj); offender != "" {
		return &core.FrameworkError{
			Op:   "graph.Validate",
			Kind: core.KindGraphInvalid,
			ID:   offender,
			Err:  fmt.Errorf("cycle detected at node %q: %w", offender, core.ErrCycleDetected),
		}
	}

	return nil
}

func graphInvalid(format string, args ...interface{}) error {
	return &core.FrameworkError{
		Op:   "graph.Validate",
		Kind: core.KindGraphInvalid,
		Err:  fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrGraphInvalid),
	}
}

// adjacency derives successor lists and in-degrees from the edge set.
// The legacy node.Dependencies field is merged in as additional edges;
// the edge set remains authoritative when both describe the same pair.
func adjacency(g *IntentGraph) (map[string][]string, map[string]int) {
	adj := make(map[string][]string, len(g.Nodes))
	inDegree := make(map[string]int, len(g.Nodes))
	seen := make(map[[2]string]bool, len(g.Edges))

	for i := range g.Nodes {
		inDegree[g.Nodes[i].ID] = 0
	}

	add := func(from, to string) {
		pair := [2]string{from, to}
		if seen[pair] {
			return
		}
		seen[pair] = true
		adj[from] = append(adj[from], to)
		inDegree[to]++
	}

	for _, edge := range g.Edges {
		add(edge.From, edge.To)
	}
	for i := range g.Nodes {
		for _, dep := range g.Nodes[i].Dependencies {
			add(dep, g.Nodes[i].ID)
		}
	}

	return adj, inDegree
}

// findCycle runs a three-color depth-first search and returns the id of the
// node where a back-edge was found, or "" when the graph is acyclic.
func findCycle(g *IntentGraph, adj map[string][]string) string {
	colors := make(map[string]dfsColor, len(g.Nodes))

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = colorGray
		for _, next := range adj[id] {
			switch colors[next] {
			case colorGray:
				return next // back-edge
			case colorWhite:
				if offender := visit(next); offender != "" {
					return offender
				}
			}
		}
		colors[id] = colorBlack
		return ""
	}

	// Deterministic start order keeps the reported offender stable
	ids := make([]string, 0, len(g.Nodes))
	for i := range g.Nodes {
		ids = append(ids, g.Nodes[i].ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if colors[id] == colorWhite {
			if offender := visit(id); offender != "" {
				return offender
			}
		}
	}
	return ""
}

// TopologicalSort returns a linear order of node ids such that for every
// edge u->v, u appears before v. Uses Kahn's algorithm over the
// edge-derived adjacency. Returns an error if the graph contains a cycle.
func TopologicalSort(g *IntentGraph) ([]string, error) {
	adj, inDegree := adjacency(g)

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		var unlocked []string
		for _, next := range adj[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		queue = append(queue, unlocked...)
	}

	if len(result) != len(g.Nodes) {
		return nil, graphInvalid("cycle prevents topological order")
	}
	return result, nil
}

// BatchLayers partitions the graph into execution layers: layer 0 holds the
// in-degree-zero nodes, and each following layer holds the nodes whose
// every predecessor lies in an earlier layer. Every node appears in exactly
// one layer; nodes within a layer are safe to run in parallel.
func BatchLayers(g *IntentGraph) [][]string {
	adj, inDegree := adjacency(g)

	remaining := make(map[string]int, len(inDegree))
	for id, degree := range inDegree {
		remaining[id] = degree
	}

	var layers [][]string
	placed := make(map[string]bool, len(g.Nodes))

	for len(placed) < len(g.Nodes) {
		var layer []string
		for i := range g.Nodes {
			id := g.Nodes[i].ID
			if !placed[id] && remaining[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Unreachable after validation; cyclic remainder
			break
		}
		sort.Strings(layer)

		for _, id := range layer {
			placed[id] = true
			for _, next := range adj[id] {
				remaining[next]--
			}
		}
		layers = append(layers, layer)
	}

	return layers
}

// batchIndexOf returns the index of the batch containing the node, or -1
func batchIndexOf(batches [][]string, nodeID string) int {
	for i, batch := range batches {
		for _, id := range batch {
			if id == nodeID {
				return i
			}
		}
	}
	return -1
}
