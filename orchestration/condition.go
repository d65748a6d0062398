package orchestration

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// EvaluateCondition evaluates a decision node's condition expression
// against the accumulated node results and the execution context. The
// expression sees two variables:
//
//	results - map of node id to that node's result payload
//	context - the execution context map
//
// Example: `results.classify.category == "refund" && context.amount < 500`
//
// A decision node with an empty condition passes.
func EvaluateCondition(condition string, results map[string]*ResultEnvelope, context map[string]interface{}) (bool, error) {
	if condition == "" {
		return true, nil
	}

	resultView := make(map[string]interface{}, len(results))
	for nodeID, envelope := range results {
		if envelope != nil && envelope.Success {
			resultView[nodeID] = envelope.Result
		}
	}

	env := map[string]interface{}{
		"results": resultView,
		"context": context,
	}

	out, err := expr.Eval(condition, env)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", condition, err)
	}

	verdict, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", condition, out)
	}
	return verdict, nil
}
