package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seanpoyner/gaff/core"
)

func TestCoordinator_LinearThreeNodeExecution(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handle("worker", "step_a", func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"x": float64(1)}, nil
	})
	invoker.handle("worker", "step_b", func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"y": call.Input["y"]}, nil
	})
	invoker.handle("worker", "step_c", func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"z": call.Input["z"]}, nil
	})

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "A", AgentName: "worker", ToolName: "step_a"},
			{ID: "B", AgentName: "worker", ToolName: "step_b", Input: map[string]interface{}{"y": "${A.x}+1"}},
			{ID: "C", AgentName: "worker", ToolName: "step_c", Input: map[string]interface{}{"z": "${B.y}"}},
		},
		Edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	}

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, err := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", result.Status, result.Error)
	}
	if len(result.Results) != 3 {
		t.Errorf("expected 3 results, got %d", len(result.Results))
	}
	if result.NodesExecuted != 3 || result.NodesFailed != 0 {
		t.Errorf("expected 3 executed / 0 failed, got %d / %d", result.NodesExecuted, result.NodesFailed)
	}

	// B's input had the embedded interpolation applied
	bCalls := invoker.callsFor("step_b")
	if len(bCalls) != 1 || bCalls[0].Input["y"] != "1+1" {
		t.Errorf("expected B input y=%q, got %#v", "1+1", bCalls)
	}

	// C received B's literal output
	cCalls := invoker.callsFor("step_c")
	if len(cCalls) != 1 || cCalls[0].Input["z"] != "1+1" {
		t.Errorf("expected C input z=%q, got %#v", "1+1", cCalls)
	}
}

func TestCoordinator_TopologicalOrderObserved(t *testing.T) {
	var order []string
	var mu sync.Mutex

	invoker := newMockInvoker()
	invoker.handleAny(func(call mockCall) (interface{}, error) {
		mu.Lock()
		order = append(order, call.Tool)
		mu.Unlock()
		return map[string]interface{}{"ok": true}, nil
	})

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "A", AgentName: "worker", ToolName: "a"},
			{ID: "B", AgentName: "worker", ToolName: "b"},
			{ID: "C", AgentName: "worker", ToolName: "c"},
		},
		Edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	}

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected dispatch order [a b c], got %v", order)
	}
}

func TestCoordinator_DiamondRunsMiddleConcurrently(t *testing.T) {
	// B and C rendezvous: each waits until the other has started, which
	// only works if the batch truly runs them concurrently
	barrier := make(chan struct{})
	var once sync.Once

	invoker := newMockInvoker()
	invoker.handle("worker", "a", func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"seed": float64(7)}, nil
	})
	rendezvous := func(call mockCall) (interface{}, error) {
		var first bool
		once.Do(func() {
			first = true
		})
		if first {
			select {
			case <-barrier:
			case <-time.After(5 * time.Second):
				return nil, fmt.Errorf("peer never arrived: %w", core.ErrNodeTimeout)
			}
		} else {
			close(barrier)
		}
		return map[string]interface{}{"value": call.Tool}, nil
	}
	invoker.handle("worker", "b", rendezvous)
	invoker.handle("worker", "c", rendezvous)
	invoker.handle("worker", "d", func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"merged": call.Input}, nil
	})

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "A", AgentName: "worker", ToolName: "a"},
			{ID: "B", AgentName: "worker", ToolName: "b"},
			{ID: "C", AgentName: "worker", ToolName: "c"},
			{ID: "D", AgentName: "worker", ToolName: "d", Input: map[string]interface{}{
				"from_b": "${B.value}",
				"from_c": "${C.value}",
			}},
		},
		Edges: []Edge{
			{From: "A", To: "B"}, {From: "A", To: "C"},
			{From: "B", To: "D"}, {From: "C", To: "D"},
		},
	}

	config := DefaultExecutionConfig()
	config.MaxParallel = 2

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, err := coordinator.Execute(context.Background(), graph, nil, config)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}

	dCalls := invoker.callsFor("d")
	if len(dCalls) != 1 {
		t.Fatalf("expected one D call, got %d", len(dCalls))
	}
	if dCalls[0].Input["from_b"] != "b" || dCalls[0].Input["from_c"] != "c" {
		t.Errorf("D should see both branch outputs, got %#v", dCalls[0].Input)
	}
}

func TestCoordinator_ParallelismBound(t *testing.T) {
	var active, peak int64

	invoker := newMockInvoker()
	invoker.handleAny(func(call mockCall) (interface{}, error) {
		current := atomic.AddInt64(&active, 1)
		for {
			observed := atomic.LoadInt64(&peak)
			if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return map[string]interface{}{"ok": true}, nil
	})

	// Six independent nodes in one batch
	var nodes []Node
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5", "n6"} {
		nodes = append(nodes, Node{ID: id, AgentName: "worker", ToolName: "run"})
	}
	graph := &IntentGraph{Nodes: nodes}

	config := DefaultExecutionConfig()
	config.MaxParallel = 2

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, config)

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if observed := atomic.LoadInt64(&peak); observed > 2 {
		t.Errorf("parallelism bound violated: peak %d > 2", observed)
	}
}

func TestCoordinator_CycleRejectedWithoutDispatch(t *testing.T) {
	invoker := newMockInvoker()

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "A", AgentName: "worker", ToolName: "run"},
			{ID: "B", AgentName: "worker", ToolName: "run"},
			{ID: "C", AgentName: "worker", ToolName: "run"},
		},
		Edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "C"}, {From: "C", To: "A"}},
	}

	coordinator, store := testEngine(testCatalog("worker"), invoker)
	result, err := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())
	if err != nil {
		t.Fatalf("execute returned transport error: %v", err)
	}

	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Error == nil || result.Error.Kind != core.KindGraphInvalid {
		t.Errorf("expected GraphInvalid error, got %+v", result.Error)
	}
	if invoker.callCount() != 0 {
		t.Errorf("no node may be dispatched for an invalid graph; got %d calls", invoker.callCount())
	}

	// The store holds the terminal failed state
	persisted, err := store.Get(context.Background(), result.ExecutionID)
	if err != nil {
		t.Fatalf("expected persisted state: %v", err)
	}
	if persisted.Status != StatusFailed {
		t.Errorf("expected persisted failed state, got %s", persisted.Status)
	}
}

func TestCoordinator_NodeFailureDoesNotAbortBatch(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handle("worker", "good", func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	invoker.handle("worker", "bad", func(call mockCall) (interface{}, error) {
		return nil, &AgentError{Message: "structured failure"}
	})

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "good", AgentName: "worker", ToolName: "good"},
			{ID: "bad", AgentName: "worker", ToolName: "bad"},
		},
	}

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())

	if result.Status != StatusFailed {
		t.Fatalf("expected failed (one node failed), got %s", result.Status)
	}
	if result.NodesExecuted != 1 || result.NodesFailed != 1 {
		t.Errorf("expected 1 executed / 1 failed, got %d / %d", result.NodesExecuted, result.NodesFailed)
	}
	if invoker.callCount() != 2 {
		t.Errorf("every node in the batch must run; got %d calls", invoker.callCount())
	}
	if result.Results["bad"].Error.Kind != core.KindNodeApplication {
		t.Errorf("expected NodeApplication kind, got %+v", result.Results["bad"].Error)
	}
}

func TestCoordinator_HITLPauseAndResume(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handle("worker", "a", func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"prepared": true}, nil
	})
	invoker.handle("worker", "b", func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"done": true}, nil
	})

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "A", AgentName: "worker", ToolName: "a"},
			{ID: "H", AgentName: HITLAgentName, ToolName: HITLToolName, Purpose: "confirm the transfer"},
			{ID: "B", AgentName: "worker", ToolName: "b"},
		},
		Edges: []Edge{{From: "A", To: "H"}, {From: "H", To: "B"}},
	}

	coordinator, store := testEngine(testCatalog("worker"), invoker)
	result, err := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if result.Status != StatusPausedForApproval {
		t.Fatalf("expected paused_for_approval, got %s", result.Status)
	}
	if result.PausedAtNode != "H" {
		t.Errorf("expected pause at H, got %q", result.PausedAtNode)
	}
	if !result.WaitingForApproval {
		t.Error("expected waiting_for_approval")
	}
	if len(result.PartialResults) != 1 || result.PartialResults["A"] == nil {
		t.Errorf("expected partial results to contain only A, got %#v", result.PartialResults)
	}
	if got := invoker.callCount(); got != 1 {
		t.Errorf("only A may have been dispatched before the pause; got %d calls", got)
	}

	// Persisted state drives resumption
	persisted, err := store.Get(context.Background(), result.ExecutionID)
	if err != nil {
		t.Fatalf("paused state must be durable: %v", err)
	}
	if persisted.Status != StatusPausedForApproval || persisted.PausedAtNode != "H" {
		t.Errorf("unexpected persisted pause state: %s at %q", persisted.Status, persisted.PausedAtNode)
	}

	resumed, err := coordinator.Resume(context.Background(), result.ExecutionID, &ApprovalDecision{
		Approved:   true,
		ApprovedBy: "operator",
	})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	if resumed.Status != StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", resumed.Status)
	}
	if len(resumed.Results) != 3 {
		t.Errorf("expected results for A, H, B; got %d", len(resumed.Results))
	}
	approval := resumed.Results["H"]
	if approval == nil || !approval.Success {
		t.Fatalf("expected synthetic approval record for H, got %#v", approval)
	}
	if m := approval.ResultMap(); m == nil || m["approved"] != true {
		t.Errorf("expected approved=true in synthetic record, got %#v", approval.Result)
	}
	if len(invoker.callsFor("b")) != 1 {
		t.Error("B must run after resume")
	}
	if len(invoker.callsFor("a")) != 1 {
		t.Error("A's result must be reused, not re-dispatched")
	}
}

func TestCoordinator_ResumeRejectionCancels(t *testing.T) {
	invoker := newMockInvoker()

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "H", AgentName: HITLAgentName, ToolName: HITLToolName},
			{ID: "B", AgentName: "worker", ToolName: "b"},
		},
		Edges: []Edge{{From: "H", To: "B"}},
	}

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())
	if result.Status != StatusPausedForApproval {
		t.Fatalf("expected pause, got %s", result.Status)
	}

	resumed, err := coordinator.Resume(context.Background(), result.ExecutionID, &ApprovalDecision{Approved: false})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Status != StatusCancelled {
		t.Errorf("expected cancelled after rejection, got %s", resumed.Status)
	}
	if invoker.callCount() != 0 {
		t.Errorf("no node may run after rejection; got %d calls", invoker.callCount())
	}
}

func TestCoordinator_HITLDisabledAutoApproves(t *testing.T) {
	invoker := newMockInvoker()

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "H", AgentName: HITLAgentName, ToolName: HITLToolName},
		},
	}

	config := DefaultExecutionConfig()
	config.EnableHITL = false

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, config)

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed with HITL disabled, got %s", result.Status)
	}
	if m := result.Results["H"].ResultMap(); m == nil || m["auto_approved"] != true {
		t.Errorf("expected auto-approved record, got %#v", result.Results["H"])
	}
}

func TestCoordinator_ResumeFromWrongStatus(t *testing.T) {
	invoker := newMockInvoker()

	graph := &IntentGraph{
		Nodes: []Node{{ID: "A", AgentName: "worker", ToolName: "run"}},
	}

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())
	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}

	_, err := coordinator.Resume(context.Background(), result.ExecutionID, nil)
	if err == nil {
		t.Fatal("expected invalid transition error")
	}
	if !core.IsInvalidTransition(err) {
		t.Errorf("expected InvalidTransition, got %v", err)
	}
}

func TestCoordinator_DecisionFalseSkipsBranch(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handle("worker", "classify", func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"category": "spam"}, nil
	})

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "classify", AgentName: "worker", ToolName: "classify"},
			{
				ID: "gate", AgentName: "worker", ToolName: "gate",
				NodeType:  NodeTypeDecision,
				Condition: `results.classify.category == "important"`,
			},
			{ID: "notify", AgentName: "worker", ToolName: "notify"},
		},
		Edges: []Edge{{From: "classify", To: "gate"}, {From: "gate", To: "notify"}},
	}

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error %+v)", result.Status, result.Error)
	}
	if len(invoker.callsFor("notify")) != 0 {
		t.Error("notify must be skipped when the decision is false")
	}
	notify := result.Results["notify"]
	if notify == nil || !notify.Skipped {
		t.Errorf("expected a skipped envelope for notify, got %#v", notify)
	}
	gate := result.Results["gate"]
	if m := gate.ResultMap(); m == nil || m["condition_result"] != false {
		t.Errorf("expected condition_result=false, got %#v", gate.Result)
	}
}

func TestCoordinator_UnknownAgentFailsAtStart(t *testing.T) {
	invoker := newMockInvoker()

	graph := &IntentGraph{
		Nodes: []Node{{ID: "A", AgentName: "ghost", ToolName: "run"}},
	}

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())

	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Error == nil || result.Error.Kind != core.KindConfigError {
		t.Errorf("expected ConfigError, got %+v", result.Error)
	}
	if invoker.callCount() != 0 {
		t.Error("no node may be dispatched when the catalog check fails")
	}
}

func TestCoordinator_GlobalTimeout(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handleAny(func(call mockCall) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return map[string]interface{}{"ok": true}, nil
	})

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "A", AgentName: "worker", ToolName: "run"},
			{ID: "B", AgentName: "worker", ToolName: "run"},
		},
		Edges: []Edge{{From: "A", To: "B"}},
	}

	config := DefaultExecutionConfig()
	config.TimeoutMS = 100

	coordinator, _ := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, config)

	if result.Status != StatusFailed {
		t.Fatalf("expected failed on global timeout, got %s", result.Status)
	}
	if result.Error == nil || result.Error.Kind != core.KindNodeTimeout {
		t.Errorf("expected NodeTimeout error, got %+v", result.Error)
	}
}

func TestCoordinator_StateMonotonicity(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handle("worker", "bad", func(call mockCall) (interface{}, error) {
		return nil, &AgentError{Message: "nope"}
	})

	graph := &IntentGraph{
		Nodes: []Node{
			{ID: "ok1", AgentName: "worker", ToolName: "fine"},
			{ID: "bad", AgentName: "worker", ToolName: "bad"},
			{ID: "ok2", AgentName: "worker", ToolName: "fine"},
		},
	}

	coordinator, store := testEngine(testCatalog("worker"), invoker)
	result, _ := coordinator.Execute(context.Background(), graph, nil, DefaultExecutionConfig())

	state, err := store.Get(context.Background(), result.ExecutionID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}

	// Completed and failed are disjoint and together cover all dispatched nodes
	seen := make(map[string]bool)
	for _, id := range state.CompletedNodes {
		seen[id] = true
	}
	for _, id := range state.FailedNodes {
		if seen[id] {
			t.Errorf("node %s is in both completed and failed", id)
		}
		seen[id] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected all 3 dispatched nodes accounted for, got %d", len(seen))
	}
}
