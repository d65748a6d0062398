package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/seanpoyner/gaff/core"
	"github.com/seanpoyner/gaff/telemetry"
)

// ExecutionConfig controls a single execution run
type ExecutionConfig struct {
	MaxParallel        int  `json:"max_parallel"`
	TimeoutMS          int  `json:"timeout_ms"`
	EnableQualityCheck bool `json:"enable_quality_check"`
	EnableHITL         bool `json:"enable_hitl"`
	MaxRetries         int  `json:"max_retries"`
	StoreStateInMemory bool `json:"store_state_in_memory"`
}

// DefaultExecutionConfig returns the documented defaults
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxParallel:        5,
		TimeoutMS:          300000,
		EnableQualityCheck: false,
		EnableHITL:         true,
		MaxRetries:         3,
		StoreStateInMemory: true,
	}
}

// UnmarshalJSON overlays the wire config onto the defaults, so fields the
// caller omits keep their documented default rather than the zero value.
func (c *ExecutionConfig) UnmarshalJSON(data []byte) error {
	type alias ExecutionConfig
	tmp := alias(DefaultExecutionConfig())
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*c = ExecutionConfig(tmp)
	return nil
}

// normalized fills zero values with defaults
func (c ExecutionConfig) normalized() ExecutionConfig {
	defaults := DefaultExecutionConfig()
	if c.MaxParallel < 1 {
		c.MaxParallel = defaults.MaxParallel
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = defaults.TimeoutMS
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = defaults.MaxRetries
	}
	return c
}

// Coordinator drives a graph execution: it validates, schedules, resolves,
// dispatches, persists, and handles suspension. Exactly one coordinator
// owns an execution id at a time; the state store holds the durable copy
// and the coordinator mutates its in-memory working copy as the sole
// writer for the run.
type Coordinator struct {
	catalog    *AgentCatalog
	dispatcher *Dispatcher
	store      StateStore

	logger  core.Logger
	metrics *EngineMetrics
}

// CoordinatorOption configures optional coordinator dependencies
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger
func WithCoordinatorLogger(logger core.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			c.logger = cal.WithComponent("gaff/orchestration")
		} else {
			c.logger = logger
		}
	}
}

// WithCoordinatorMetrics sets the metrics sink
func WithCoordinatorMetrics(metrics *EngineMetrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// NewCoordinator creates an execution coordinator
func NewCoordinator(catalog *AgentCatalog, dispatcher *Dispatcher, store StateStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		catalog:    catalog,
		dispatcher: dispatcher,
		store:      store,
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs a graph to completion, failure, or suspension. Validation
// failures return a failed envelope without dispatching any node.
func (c *Coordinator) Execute(ctx context.Context, graph *IntentGraph, execContext map[string]interface{}, config ExecutionConfig) (*ExecutionResult, error) {
	config = config.normalized()
	start := time.Now()

	state := NewExecutionState(graph, execContext)
	state.Config = config

	ctx, span := telemetry.StartSpan(ctx, "orchestration.execute",
		attribute.String("execution_id", state.ExecutionID),
		attribute.Int("node_count", len(graph.Nodes)),
	)
	defer span.End()

	c.logger.InfoWithContext(ctx, "Starting graph execution", map[string]interface{}{
		"operation":    "execute_start",
		"execution_id": state.ExecutionID,
		"node_count":   len(graph.Nodes),
		"edge_count":   len(graph.Edges),
		"max_parallel": config.MaxParallel,
	})

	c.persist(ctx, state, config)

	if err := ValidateGraph(graph); err != nil {
		return c.failBeforeDispatch(ctx, state, config, start, err), nil
	}
	if err := c.catalog.ValidateGraphAgents(graph); err != nil {
		return c.failBeforeDispatch(ctx, state, config, start, err), nil
	}

	batches := BatchLayers(graph)
	telemetry.AddSpanEvent(ctx, "graph_scheduled",
		attribute.Int("batch_count", len(batches)),
	)

	return c.run(ctx, state, batches, 0, config, start)
}

// Resume restarts a paused execution from the first node of the batch that
// contained the paused node. Results recorded before the pause are reused;
// an approved HITL node receives a synthetic approval envelope.
func (c *Coordinator) Resume(ctx context.Context, executionID string, decision *ApprovalDecision) (*ExecutionResult, error) {
	state, err := c.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusPausedForApproval {
		return nil, &core.FrameworkError{
			Op:   "coordinator.Resume",
			Kind: core.KindInvalidTransition,
			ID:   executionID,
			Err:  fmt.Errorf("cannot resume from status %q: %w", state.Status, core.ErrInvalidTransition),
		}
	}

	config := state.Config.normalized()
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "orchestration.resume",
		attribute.String("execution_id", executionID),
	)
	defer span.End()

	if decision != nil {
		for k, v := range decision.ModifiedContext {
			state.Context[k] = v
		}
	}

	pausedNode := state.PausedAtNode
	if pausedNode != "" {
		if node := state.Graph.NodeByID(pausedNode); node != nil && node.IsHITL() {
			if decision != nil && !decision.Approved {
				now := time.Now()
				state.Status = StatusCancelled
				state.CancelledAt = &now
				state.CancelledReason = "approval rejected"
				if decision.Comment != "" {
					state.CancelledReason = "approval rejected: " + decision.Comment
				}
				c.persist(ctx, state, config)
				c.recordExecution(state.Status, start)
				return c.finalResult(state, start), nil
			}
			state.RecordResult(pausedNode, approvalEnvelope(decision))
		}
	}

	state.Status = StatusRunning
	state.PausedAtNode = ""
	state.PausedAt = nil
	state.PausedReason = ""
	c.persist(ctx, state, config)

	c.logger.InfoWithContext(ctx, "Resuming execution", map[string]interface{}{
		"operation":    "execute_resume",
		"execution_id": executionID,
		"paused_node":  pausedNode,
	})

	batches := BatchLayers(state.Graph)
	startBatch := 0
	if pausedNode != "" {
		if idx := batchIndexOf(batches, pausedNode); idx >= 0 {
			startBatch = idx
		}
	}

	return c.run(ctx, state, batches, startBatch, config, start)
}

// approvalEnvelope builds the synthetic result recorded for an approved
// HITL node
func approvalEnvelope(decision *ApprovalDecision) *ResultEnvelope {
	result := map[string]interface{}{"approved": true}
	if decision != nil {
		if decision.ApprovedBy != "" {
			result["approved_by"] = decision.ApprovedBy
		}
		if decision.Comment != "" {
			result["comment"] = decision.Comment
		}
	}
	return &ResultEnvelope{Success: true, Result: result, Attempts: 1}
}

// run drives batches in order. Each batch is a fan-out/fan-in barrier:
// nodes dispatch concurrently bounded by MaxParallel, and the next batch
// starts only after every node in the current batch has settled.
func (c *Coordinator) run(ctx context.Context, state *ExecutionState, batches [][]string, startBatch int, config ExecutionConfig, start time.Time) (*ExecutionResult, error) {
	execCtx := ctx
	if config.TimeoutMS > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(config.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	index := state.Graph.NodeIndex()
	successors, _ := adjacency(state.Graph)

	// Bounded parallelism across the whole execution
	sem := make(chan struct{}, config.MaxParallel)

	// mu guards the state working copy and the skip set
	var mu sync.Mutex

	// Rebuild the skip set from recorded decision outcomes so resume
	// honors branches that were already pruned
	skipped := make(map[string]bool)
	for nodeID, envelope := range state.Results {
		if node := index[nodeID]; node != nil && node.NodeType == NodeTypeDecision && envelope.Success {
			if m := envelope.ResultMap(); m != nil {
				if verdict, ok := m["condition_result"].(bool); ok && !verdict {
					markSkippedDescendants(successors, nodeID, skipped)
				}
			}
		}
	}

	for bi := startBatch; bi < len(batches); bi++ {
		// Pause and cancel take effect at batch boundaries
		if result := c.checkExternalStop(execCtx, state, config, start); result != nil {
			return result, nil
		}
		if execCtx.Err() != nil {
			return c.failTimedOut(ctx, state, config, start), nil
		}

		batch := batches[bi]

		// A HITL node suspends the execution before any node in its batch
		// is dispatched; the persisted state is what resumption reads.
		if config.EnableHITL {
			for _, nodeID := range batch {
				if _, done := state.Results[nodeID]; done {
					continue
				}
				node := index[nodeID]
				if node == nil || !node.IsHITL() || skipped[nodeID] {
					continue
				}
				return c.pauseForApproval(ctx, state, config, node, start), nil
			}
		}

		var wg sync.WaitGroup
		for _, nodeID := range batch {
			if _, done := state.Results[nodeID]; done {
				continue
			}
			node := index[nodeID]
			if node == nil {
				continue
			}

			if skipped[nodeID] {
				mu.Lock()
				state.RecordResult(nodeID, &ResultEnvelope{Skipped: true})
				c.persist(execCtx, state, config)
				mu.Unlock()
				continue
			}

			wg.Add(1)
			go func(node *Node) {
				defer wg.Done()

				select {
				case sem <- struct{}{}:
				case <-execCtx.Done():
					return
				}
				defer func() { <-sem }()

				// Cancellation is cooperative: re-check the persisted
				// status before dispatching each node
				if execCtx.Err() != nil || c.stopRequested(execCtx, state.ExecutionID, config) {
					return
				}

				mu.Lock()
				state.CurrentNode = node.ID
				resultsSnapshot := make(map[string]*ResultEnvelope, len(state.Results))
				for k, v := range state.Results {
					resultsSnapshot[k] = v
				}
				contextSnapshot := state.Context
				c.persist(execCtx, state, config)
				mu.Unlock()

				envelope, branchPruned := c.executeNode(execCtx, node, resultsSnapshot, contextSnapshot, config)

				mu.Lock()
				state.RecordResult(node.ID, envelope)
				if branchPruned {
					markSkippedDescendants(successors, node.ID, skipped)
				}
				c.persist(execCtx, state, config)
				mu.Unlock()
			}(node)
		}
		wg.Wait()
	}

	// Terminal status; a cancel that landed during the last batch wins
	if result := c.checkExternalStop(ctx, state, config, start); result != nil {
		return result, nil
	}
	if execCtx.Err() != nil && len(state.Results) < len(state.Graph.Nodes) {
		return c.failTimedOut(ctx, state, config, start), nil
	}

	state.CurrentNode = ""
	if len(state.FailedNodes) > 0 {
		state.Status = StatusFailed
	} else {
		state.Status = StatusCompleted
	}
	c.persist(ctx, state, config)
	c.recordExecution(state.Status, start)

	c.logger.InfoWithContext(ctx, "Graph execution finished", map[string]interface{}{
		"operation":    "execute_finish",
		"execution_id": state.ExecutionID,
		"status":       string(state.Status),
		"completed":    len(state.CompletedNodes),
		"failed":       len(state.FailedNodes),
		"skipped":      len(state.SkippedNodes),
		"duration_ms":  time.Since(start).Milliseconds(),
	})

	return c.finalResult(state, start), nil
}

// executeNode produces the envelope for one node. Decision and HITL nodes
// are handled in-engine; everything else goes through the dispatcher.
// branchPruned is true when a decision condition evaluated false.
func (c *Coordinator) executeNode(ctx context.Context, node *Node, results map[string]*ResultEnvelope, execContext map[string]interface{}, config ExecutionConfig) (*ResultEnvelope, bool) {
	start := time.Now()

	// HITL with approval disabled passes through as auto-approved
	if node.IsHITL() {
		return &ResultEnvelope{
			Success:    true,
			Result:     map[string]interface{}{"approved": true, "auto_approved": true},
			Attempts:   1,
			DurationMS: time.Since(start).Milliseconds(),
		}, false
	}

	if node.NodeType == NodeTypeDecision {
		verdict, err := EvaluateCondition(node.Condition, results, execContext)
		if err != nil {
			return &ResultEnvelope{
				Success:    false,
				Error:      &ErrorInfo{Message: err.Error(), Kind: core.KindNodeApplication},
				Attempts:   1,
				DurationMS: time.Since(start).Milliseconds(),
			}, false
		}
		return &ResultEnvelope{
			Success:    true,
			Result:     map[string]interface{}{"condition_result": verdict},
			Attempts:   1,
			DurationMS: time.Since(start).Milliseconds(),
		}, !verdict
	}

	resolved := ResolveInputs(node.Input, results, execContext)
	return c.dispatcher.Dispatch(ctx, node, resolved), false
}

// markSkippedDescendants prunes everything downstream of a node
func markSkippedDescendants(successors map[string][]string, nodeID string, skipped map[string]bool) {
	for _, next := range successors[nodeID] {
		if skipped[next] {
			continue
		}
		skipped[next] = true
		markSkippedDescendants(successors, next, skipped)
	}
}

// pauseForApproval suspends the execution at a HITL node. The in-memory
// state is released after persisting; only the durable copy matters for
// resumption.
func (c *Coordinator) pauseForApproval(ctx context.Context, state *ExecutionState, config ExecutionConfig, node *Node, start time.Time) *ExecutionResult {
	now := time.Now()
	state.Status = StatusPausedForApproval
	state.PausedAtNode = node.ID
	state.PausedAt = &now
	state.PausedReason = node.Purpose
	if state.PausedReason == "" {
		state.PausedReason = "awaiting human approval"
	}
	state.CurrentNode = node.ID
	c.persist(ctx, state, config)
	c.recordExecution(state.Status, start)

	telemetry.AddSpanEvent(ctx, "execution_paused",
		attribute.String("execution_id", state.ExecutionID),
		attribute.String("node_id", node.ID),
	)
	c.logger.InfoWithContext(ctx, "Execution paused for approval", map[string]interface{}{
		"operation":    "execute_pause",
		"execution_id": state.ExecutionID,
		"node_id":      node.ID,
	})

	return &ExecutionResult{
		ExecutionID:        state.ExecutionID,
		Status:             StatusPausedForApproval,
		PausedAtNode:       node.ID,
		WaitingForApproval: true,
		PartialResults:     state.Results,
		Context:            state.Context,
		ExecutionTimeMS:    time.Since(start).Milliseconds(),
		NodesExecuted:      len(state.CompletedNodes),
		NodesFailed:        len(state.FailedNodes),
		ResumeInstructions: fmt.Sprintf("resume_execution with execution_id %s and an approval_decision", state.ExecutionID),
	}
}

// checkExternalStop applies a pending pause or cancel signal issued
// through the control API. Signals live under their own store key so
// in-flight state snapshots cannot clobber them; the coordinator clears a
// signal once applied, and ControlAPI.Resume clears an unconsumed one.
// Returns a result to surface, or nil to keep running.
func (c *Coordinator) checkExternalStop(ctx context.Context, state *ExecutionState, config ExecutionConfig, start time.Time) *ExecutionResult {
	if !config.StoreStateInMemory || c.store == nil {
		return nil
	}
	signal, err := c.store.GetControl(ctx, state.ExecutionID)
	if err != nil {
		// A read failure never aborts the run
		c.logger.WarnWithContext(ctx, "Failed to read control signal", map[string]interface{}{
			"operation":    "external_stop_check",
			"execution_id": state.ExecutionID,
			"error":        err.Error(),
		})
		return nil
	}
	if signal == nil {
		return nil
	}

	if err := c.store.ClearControl(ctx, state.ExecutionID); err != nil {
		c.logger.WarnWithContext(ctx, "Failed to clear control signal", map[string]interface{}{
			"operation":    "external_stop_check",
			"execution_id": state.ExecutionID,
			"error":        err.Error(),
		})
	}

	now := time.Now()
	switch signal.Action {
	case ControlActionCancel:
		state.Status = StatusCancelled
		state.CancelledAt = &now
		state.CancelledReason = signal.Reason
		state.CurrentNode = ""
		c.persist(ctx, state, config)
		c.recordExecution(state.Status, start)
		telemetry.AddSpanEvent(ctx, "execution_cancelled",
			attribute.String("execution_id", state.ExecutionID),
		)
		return c.finalResult(state, start)
	case ControlActionPause:
		state.Status = StatusPausedForApproval
		state.PausedAt = &now
		state.PausedReason = signal.Reason
		c.persist(ctx, state, config)
		c.recordExecution(state.Status, start)
		return &ExecutionResult{
			ExecutionID:        state.ExecutionID,
			Status:             StatusPausedForApproval,
			WaitingForApproval: true,
			PartialResults:     state.Results,
			Context:            state.Context,
			ExecutionTimeMS:    time.Since(start).Milliseconds(),
			NodesExecuted:      len(state.CompletedNodes),
			NodesFailed:        len(state.FailedNodes),
			ResumeInstructions: fmt.Sprintf("resume_execution with execution_id %s", state.ExecutionID),
		}
	default:
		return nil
	}
}

// stopRequested is the cheap between-nodes check for an external pause or
// cancel. The signal is observed but not applied here; application happens
// at the batch boundary.
func (c *Coordinator) stopRequested(ctx context.Context, executionID string, config ExecutionConfig) bool {
	if !config.StoreStateInMemory || c.store == nil {
		return false
	}
	signal, err := c.store.GetControl(ctx, executionID)
	if err != nil {
		return false
	}
	return signal != nil
}

// failBeforeDispatch finalizes an execution that never dispatched a node
func (c *Coordinator) failBeforeDispatch(ctx context.Context, state *ExecutionState, config ExecutionConfig, start time.Time, err error) *ExecutionResult {
	telemetry.RecordSpanError(ctx, err)
	c.logger.ErrorWithContext(ctx, "Graph rejected before dispatch", map[string]interface{}{
		"operation":    "execute_validate",
		"execution_id": state.ExecutionID,
		"error":        err.Error(),
	})

	state.Status = StatusFailed
	c.persist(ctx, state, config)
	c.recordExecution(state.Status, start)

	result := c.finalResult(state, start)
	result.Error = &ErrorInfo{Message: err.Error(), Kind: core.KindOf(err)}
	return result
}

// failTimedOut finalizes an execution that exceeded the global timeout
func (c *Coordinator) failTimedOut(ctx context.Context, state *ExecutionState, config ExecutionConfig, start time.Time) *ExecutionResult {
	state.Status = StatusFailed
	state.CurrentNode = ""
	c.persist(ctx, state, config)
	c.recordExecution(state.Status, start)

	result := c.finalResult(state, start)
	result.Error = &ErrorInfo{
		Message: fmt.Sprintf("execution exceeded timeout of %dms", config.TimeoutMS),
		Kind:    core.KindNodeTimeout,
	}
	return result
}

func (c *Coordinator) finalResult(state *ExecutionState, start time.Time) *ExecutionResult {
	return &ExecutionResult{
		ExecutionID:     state.ExecutionID,
		Status:          state.Status,
		Results:         state.Results,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		NodesExecuted:   len(state.CompletedNodes),
		NodesFailed:     len(state.FailedNodes),
		Context:         state.Context,
	}
}

// persist writes the state snapshot. Persistence failures are logged and
// never abort execution; a node result already returned is not rolled
// back (at-least-once state externalization).
func (c *Coordinator) persist(ctx context.Context, state *ExecutionState, config ExecutionConfig) {
	if !config.StoreStateInMemory || c.store == nil {
		return
	}
	if err := c.store.Put(ctx, state); err != nil {
		c.logger.ErrorWithContext(ctx, "Failed to persist execution state", map[string]interface{}{
			"operation":    "state_persist",
			"execution_id": state.ExecutionID,
			"status":       string(state.Status),
			"error":        err.Error(),
		})
	}
}

func (c *Coordinator) recordExecution(status ExecutionStatus, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordExecution(status, time.Since(start))
	}
}
