package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/seanpoyner/gaff/core"
)

// GraphStore loads and stores graphs under memory keys, so callers can
// persist a generated graph once and execute it later by key
type GraphStore interface {
	PutGraph(ctx context.Context, key string, graph *IntentGraph) error
	GetGraph(ctx context.Context, key string) (*IntentGraph, error)
}

// ControlAPI exposes the external operations of the engine: execute,
// route, status, pause, resume, cancel. It owns no execution state; it
// reads and writes through the state store and delegates runs to the
// coordinator.
type ControlAPI struct {
	coordinator *Coordinator
	dispatcher  *Dispatcher
	store       StateStore
	graphs      GraphStore // optional; enables graph_memory_key

	logger core.Logger
}

// ControlAPIOption configures the control API
type ControlAPIOption func(*ControlAPI)

// WithGraphStore enables executing graphs referenced by memory key
func WithGraphStore(graphs GraphStore) ControlAPIOption {
	return func(a *ControlAPI) {
		a.graphs = graphs
	}
}

// WithControlLogger sets the logger
func WithControlLogger(logger core.Logger) ControlAPIOption {
	return func(a *ControlAPI) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			a.logger = cal.WithComponent("gaff/orchestration")
		} else {
			a.logger = logger
		}
	}
}

// NewControlAPI creates the control surface over a coordinator
func NewControlAPI(coordinator *Coordinator, dispatcher *Dispatcher, store StateStore, opts ...ControlAPIOption) *ControlAPI {
	a := &ControlAPI{
		coordinator: coordinator,
		dispatcher:  dispatcher,
		store:       store,
		logger:      &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ExecuteGraphRequest is the execute_graph operation input
type ExecuteGraphRequest struct {
	Graph          *IntentGraph           `json:"graph,omitempty"`
	GraphMemoryKey string                 `json:"graph_memory_key,omitempty"`
	Card           *OrchestrationCard     `json:"card,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Config         *ExecutionConfig       `json:"config,omitempty"`
}

// ExecuteGraph resolves the graph, applies quality/safety injection when a
// card requests it, and runs the coordinator to completion or suspension.
func (a *ControlAPI) ExecuteGraph(ctx context.Context, req *ExecuteGraphRequest) (*ExecutionResult, error) {
	graph := req.Graph
	if graph == nil && req.GraphMemoryKey != "" {
		if a.graphs == nil {
			return nil, fmt.Errorf("graph_memory_key given but no graph store configured: %w", core.ErrMissingConfiguration)
		}
		loaded, err := a.graphs.GetGraph(ctx, req.GraphMemoryKey)
		if err != nil {
			return nil, err
		}
		graph = loaded
	}
	if graph == nil {
		return nil, fmt.Errorf("execute_graph requires graph or graph_memory_key: %w", core.ErrInvalidConfiguration)
	}

	config := DefaultExecutionConfig()
	if req.Config != nil {
		config = *req.Config
	}

	// Injection is a no-op unless the card enables quality or safety
	if req.Card != nil {
		graph = Inject(graph, req.Card)
	}

	return a.coordinator.Execute(ctx, graph, req.Context, config)
}

// RouteRequest is the route_to_agent operation input
type RouteRequest struct {
	AgentName   string                 `json:"agent_name"`
	ToolName    string                 `json:"tool_name"`
	Input       map[string]interface{} `json:"input,omitempty"`
	TimeoutMS   int                    `json:"timeout_ms,omitempty"`
	RetryConfig *RetryPolicy           `json:"retry_config,omitempty"`
}

// RouteToAgent invokes a single agent tool outside any graph, through the
// same dispatch pipeline executions use
func (a *ControlAPI) RouteToAgent(ctx context.Context, req *RouteRequest) (*ResultEnvelope, error) {
	if req.AgentName == "" || req.ToolName == "" {
		return nil, fmt.Errorf("route_to_agent requires agent_name and tool_name: %w", core.ErrInvalidConfiguration)
	}
	node := &Node{
		ID:          "route_" + req.AgentName,
		AgentName:   req.AgentName,
		ToolName:    req.ToolName,
		TimeoutMS:   req.TimeoutMS,
		RetryPolicy: req.RetryConfig,
	}
	return a.dispatcher.Dispatch(ctx, node, req.Input), nil
}

// StatusSnapshot is the get_execution_status response
type StatusSnapshot struct {
	ExecutionID        string          `json:"execution_id"`
	Status             ExecutionStatus `json:"status"`
	ProgressPercentage float64         `json:"progress_percentage"`
	CurrentNode        string          `json:"current_node,omitempty"`
	TotalNodes         int             `json:"total_nodes"`
	CompletedNodes     []string        `json:"completed_nodes"`
	FailedNodes        []string        `json:"failed_nodes"`
	SkippedNodes       []string        `json:"skipped_nodes,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	PausedAtNode       string          `json:"paused_at_node,omitempty"`
	PausedReason       string          `json:"paused_reason,omitempty"`
	PausedAt           *time.Time      `json:"paused_at,omitempty"`
	CancelledReason    string          `json:"cancelled_reason,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
}

// Status returns a snapshot of an execution's progress
func (a *ControlAPI) Status(ctx context.Context, executionID string) (*StatusSnapshot, error) {
	state, err := a.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	snapshot := &StatusSnapshot{
		ExecutionID:        state.ExecutionID,
		Status:             state.Status,
		ProgressPercentage: state.Progress() * 100,
		CurrentNode:        state.CurrentNode,
		TotalNodes:         len(state.Graph.Nodes),
		CompletedNodes:     state.CompletedNodes,
		FailedNodes:        state.FailedNodes,
		SkippedNodes:       state.SkippedNodes,
		CreatedAt:          state.CreatedAt,
		UpdatedAt:          state.UpdatedAt,
		PausedAtNode:       state.PausedAtNode,
		PausedReason:       state.PausedReason,
		PausedAt:           state.PausedAt,
		CancelledReason:    state.CancelledReason,
		CancelledAt:        state.CancelledAt,
	}
	return snapshot, nil
}

// PauseResponse is the pause_execution response
type PauseResponse struct {
	Paused       bool   `json:"paused"`
	PausedAtNode string `json:"paused_at_node,omitempty"`
}

// Pause requests suspension of a running execution. The in-flight node is
// not interrupted; the coordinator honors the request at its next check.
func (a *ControlAPI) Pause(ctx context.Context, executionID, reason string) (*PauseResponse, error) {
	state, err := a.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusRunning {
		return nil, &core.FrameworkError{
			Op:   "control.Pause",
			Kind: core.KindInvalidTransition,
			ID:   executionID,
			Err:  fmt.Errorf("cannot pause from status %q: %w", state.Status, core.ErrInvalidTransition),
		}
	}

	now := time.Now()
	state.Status = StatusPausedForApproval
	state.PausedAt = &now
	state.PausedReason = reason
	if err := a.store.Put(ctx, state); err != nil {
		return nil, err
	}
	// The signal survives concurrent snapshot writes from the coordinator
	if err := a.store.PutControl(ctx, executionID, &ControlSignal{
		Action:   ControlActionPause,
		Reason:   reason,
		IssuedAt: now,
	}); err != nil {
		return nil, err
	}

	a.logger.InfoWithContext(ctx, "Pause requested", map[string]interface{}{
		"operation":    "pause_execution",
		"execution_id": executionID,
		"reason":       reason,
	})
	return &PauseResponse{Paused: true, PausedAtNode: state.CurrentNode}, nil
}

// ResumeResponse is the resume_execution response
type ResumeResponse struct {
	Resumed bool             `json:"resumed"`
	Result  *ExecutionResult `json:"result,omitempty"`
}

// Resume restarts a paused execution through the coordinator, merging an
// optional approval decision into the context first
func (a *ControlAPI) Resume(ctx context.Context, executionID string, decision *ApprovalDecision) (*ResumeResponse, error) {
	// Drop any unconsumed pause signal before handing back to the coordinator
	if err := a.store.ClearControl(ctx, executionID); err != nil {
		a.logger.WarnWithContext(ctx, "Failed to clear control signal on resume", map[string]interface{}{
			"operation":    "resume_execution",
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}

	result, err := a.coordinator.Resume(ctx, executionID, decision)
	if err != nil {
		return nil, err
	}
	return &ResumeResponse{Resumed: true, Result: result}, nil
}

// CancelResponse is the cancel_execution response
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// Cancel stops an execution from any non-terminal state. In-flight nodes
// complete and their results are recorded; no new nodes are dispatched.
func (a *ControlAPI) Cancel(ctx context.Context, executionID, reason string) (*CancelResponse, error) {
	state, err := a.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return nil, &core.FrameworkError{
			Op:   "control.Cancel",
			Kind: core.KindInvalidTransition,
			ID:   executionID,
			Err:  fmt.Errorf("cannot cancel from status %q: %w", state.Status, core.ErrInvalidTransition),
		}
	}

	now := time.Now()
	wasRunning := state.Status == StatusRunning
	state.Status = StatusCancelled
	state.CancelledAt = &now
	state.CancelledReason = reason
	if err := a.store.Put(ctx, state); err != nil {
		return nil, err
	}
	if wasRunning {
		if err := a.store.PutControl(ctx, executionID, &ControlSignal{
			Action:   ControlActionCancel,
			Reason:   reason,
			IssuedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	a.logger.InfoWithContext(ctx, "Cancel requested", map[string]interface{}{
		"operation":    "cancel_execution",
		"execution_id": executionID,
		"reason":       reason,
	})
	return &CancelResponse{Cancelled: true}, nil
}

// ListExecutions returns known execution ids
func (a *ControlAPI) ListExecutions(ctx context.Context) ([]string, error) {
	return a.store.ListExecutions(ctx)
}
