package orchestration

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of an execution
type ExecutionStatus string

const (
	StatusRunning           ExecutionStatus = "running"
	StatusPausedForApproval ExecutionStatus = "paused_for_approval"
	StatusCompleted         ExecutionStatus = "completed"
	StatusFailed            ExecutionStatus = "failed"
	StatusCancelled         ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorInfo is the wire-visible error detail inside a result envelope
type ErrorInfo struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// ResultEnvelope is the uniform per-node outcome record
type ResultEnvelope struct {
	Success    bool        `json:"success"`
	Result     interface{} `json:"result,omitempty"`
	Error      *ErrorInfo  `json:"error,omitempty"`
	Attempts   int         `json:"attempts"`
	DurationMS int64       `json:"duration_ms"`

	// Skipped marks nodes bypassed by a false decision branch. Skipped
	// envelopes count as neither completed nor failed.
	Skipped bool `json:"skipped,omitempty"`
}

// ResultMap exposes a node result as a generic map for the resolver and
// for decision conditions. Returns nil when the payload is not a map.
func (r *ResultEnvelope) ResultMap() map[string]interface{} {
	if m, ok := r.Result.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// ExecutionState is the durable per-execution record. The state store owns
// the persistent copy; the coordinator owns the in-memory working copy and
// is the sole writer for its execution id while a run is active.
type ExecutionState struct {
	ExecutionID     string                     `json:"execution_id"`
	Status          ExecutionStatus            `json:"status"`
	Graph           *IntentGraph               `json:"graph"`
	CurrentNode     string                     `json:"current_node,omitempty"`
	CompletedNodes  []string                   `json:"completed_nodes"`
	FailedNodes     []string                   `json:"failed_nodes"`
	SkippedNodes    []string                   `json:"skipped_nodes,omitempty"`
	Results         map[string]*ResultEnvelope `json:"results"`
	Context         map[string]interface{}     `json:"context"`
	Config          ExecutionConfig            `json:"config"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
	PausedAt        *time.Time                 `json:"paused_at,omitempty"`
	CancelledAt     *time.Time                 `json:"cancelled_at,omitempty"`
	PausedAtNode    string                     `json:"paused_at_node,omitempty"`
	PausedReason    string                     `json:"paused_reason,omitempty"`
	CancelledReason string                     `json:"cancelled_reason,omitempty"`
}

// NewExecutionState creates the initial running state for a graph
func NewExecutionState(graph *IntentGraph, context map[string]interface{}) *ExecutionState {
	if context == nil {
		context = make(map[string]interface{})
	}
	now := time.Now()
	return &ExecutionState{
		ExecutionID:    fmt.Sprintf("exec_%s", uuid.New().String()),
		Status:         StatusRunning,
		Graph:          graph,
		CompletedNodes: []string{},
		FailedNodes:    []string{},
		Results:        make(map[string]*ResultEnvelope),
		Context:        context,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RecordResult stores a node's envelope and advances the progress sets.
// CompletedNodes and FailedNodes are append-only and disjoint.
func (s *ExecutionState) RecordResult(nodeID string, envelope *ResultEnvelope) {
	if _, exists := s.Results[nodeID]; exists {
		return
	}
	s.Results[nodeID] = envelope
	switch {
	case envelope.Skipped:
		s.SkippedNodes = append(s.SkippedNodes, nodeID)
	case envelope.Success:
		s.CompletedNodes = append(s.CompletedNodes, nodeID)
	default:
		s.FailedNodes = append(s.FailedNodes, nodeID)
	}
	s.UpdatedAt = time.Now()
}

// Progress returns the fraction of nodes with a recorded outcome
func (s *ExecutionState) Progress() float64 {
	if s.Graph == nil || len(s.Graph.Nodes) == 0 {
		return 0
	}
	done := len(s.CompletedNodes) + len(s.FailedNodes) + len(s.SkippedNodes)
	return float64(done) / float64(len(s.Graph.Nodes))
}

// ControlSignal is a pause or cancel request issued through the control
// API while a coordinator owns the run. It lives under its own store key
// so in-flight state snapshots cannot clobber it; the coordinator applies
// and clears it at the next check point.
type ControlSignal struct {
	Action   string    `json:"action"` // pause, cancel
	Reason   string    `json:"reason,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// Control signal actions
const (
	ControlActionPause  = "pause"
	ControlActionCancel = "cancel"
)

// ApprovalDecision carries the human response delivered on resume
type ApprovalDecision struct {
	Approved        bool                   `json:"approved"`
	ApprovedBy      string                 `json:"approved_by,omitempty"`
	Comment         string                 `json:"comment,omitempty"`
	ModifiedContext map[string]interface{} `json:"modified_context,omitempty"`
}

// ExecutionResult is the envelope returned by execute/resume
type ExecutionResult struct {
	ExecutionID     string                     `json:"execution_id"`
	Status          ExecutionStatus            `json:"status"`
	Results         map[string]*ResultEnvelope `json:"results,omitempty"`
	ExecutionTimeMS int64                      `json:"execution_time_ms"`
	NodesExecuted   int                        `json:"nodes_executed"`
	NodesFailed     int                        `json:"nodes_failed"`
	Context         map[string]interface{}     `json:"context,omitempty"`
	Error           *ErrorInfo                 `json:"error,omitempty"`

	// Pause fields, populated when Status is paused_for_approval
	PausedAtNode       string                     `json:"paused_at_node,omitempty"`
	WaitingForApproval bool                       `json:"waiting_for_approval,omitempty"`
	PartialResults     map[string]*ResultEnvelope `json:"partial_results,omitempty"`
	ResumeInstructions string                     `json:"resume_instructions,omitempty"`
}
