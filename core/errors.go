package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Graph errors
	ErrGraphInvalid  = errors.New("graph is invalid")
	ErrCycleDetected = errors.New("graph contains a cycle")

	// Node execution errors
	ErrNodeTimeout     = errors.New("node execution timeout")
	ErrNodeTransport   = errors.New("agent transport failure")
	ErrNodeApplication = errors.New("agent returned an error")

	// Persistence errors
	ErrPersistenceFailure = errors.New("state persistence failure")
	ErrExecutionNotFound  = errors.New("execution not found")

	// Control errors
	ErrInvalidTransition = errors.New("invalid execution state transition")

	// Configuration errors
	ErrAgentNotFound        = errors.New("agent not found in catalog")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrConnectionFailed   = errors.New("connection failed")
)

// Error kinds surfaced in result envelopes and top-level errors.
// These are the wire-visible classification of failures.
const (
	KindGraphInvalid       = "GraphInvalid"
	KindNodeTimeout        = "NodeTimeout"
	KindNodeTransport      = "NodeTransport"
	KindNodeApplication    = "NodeApplication"
	KindPersistenceFailure = "PersistenceFailure"
	KindHITLPause          = "HITLPause"
	KindInvalidTransition  = "InvalidTransition"
	KindConfigError        = "ConfigError"
)

// FrameworkError provides structured error information with context
// It implements the error interface and supports error wrapping
type FrameworkError struct {
	Op      string // Operation that failed (e.g., "coordinator.Execute")
	Kind    string // Error kind (one of the Kind* constants)
	ID      string // Optional ID of the entity involved (node, execution)
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// KindOf extracts the wire-visible error kind from an error chain.
// Falls back to sentinel inspection when no FrameworkError is present.
func KindOf(err error) string {
	var fe *FrameworkError
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrGraphInvalid), errors.Is(err, ErrCycleDetected):
		return KindGraphInvalid
	case errors.Is(err, ErrNodeTimeout):
		return KindNodeTimeout
	case errors.Is(err, ErrNodeTransport), errors.Is(err, ErrConnectionFailed):
		return KindNodeTransport
	case errors.Is(err, ErrNodeApplication):
		return KindNodeApplication
	case errors.Is(err, ErrPersistenceFailure), errors.Is(err, ErrExecutionNotFound):
		return KindPersistenceFailure
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrInvalidConfiguration), errors.Is(err, ErrMissingConfiguration):
		return KindConfigError
	default:
		return ""
	}
}

// IsRetryable checks if an error is retryable
// Retryable errors are typically transient network or availability issues
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNodeTimeout) ||
		errors.Is(err, ErrNodeTransport) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrAgentNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration) ||
		errors.Is(err, ErrAgentNotFound)
}

// IsInvalidTransition checks if an error is a rejected control transition
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
