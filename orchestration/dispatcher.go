package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/seanpoyner/gaff/core"
	"github.com/seanpoyner/gaff/telemetry"
)

// Backoff delay caps
const (
	exponentialBackoffCap = 30 * time.Second
	linearBackoffCap      = 10 * time.Second
	backoffUnit           = time.Second
)

// AgentInvoker performs a single invocation against an agent. Variants
// include the HTTP endpoint client and in-process mocks for tests; all
// share the contract (tool_name, input) -> structured result.
type AgentInvoker interface {
	Invoke(ctx context.Context, agent *AgentDefinition, tool string, input map[string]interface{}) (interface{}, error)
}

// AgentError is a structured error returned by an agent itself, as opposed
// to a transport failure reaching it. Application errors are never
// retried; a retry policy sets attempt count and backoff only.
type AgentError struct {
	Message string
	Detail  interface{}
}

func (e *AgentError) Error() string {
	return e.Message
}

func (e *AgentError) Unwrap() error {
	return core.ErrNodeApplication
}

// Dispatcher invokes a single node against its named agent with timeout,
// retry, and backoff, and standardizes the outcome envelope. HITL nodes
// are never dispatched here; the coordinator short-circuits them.
type Dispatcher struct {
	catalog        *AgentCatalog
	invoker        AgentInvoker
	defaultTimeout time.Duration
	maxAttempts    int

	logger  core.Logger
	metrics *EngineMetrics

	// sleep is swapped in tests to observe backoff without waiting
	sleep func(ctx context.Context, d time.Duration) error
}

// DispatcherOption configures optional dispatcher dependencies
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger core.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			d.logger = cal.WithComponent("gaff/orchestration")
		} else {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics sets the metrics sink
func WithDispatcherMetrics(metrics *EngineMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithDefaultTimeout sets the fallback per-node timeout
func WithDefaultTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.defaultTimeout = timeout
		}
	}
}

// WithMaxAttempts sets the fallback attempt cap when neither the node nor
// its agent declares a retry policy
func WithMaxAttempts(max int) DispatcherOption {
	return func(d *Dispatcher) {
		if max >= 1 {
			d.maxAttempts = max
		}
	}
}

// NewDispatcher creates a dispatcher over the given catalog and invoker
func NewDispatcher(catalog *AgentCatalog, invoker AgentInvoker, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		catalog:        catalog,
		invoker:        invoker,
		defaultTimeout: 5 * time.Minute,
		maxAttempts:    3,
		logger:         &core.NoOpLogger{},
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch invokes the node's agent with the resolved input and returns a
// standardized result envelope. The envelope always carries the attempt
// count and total duration, on success and failure alike.
func (d *Dispatcher) Dispatch(ctx context.Context, node *Node, input map[string]interface{}) *ResultEnvelope {
	start := time.Now()

	agent, err := d.catalog.Get(node.AgentName)
	if err != nil {
		return &ResultEnvelope{
			Success:    false,
			Error:      &ErrorInfo{Message: err.Error(), Kind: core.KindConfigError},
			Attempts:   0,
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	timeout := d.nodeTimeout(node, agent)
	policy := d.retryPolicy(node, agent)

	telemetry.AddSpanEvent(ctx, "node_dispatch_started",
		attribute.String("node_id", node.ID),
		attribute.String("agent", agent.Name),
		attribute.String("tool", node.ToolName),
	)

	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := d.invoker.Invoke(attemptCtx, agent, node.ToolName, input)
		cancel()

		if err == nil {
			duration := time.Since(start)
			if d.metrics != nil {
				d.metrics.RecordDispatch(node.ID, true, attempts, duration)
			}
			telemetry.AddSpanEvent(ctx, "node_dispatch_completed",
				attribute.String("node_id", node.ID),
				attribute.Int("attempts", attempts),
			)
			return &ResultEnvelope{
				Success:    true,
				Result:     result,
				Attempts:   attempts,
				DurationMS: duration.Milliseconds(),
			}
		}

		lastErr = classifyInvokeError(err, attemptCtx)

		d.logger.WarnWithContext(ctx, "Node dispatch attempt failed", map[string]interface{}{
			"operation": "node_dispatch_attempt",
			"node_id":   node.ID,
			"agent":     agent.Name,
			"tool":      node.ToolName,
			"attempt":   attempt,
			"error":     lastErr.Error(),
		})

		// Application errors are final; transport and timeout errors retry
		if !core.IsRetryable(lastErr) {
			break
		}
		if attempt == policy.MaxAttempts {
			break
		}

		if err := d.sleep(ctx, backoffDelay(policy.Backoff, attempt)); err != nil {
			lastErr = err
			break
		}
	}

	duration := time.Since(start)
	if d.metrics != nil {
		d.metrics.RecordDispatch(node.ID, false, attempts, duration)
	}
	telemetry.RecordSpanError(ctx, lastErr)
	telemetry.AddSpanEvent(ctx, "node_dispatch_failed",
		attribute.String("node_id", node.ID),
		attribute.Int("attempts", attempts),
	)

	return &ResultEnvelope{
		Success:    false,
		Error:      &ErrorInfo{Message: lastErr.Error(), Kind: errorKind(lastErr)},
		Attempts:   attempts,
		DurationMS: duration.Milliseconds(),
	}
}

// nodeTimeout resolves the effective timeout: node, then agent, then the
// dispatcher default
func (d *Dispatcher) nodeTimeout(node *Node, agent *AgentDefinition) time.Duration {
	if node.TimeoutMS > 0 {
		return time.Duration(node.TimeoutMS) * time.Millisecond
	}
	if agent.TimeoutMS > 0 {
		return time.Duration(agent.TimeoutMS) * time.Millisecond
	}
	return d.defaultTimeout
}

// retryPolicy resolves the effective retry policy: node, then agent, then
// the dispatcher default with exponential backoff
func (d *Dispatcher) retryPolicy(node *Node, agent *AgentDefinition) RetryPolicy {
	policy := RetryPolicy{MaxAttempts: d.maxAttempts, Backoff: BackoffExponential}
	if agent.RetryPolicy != nil {
		policy = *agent.RetryPolicy
	}
	if node.RetryPolicy != nil {
		policy = *node.RetryPolicy
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff == "" {
		policy.Backoff = BackoffExponential
	}
	return policy
}

// backoffDelay computes the wait before the next attempt. For attempt i
// (starting at 1): exponential 2^i seconds capped at 30s, linear i seconds
// capped at 10s.
func backoffDelay(strategy BackoffStrategy, attempt int) time.Duration {
	switch strategy {
	case BackoffLinear:
		delay := time.Duration(attempt) * backoffUnit
		if delay > linearBackoffCap {
			delay = linearBackoffCap
		}
		return delay
	default:
		shift := attempt
		if shift > 30 {
			shift = 30
		}
		delay := backoffUnit * time.Duration(1<<uint(shift))
		if delay > exponentialBackoffCap {
			delay = exponentialBackoffCap
		}
		return delay
	}
}

// classifyInvokeError maps raw invocation failures onto the engine's
// error taxonomy
func classifyInvokeError(err error, attemptCtx context.Context) error {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || (attemptCtx != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)) {
		return fmt.Errorf("node dispatch timed out: %w", core.ErrNodeTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if core.IsRetryable(err) || errors.Is(err, core.ErrNodeApplication) {
		return err
	}
	return fmt.Errorf("%v: %w", err, core.ErrNodeTransport)
}

// errorKind maps a classified error onto the wire-visible kind
func errorKind(err error) string {
	if kind := core.KindOf(err); kind != "" {
		return kind
	}
	return core.KindNodeTransport
}
