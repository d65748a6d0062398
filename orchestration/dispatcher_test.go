package orchestration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seanpoyner/gaff/core"
)

// fakeSleep records requested backoff delays without waiting
type fakeSleep struct {
	delays []time.Duration
}

func (f *fakeSleep) sleep(ctx context.Context, d time.Duration) error {
	f.delays = append(f.delays, d)
	return nil
}

func TestDispatcher_SuccessFirstAttempt(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handleAny(func(call mockCall) (interface{}, error) {
		return map[string]interface{}{"x": float64(1)}, nil
	})

	d := NewDispatcher(testCatalog("worker"), invoker)
	node := &Node{ID: "A", AgentName: "worker", ToolName: "run"}

	envelope := d.Dispatch(context.Background(), node, map[string]interface{}{})
	if !envelope.Success {
		t.Fatalf("expected success, got %+v", envelope)
	}
	if envelope.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", envelope.Attempts)
	}
	result := envelope.Result.(map[string]interface{})
	if result["x"] != float64(1) {
		t.Errorf("unexpected result %#v", envelope.Result)
	}
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	invoker := newMockInvoker()
	invoker.handleAny(func(call mockCall) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("flaky: %w", core.ErrNodeTransport)
		}
		return map[string]interface{}{"ok": true}, nil
	})

	sleeper := &fakeSleep{}
	d := NewDispatcher(testCatalog("worker"), invoker)
	d.sleep = sleeper.sleep

	node := &Node{
		ID: "A", AgentName: "worker", ToolName: "run",
		RetryPolicy: &RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential},
	}
	envelope := d.Dispatch(context.Background(), node, nil)

	if !envelope.Success {
		t.Fatalf("expected success after retries, got %+v", envelope.Error)
	}
	if envelope.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", envelope.Attempts)
	}
	if len(sleeper.delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(sleeper.delays))
	}
}

func TestDispatcher_RetryExhaustionFinalFailure(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handleAny(func(call mockCall) (interface{}, error) {
		return nil, fmt.Errorf("always down: %w", core.ErrNodeTransport)
	})

	sleeper := &fakeSleep{}
	d := NewDispatcher(testCatalog("worker"), invoker)
	d.sleep = sleeper.sleep

	node := &Node{
		ID: "A", AgentName: "worker", ToolName: "run",
		RetryPolicy: &RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential},
	}
	envelope := d.Dispatch(context.Background(), node, nil)

	if envelope.Success {
		t.Fatal("expected failure")
	}
	if envelope.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", envelope.Attempts)
	}
	if envelope.Error == nil || envelope.Error.Kind != core.KindNodeTransport {
		t.Errorf("expected NodeTransport kind, got %+v", envelope.Error)
	}

	// Exponential backoff: 2s after attempt 1, 4s after attempt 2
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), sleeper.delays)
	}
	for i, d := range want {
		if sleeper.delays[i] != d {
			t.Errorf("delay %d: expected %v, got %v", i, d, sleeper.delays[i])
		}
	}
}

func TestDispatcher_ApplicationErrorNotRetried(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handleAny(func(call mockCall) (interface{}, error) {
		return nil, &AgentError{Message: "invalid parameters"}
	})

	d := NewDispatcher(testCatalog("worker"), invoker)
	node := &Node{
		ID: "A", AgentName: "worker", ToolName: "run",
		RetryPolicy: &RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential},
	}
	envelope := d.Dispatch(context.Background(), node, nil)

	if envelope.Success {
		t.Fatal("expected failure")
	}
	if envelope.Attempts != 1 {
		t.Errorf("application errors must not retry; got %d attempts", envelope.Attempts)
	}
	if envelope.Error.Kind != core.KindNodeApplication {
		t.Errorf("expected NodeApplication kind, got %q", envelope.Error.Kind)
	}
}

func TestDispatcher_TimeoutIsRetryable(t *testing.T) {
	invoker := newMockInvoker()
	invoker.handleAny(func(call mockCall) (interface{}, error) {
		return nil, context.DeadlineExceeded
	})

	sleeper := &fakeSleep{}
	d := NewDispatcher(testCatalog("worker"), invoker)
	d.sleep = sleeper.sleep

	node := &Node{
		ID: "A", AgentName: "worker", ToolName: "run",
		TimeoutMS:   50,
		RetryPolicy: &RetryPolicy{MaxAttempts: 2, Backoff: BackoffLinear},
	}
	envelope := d.Dispatch(context.Background(), node, nil)

	if envelope.Success {
		t.Fatal("expected failure")
	}
	if envelope.Attempts != 2 {
		t.Errorf("timeouts should retry; got %d attempts", envelope.Attempts)
	}
	if envelope.Error.Kind != core.KindNodeTimeout {
		t.Errorf("expected NodeTimeout kind, got %q", envelope.Error.Kind)
	}
}

func TestDispatcher_UnknownAgent(t *testing.T) {
	d := NewDispatcher(testCatalog("worker"), newMockInvoker())
	node := &Node{ID: "A", AgentName: "ghost", ToolName: "run"}

	envelope := d.Dispatch(context.Background(), node, nil)
	if envelope.Success {
		t.Fatal("expected failure for unknown agent")
	}
	if envelope.Error.Kind != core.KindConfigError {
		t.Errorf("expected ConfigError kind, got %q", envelope.Error.Kind)
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		strategy BackoffStrategy
		attempt  int
		want     time.Duration
	}{
		{BackoffExponential, 1, 2 * time.Second},
		{BackoffExponential, 2, 4 * time.Second},
		{BackoffExponential, 3, 8 * time.Second},
		{BackoffExponential, 10, 30 * time.Second}, // capped
		{BackoffLinear, 1, 1 * time.Second},
		{BackoffLinear, 3, 3 * time.Second},
		{BackoffLinear, 30, 10 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.strategy, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%s, %d) = %v, want %v", tc.strategy, tc.attempt, got, tc.want)
		}
	}
}

func TestClassifyInvokeError(t *testing.T) {
	if err := classifyInvokeError(context.DeadlineExceeded, nil); !errors.Is(err, core.ErrNodeTimeout) {
		t.Errorf("deadline should classify as timeout, got %v", err)
	}
	if err := classifyInvokeError(fmt.Errorf("generic boom"), context.Background()); !errors.Is(err, core.ErrNodeTransport) {
		t.Errorf("generic errors should classify as transport, got %v", err)
	}
	agentErr := &AgentError{Message: "bad input"}
	if err := classifyInvokeError(agentErr, context.Background()); !errors.Is(err, core.ErrNodeApplication) {
		t.Errorf("agent errors should classify as application, got %v", err)
	}
}
