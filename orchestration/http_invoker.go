package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/seanpoyner/gaff/core"
	"github.com/seanpoyner/gaff/resilience"
)

// HTTPAgentInvoker invokes agents over their HTTP endpoints. Each tool is
// an operation path under the agent's base endpoint; requests and
// responses are JSON. A per-agent circuit breaker protects the engine from
// endpoints that are consistently down.
type HTTPAgentInvoker struct {
	httpClient *http.Client
	logger     core.Logger

	breakersEnabled bool
	breakers        map[string]core.CircuitBreaker
	breakersMu      sync.Mutex
}

// HTTPInvokerOption configures the HTTP invoker
type HTTPInvokerOption func(*HTTPAgentInvoker)

// WithHTTPClient replaces the underlying HTTP client, for example to supply
// a custom round-tripper
func WithHTTPClient(client *http.Client) HTTPInvokerOption {
	return func(i *HTTPAgentInvoker) {
		if client != nil {
			i.httpClient = client
		}
	}
}

// WithInvokerLogger sets the logger
func WithInvokerLogger(logger core.Logger) HTTPInvokerOption {
	return func(i *HTTPAgentInvoker) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			i.logger = cal.WithComponent("gaff/orchestration")
		} else {
			i.logger = logger
		}
	}
}

// WithCircuitBreakers enables per-agent circuit breakers
func WithCircuitBreakers(enabled bool) HTTPInvokerOption {
	return func(i *HTTPAgentInvoker) {
		i.breakersEnabled = enabled
	}
}

// NewHTTPAgentInvoker creates an invoker with a 60s transport timeout.
// Per-dispatch deadlines arrive through the context; the client timeout is
// a backstop against connections that hang below the HTTP layer.
func NewHTTPAgentInvoker(opts ...HTTPInvokerOption) *HTTPAgentInvoker {
	inv := &HTTPAgentInvoker{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     &core.NoOpLogger{},
		breakers:   make(map[string]core.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// agentResponse is the JSON envelope agents reply with. Agents that return
// a bare payload (no success field) are treated as successful.
type agentResponse struct {
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Invoke posts the input to {endpoint}/{tool} and decodes the response.
// Transport failures and 5xx responses are retryable; 4xx responses and
// structured agent errors are application errors.
func (i *HTTPAgentInvoker) Invoke(ctx context.Context, agent *AgentDefinition, tool string, input map[string]interface{}) (interface{}, error) {
	if agent.Endpoint == "" {
		return nil, &AgentError{Message: fmt.Sprintf("agent %q has no endpoint", agent.Name)}
	}

	breaker := i.breaker(agent.Name)
	if breaker != nil && !breaker.CanExecute() {
		return nil, fmt.Errorf("agent %q: %w", agent.Name, core.ErrCircuitBreakerOpen)
	}

	result, err := i.post(ctx, agent, tool, input)
	if breaker != nil {
		// Application errors do not trip the breaker; the endpoint is up
		if err != nil && !isApplicationError(err) {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	return result, err
}

func isApplicationError(err error) bool {
	var agentErr *AgentError
	return errors.As(err, &agentErr)
}

func (i *HTTPAgentInvoker) post(ctx context.Context, agent *AgentDefinition, tool string, input map[string]interface{}) (interface{}, error) {
	url := strings.TrimRight(agent.Endpoint, "/") + "/" + tool

	body, err := json.Marshal(input)
	if err != nil {
		return nil, &AgentError{Message: fmt.Sprintf("marshaling input for %s: %v", tool, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := applyAuth(req, agent); err != nil {
		return nil, err
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", url, core.ErrNodeTransport)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, core.ErrNodeTransport)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("agent %s returned %d: %w", agent.Name, resp.StatusCode, core.ErrNodeTransport)
	}
	if resp.StatusCode >= 400 {
		return nil, &AgentError{Message: fmt.Sprintf("agent %s rejected %s: status %d: %s", agent.Name, tool, resp.StatusCode, truncate(string(payload), 512))}
	}

	var envelope agentResponse
	if err := json.Unmarshal(payload, &envelope); err == nil && (envelope.Success != nil || envelope.Error != nil) {
		if envelope.Success != nil && !*envelope.Success {
			msg := "agent reported failure"
			if envelope.Error != nil {
				msg = envelope.Error.Message
			}
			return nil, &AgentError{Message: msg, Detail: envelope.Error}
		}
		var result interface{}
		if len(envelope.Result) > 0 {
			if err := json.Unmarshal(envelope.Result, &result); err != nil {
				return nil, &AgentError{Message: fmt.Sprintf("agent %s returned malformed result: %v", agent.Name, err)}
			}
		}
		return result, nil
	}

	// Bare payload response
	var result interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, &AgentError{Message: fmt.Sprintf("agent %s returned non-JSON response: %s", agent.Name, truncate(string(payload), 512))}
		}
	}
	return result, nil
}

func applyAuth(req *http.Request, agent *AgentDefinition) error {
	switch agent.Auth.Mode {
	case "", "none":
		return nil
	case "bearer":
		token := os.Getenv(agent.Auth.TokenEnv)
		if token == "" {
			return &AgentError{Message: fmt.Sprintf("agent %s: bearer token env %s is empty", agent.Name, agent.Auth.TokenEnv)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	case "api_key":
		token := os.Getenv(agent.Auth.TokenEnv)
		if token == "" {
			return &AgentError{Message: fmt.Sprintf("agent %s: api key env %s is empty", agent.Name, agent.Auth.TokenEnv)}
		}
		header := agent.Auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, token)
		return nil
	default:
		return &AgentError{Message: fmt.Sprintf("agent %s: unknown auth mode %q", agent.Name, agent.Auth.Mode)}
	}
}

func (i *HTTPAgentInvoker) breaker(agentName string) core.CircuitBreaker {
	if !i.breakersEnabled {
		return nil
	}
	i.breakersMu.Lock()
	defer i.breakersMu.Unlock()

	if breaker, ok := i.breakers[agentName]; ok {
		return breaker
	}
	config := resilience.DefaultCircuitBreakerConfig("agent:" + agentName)
	config.Logger = i.logger
	breaker := resilience.NewCircuitBreaker(config)
	i.breakers[agentName] = breaker
	return breaker
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
