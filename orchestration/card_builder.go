package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	openai "github.com/sashabaranov/go-openai"

	"github.com/seanpoyner/gaff/core"
)

// ChatCompleter is the LLM surface the card builder needs. The OpenAI
// client satisfies it through OpenAICompleter; tests use a scripted stub.
type ChatCompleter interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// PromptBundle is what a caller running its own LLM loop needs: the
// prompts and the JSON schema the response must conform to
type PromptBundle struct {
	SystemPrompt   string                 `json:"system_prompt"`
	UserPrompt     string                 `json:"user_prompt"`
	ResponseSchema map[string]interface{} `json:"response_schema"`
}

// CardBuilder constructs orchestration cards from natural-language queries
// and the agent catalog, either by handing prompts to the caller or by
// driving a configured LLM itself.
type CardBuilder struct {
	completer ChatCompleter
	logger    core.Logger
}

// CardBuilderOption configures the builder
type CardBuilderOption func(*CardBuilder)

// WithCompleter enables BuildViaLLM with the given LLM client
func WithCompleter(completer ChatCompleter) CardBuilderOption {
	return func(b *CardBuilder) {
		b.completer = completer
	}
}

// WithCardBuilderLogger sets the logger
func WithCardBuilderLogger(logger core.Logger) CardBuilderOption {
	return func(b *CardBuilder) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			b.logger = cal.WithComponent("gaff/orchestration")
		} else {
			b.logger = logger
		}
	}
}

// NewCardBuilder creates a card builder
func NewCardBuilder(opts ...CardBuilderOption) *CardBuilder {
	b := &CardBuilder{
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build constructs the prompts and response schema for translating a query
// into an orchestration card. The caller runs the LLM and parses the
// response with ParseCardResponse.
func (b *CardBuilder) Build(query string, agents []*AgentDefinition, execContext map[string]interface{}) (*PromptBundle, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is empty: %w", core.ErrInvalidConfiguration)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no agents available for card building: %w", core.ErrInvalidConfiguration)
	}

	return &PromptBundle{
		SystemPrompt:   cardSystemPrompt(),
		UserPrompt:     cardUserPrompt(query, agents, execContext),
		ResponseSchema: CardResponseSchema(),
	}, nil
}

// BuildViaLLM runs the configured LLM against the built prompts, parses
// the response, applies defaults, and validates the resulting card.
func (b *CardBuilder) BuildViaLLM(ctx context.Context, query string, agents []*AgentDefinition, execContext map[string]interface{}) (*OrchestrationCard, error) {
	if b.completer == nil {
		return nil, fmt.Errorf("card builder has no LLM configured: %w", core.ErrMissingConfiguration)
	}

	bundle, err := b.Build(query, agents, execContext)
	if err != nil {
		return nil, err
	}

	raw, err := b.completer.Complete(ctx, bundle.SystemPrompt, bundle.UserPrompt)
	if err != nil {
		return nil, fmt.Errorf("card generation failed: %w", err)
	}

	card, err := ParseCardResponse(raw)
	if err != nil {
		return nil, err
	}

	b.logger.InfoWithContext(ctx, "Orchestration card built", map[string]interface{}{
		"operation":   "card_build",
		"agent_count": len(card.AvailableAgents),
		"domain":      card.UserRequest.Domain,
	})
	return card, nil
}

// ParseCardResponse parses an LLM response into a validated card. Markdown
// fences are stripped and malformed JSON is repaired before parsing, since
// models routinely wrap or slightly break their JSON output.
func ParseCardResponse(raw string) (*OrchestrationCard, error) {
	cleaned := stripMarkdownFences(raw)

	var card OrchestrationCard
	if err := json.Unmarshal([]byte(cleaned), &card); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, fmt.Errorf("card response is not valid JSON: %v (repair failed: %v)", err, repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &card); err != nil {
			return nil, fmt.Errorf("card response is not valid JSON after repair: %w", err)
		}
	}

	card.ApplyDefaults()
	if err := card.Validate(); err != nil {
		return nil, err
	}
	return &card, nil
}

// stripMarkdownFences removes ```json ... ``` wrappers models add
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func cardSystemPrompt() string {
	return strings.TrimSpace(`
You are a workflow planner. Given a user request and a catalog of available
agents, produce an orchestration card: a JSON document selecting the agents
needed to fulfill the request, with constraints and preferences.

Rules:
- Select only agents from the provided catalog. Never invent agent names.
- Embed each selected agent's input and output schemas unchanged.
- Derive success criteria from the request when they are implied.
- Respond with a single JSON object conforming to the provided schema.
  No prose, no markdown fences.`)
}

func cardUserPrompt(query string, agents []*AgentDefinition, execContext map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(query)
	sb.WriteString("\n\nAvailable agents:\n")

	for _, agent := range agents {
		if agent.Internal {
			continue
		}
		entry := map[string]interface{}{
			"name":         agent.Name,
			"type":         agent.Type,
			"capabilities": agent.Capabilities,
		}
		if agent.Description != "" {
			entry["description"] = agent.Description
		}
		if agent.InputSchema != nil {
			entry["input_schema"] = agent.InputSchema
		}
		if agent.OutputSchema != nil {
			entry["output_schema"] = agent.OutputSchema
		}
		if data, err := json.Marshal(entry); err == nil {
			sb.WriteString(string(data))
			sb.WriteString("\n")
		}
	}

	if len(execContext) > 0 {
		if data, err := json.Marshal(execContext); err == nil {
			sb.WriteString("\nContext:\n")
			sb.WriteString(string(data))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// CardResponseSchema is the JSON schema the LLM response must conform to
func CardResponseSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"user_request", "available_agents", "constraints", "preferences"},
		"properties": map[string]interface{}{
			"user_request": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"description"},
				"properties": map[string]interface{}{
					"description":      map[string]interface{}{"type": "string"},
					"domain":           map[string]interface{}{"type": "string"},
					"success_criteria": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
			},
			"available_agents": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"name", "type", "capabilities", "input_schema", "output_schema"},
					"properties": map[string]interface{}{
						"name":          map[string]interface{}{"type": "string"},
						"type":          map[string]interface{}{"type": "string"},
						"capabilities":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
						"description":   map[string]interface{}{"type": "string"},
						"input_schema":  map[string]interface{}{"type": "object"},
						"output_schema": map[string]interface{}{"type": "object"},
					},
				},
			},
			"constraints": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"max_execution_time_ms":  map[string]interface{}{"type": "integer"},
					"max_cost_per_execution": map[string]interface{}{"type": "number"},
					"max_retries":            map[string]interface{}{"type": "integer"},
				},
			},
			"preferences": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"optimize_for":    map[string]interface{}{"type": "string", "enum": []interface{}{"speed", "cost", "reliability", "balanced"}},
					"parallelization": map[string]interface{}{"type": "string", "enum": []interface{}{"none", "conservative", "balanced", "aggressive"}},
				},
			},
			"quality_requirements": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"enabled":           map[string]interface{}{"type": "boolean"},
					"auto_validate":     map[string]interface{}{"type": "boolean"},
					"min_quality_score": map[string]interface{}{"type": "number"},
				},
			},
			"safety_requirements": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"enabled":              map[string]interface{}{"type": "boolean"},
					"input_validation":     map[string]interface{}{"type": "boolean"},
					"output_validation":    map[string]interface{}{"type": "boolean"},
					"compliance_standards": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"audit_logging":        map[string]interface{}{"type": "boolean"},
				},
			},
		},
	}
}

// OpenAICompleter drives card generation through the OpenAI chat API
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter creates a completer with the given API key and model.
// An empty model falls back to gpt-4o.
func NewOpenAICompleter(apiKey, model string) *OpenAICompleter {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAICompleter{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Complete sends the prompts and returns the raw response content
func (c *OpenAICompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
