package orchestration

import (
	"fmt"

	"github.com/seanpoyner/gaff/core"
)

// Card defaults applied when the LLM or caller omits optional fields
const (
	defaultMaxExecutionTimeMS  = 300000
	defaultMaxCostPerExecution = 10.0
	defaultMaxRetries          = 3
	defaultOptimizeFor         = "balanced"
	defaultParallelization     = "balanced"
)

// UserRequest captures the intent behind a workflow
type UserRequest struct {
	Description     string   `json:"description"`
	Domain          string   `json:"domain,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// CardAgent is one selected agent with its schemas embedded, so the graph
// generator needs no catalog access
type CardAgent struct {
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Capabilities []string               `json:"capabilities"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
}

// Constraints bound a workflow's execution budget
type Constraints struct {
	MaxExecutionTimeMS  int     `json:"max_execution_time_ms,omitempty"`
	MaxCostPerExecution float64 `json:"max_cost_per_execution,omitempty"`
	MaxRetries          int     `json:"max_retries,omitempty"`
}

// Preferences express optimization trade-offs for plan generation
type Preferences struct {
	OptimizeFor     string `json:"optimize_for,omitempty"`    // speed, cost, reliability, balanced
	Parallelization string `json:"parallelization,omitempty"` // none, conservative, balanced, aggressive
}

// QualityRequirements enable the quality validation suffix stage
type QualityRequirements struct {
	Enabled         bool    `json:"enabled"`
	AutoValidate    bool    `json:"auto_validate"`
	MinQualityScore float64 `json:"min_quality_score,omitempty"`
}

// SafetyRequirements enable the safety prefix/suffix stages
type SafetyRequirements struct {
	Enabled             bool     `json:"enabled"`
	InputValidation     bool     `json:"input_validation"`
	OutputValidation    bool     `json:"output_validation"`
	ComplianceStandards []string `json:"compliance_standards,omitempty"`
	AuditLogging        bool     `json:"audit_logging"`
}

// OrchestrationCard declares what to build: the user's intent, the agents
// chosen to serve it, constraints, preferences, and optional quality and
// safety requirements. Produced by the card builder, consumed by the graph
// generator and the injector.
type OrchestrationCard struct {
	UserRequest         UserRequest          `json:"user_request"`
	AvailableAgents     []CardAgent          `json:"available_agents"`
	Constraints         Constraints          `json:"constraints"`
	Preferences         Preferences          `json:"preferences"`
	QualityRequirements *QualityRequirements `json:"quality_requirements,omitempty"`
	SafetyRequirements  *SafetyRequirements  `json:"safety_requirements,omitempty"`
}

// ApplyDefaults fills absent optional fields with their documented values
func (c *OrchestrationCard) ApplyDefaults() {
	if c.Constraints.MaxExecutionTimeMS <= 0 {
		c.Constraints.MaxExecutionTimeMS = defaultMaxExecutionTimeMS
	}
	if c.Constraints.MaxCostPerExecution <= 0 {
		c.Constraints.MaxCostPerExecution = defaultMaxCostPerExecution
	}
	if c.Constraints.MaxRetries <= 0 {
		c.Constraints.MaxRetries = defaultMaxRetries
	}
	if c.Preferences.OptimizeFor == "" {
		c.Preferences.OptimizeFor = defaultOptimizeFor
	}
	if c.Preferences.Parallelization == "" {
		c.Preferences.Parallelization = defaultParallelization
	}
	if c.UserRequest.SuccessCriteria == nil {
		c.UserRequest.SuccessCriteria = []string{}
	}
}

var (
	validOptimizeFor     = map[string]bool{"speed": true, "cost": true, "reliability": true, "balanced": true}
	validParallelization = map[string]bool{"none": true, "conservative": true, "balanced": true, "aggressive": true}
)

// Validate checks the card's shape after defaults were applied
func (c *OrchestrationCard) Validate() error {
	if c.UserRequest.Description == "" {
		return fmt.Errorf("card user_request.description is required: %w", core.ErrInvalidConfiguration)
	}
	if len(c.AvailableAgents) == 0 {
		return fmt.Errorf("card selects no agents: %w", core.ErrInvalidConfiguration)
	}
	for i, agent := range c.AvailableAgents {
		if agent.Name == "" {
			return fmt.Errorf("card agent %d has no name: %w", i, core.ErrInvalidConfiguration)
		}
	}
	if !validOptimizeFor[c.Preferences.OptimizeFor] {
		return fmt.Errorf("card preferences.optimize_for %q is not one of speed|cost|reliability|balanced: %w",
			c.Preferences.OptimizeFor, core.ErrInvalidConfiguration)
	}
	if !validParallelization[c.Preferences.Parallelization] {
		return fmt.Errorf("card preferences.parallelization %q is not one of none|conservative|balanced|aggressive: %w",
			c.Preferences.Parallelization, core.ErrInvalidConfiguration)
	}
	return nil
}
