package orchestration

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/seanpoyner/gaff/core"
)

// AuthConfig describes how to authenticate against an agent endpoint.
// Token material never lives in the catalog document; TokenEnv names the
// environment variable carrying it.
type AuthConfig struct {
	Mode     string `yaml:"mode" json:"mode"` // none, bearer, api_key
	TokenEnv string `yaml:"token_env,omitempty" json:"token_env,omitempty"`
	Header   string `yaml:"header,omitempty" json:"header,omitempty"`
}

// AgentDefinition is one catalog entry: a named external tool endpoint.
// Loaded at startup from the catalog document and immutable during an
// execution.
type AgentDefinition struct {
	Name         string                 `yaml:"name" json:"name"`
	Type         string                 `yaml:"type" json:"type"`
	Description  string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Capabilities []string               `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Endpoint     string                 `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Auth         AuthConfig             `yaml:"auth,omitempty" json:"auth,omitempty"`
	TimeoutMS    int                    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	RetryPolicy  *RetryPolicy           `yaml:"retry_policy,omitempty" json:"retry_policy,omitempty"`
	InputSchema  map[string]interface{} `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`

	// Internal agents are engine-provided and excluded from card building
	Internal bool `yaml:"internal,omitempty" json:"internal,omitempty"`
}

// catalogDocument is the on-disk shape of the agent catalog
type catalogDocument struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// AgentCatalog maintains the set of known agents and a capability index.
// The catalog is thread-safe for concurrent access.
type AgentCatalog struct {
	agents          map[string]*AgentDefinition
	capabilityIndex map[string][]string // capability -> [agent names]
	mu              sync.RWMutex

	logger core.Logger
}

// NewAgentCatalog creates an empty catalog pre-seeded with the engine's
// built-in gaff-tools agent.
func NewAgentCatalog(logger core.Logger) *AgentCatalog {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gaff/orchestration")
	}
	c := &AgentCatalog{
		agents:          make(map[string]*AgentDefinition),
		capabilityIndex: make(map[string][]string),
		logger:          logger,
	}
	c.Register(builtinToolsAgent())
	return c
}

// builtinToolsAgent exposes the engine's own operations, including the
// HITL suspension tool and the validators used by the injector.
func builtinToolsAgent() *AgentDefinition {
	return &AgentDefinition{
		Name:        HITLAgentName,
		Type:        "internal",
		Description: "Engine-provided tools: approval gates, validators, audit logging",
		Capabilities: []string{
			HITLToolName,
			"validate_input",
			"compliance_check",
			"validate_quality",
			"validate_output",
			"audit_log",
		},
		Internal: true,
	}
}

// LoadCatalog reads the agent catalog document (GAFF_CONFIG_PATH)
func LoadCatalog(path string, logger core.Logger) (*AgentCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent catalog %s: %w", path, core.ErrMissingConfiguration)
	}

	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing agent catalog %s: %w (%v)", path, core.ErrInvalidConfiguration, err)
	}
	if len(doc.Agents) == 0 {
		return nil, fmt.Errorf("agent catalog %s defines no agents: %w", path, core.ErrInvalidConfiguration)
	}

	catalog := NewAgentCatalog(logger)
	for i := range doc.Agents {
		agent := doc.Agents[i]
		if agent.Name == "" {
			return nil, fmt.Errorf("agent %d has no name: %w", i, core.ErrInvalidConfiguration)
		}
		if existing, _ := catalog.Get(agent.Name); existing != nil && !existing.Internal {
			return nil, fmt.Errorf("duplicate agent %q: %w", agent.Name, core.ErrInvalidConfiguration)
		}
		catalog.Register(&agent)
	}

	catalog.logger.Info("Agent catalog loaded", map[string]interface{}{
		"operation": "catalog_load",
		"path":      path,
		"agents":    len(doc.Agents),
	})

	return catalog, nil
}

// Register adds or replaces an agent definition
func (c *AgentCatalog) Register(agent *AgentDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.agents[agent.Name] = agent
	for _, capability := range agent.Capabilities {
		names := c.capabilityIndex[capability]
		found := false
		for _, name := range names {
			if name == agent.Name {
				found = true
				break
			}
		}
		if !found {
			c.capabilityIndex[capability] = append(names, agent.Name)
		}
	}
}

// Get returns the named agent or core.ErrAgentNotFound
func (c *AgentCatalog) Get(name string) (*AgentDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", name, core.ErrAgentNotFound)
	}
	return agent, nil
}

// List returns all agents; internal agents are excluded unless requested
func (c *AgentCatalog) List(includeInternal bool) []*AgentDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agents := make([]*AgentDefinition, 0, len(c.agents))
	for _, agent := range c.agents {
		if agent.Internal && !includeInternal {
			continue
		}
		agents = append(agents, agent)
	}
	return agents
}

// FindByCapability returns the agents advertising a capability
func (c *AgentCatalog) FindByCapability(capability string) []*AgentDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := c.capabilityIndex[capability]
	agents := make([]*AgentDefinition, 0, len(names))
	for _, name := range names {
		if agent, ok := c.agents[name]; ok {
			agents = append(agents, agent)
		}
	}
	return agents
}

// ValidateGraphAgents checks that every node targets a cataloged agent.
// Runs before execution so a bad binding fails at start, not mid-run.
func (c *AgentCatalog) ValidateGraphAgents(g *IntentGraph) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range g.Nodes {
		node := &g.Nodes[i]
		if node.AgentName == "" {
			return &core.FrameworkError{
				Op:   "catalog.ValidateGraphAgents",
				Kind: core.KindConfigError,
				ID:   node.ID,
				Err:  fmt.Errorf("node %q has no agent binding: %w", node.ID, core.ErrInvalidConfiguration),
			}
		}
		if _, ok := c.agents[node.AgentName]; !ok {
			return &core.FrameworkError{
				Op:   "catalog.ValidateGraphAgents",
				Kind: core.KindConfigError,
				ID:   node.ID,
				Err:  fmt.Errorf("node %q targets unknown agent %q: %w", node.ID, node.AgentName, core.ErrAgentNotFound),
			}
		}
	}
	return nil
}
