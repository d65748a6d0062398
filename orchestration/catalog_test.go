package orchestration

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/seanpoyner/gaff/core"
)

const catalogYAML = `
agents:
  - name: weather-service
    type: tool
    description: Returns weather forecasts
    capabilities: [forecast, current_conditions]
    endpoint: http://weather.internal:8080/api
    timeout_ms: 10000
    retry_policy:
      max_attempts: 2
      backoff: linear
    input_schema:
      type: object
    output_schema:
      type: object
  - name: geo-service
    type: tool
    capabilities: [geocode]
    endpoint: http://geo.internal:8080/api
    auth:
      mode: bearer
      token_env: GEO_TOKEN
`

func writeCatalogFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing catalog file: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	catalog, err := LoadCatalog(writeCatalogFile(t, catalogYAML), nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	weather, err := catalog.Get("weather-service")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if weather.Endpoint != "http://weather.internal:8080/api" {
		t.Errorf("endpoint mismatch: %s", weather.Endpoint)
	}
	if weather.TimeoutMS != 10000 {
		t.Errorf("timeout mismatch: %d", weather.TimeoutMS)
	}
	if weather.RetryPolicy == nil || weather.RetryPolicy.MaxAttempts != 2 || weather.RetryPolicy.Backoff != BackoffLinear {
		t.Errorf("retry policy mismatch: %+v", weather.RetryPolicy)
	}

	geo, _ := catalog.Get("geo-service")
	if geo.Auth.Mode != "bearer" || geo.Auth.TokenEnv != "GEO_TOKEN" {
		t.Errorf("auth mismatch: %+v", geo.Auth)
	}
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := LoadCatalog("/nonexistent/agents.yaml", nil)
	if err == nil {
		t.Fatal("expected error for missing catalog")
	}
	if !core.IsConfigurationError(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestLoadCatalog_EmptyDocument(t *testing.T) {
	_, err := LoadCatalog(writeCatalogFile(t, "agents: []\n"), nil)
	if err == nil {
		t.Fatal("expected error for empty catalog")
	}
}

func TestCatalog_BuiltinToolsAgent(t *testing.T) {
	catalog := NewAgentCatalog(nil)

	tools, err := catalog.Get(HITLAgentName)
	if err != nil {
		t.Fatalf("builtin agent missing: %v", err)
	}
	if !tools.Internal {
		t.Error("builtin agent must be internal")
	}

	found := false
	for _, capability := range tools.Capabilities {
		if capability == HITLToolName {
			found = true
		}
	}
	if !found {
		t.Error("builtin agent must advertise the HITL tool")
	}

	// Internal agents are hidden from the default listing
	for _, agent := range catalog.List(false) {
		if agent.Name == HITLAgentName {
			t.Error("internal agent leaked into the public listing")
		}
	}
}

func TestCatalog_FindByCapability(t *testing.T) {
	catalog, err := LoadCatalog(writeCatalogFile(t, catalogYAML), nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	agents := catalog.FindByCapability("geocode")
	if len(agents) != 1 || agents[0].Name != "geo-service" {
		t.Errorf("expected geo-service, got %v", agents)
	}
	if agents := catalog.FindByCapability("unknown"); len(agents) != 0 {
		t.Errorf("expected no agents, got %v", agents)
	}
}

func TestCatalog_ValidateGraphAgents(t *testing.T) {
	catalog, _ := LoadCatalog(writeCatalogFile(t, catalogYAML), nil)

	valid := &IntentGraph{
		Nodes: []Node{
			{ID: "A", AgentName: "weather-service", ToolName: "forecast"},
			{ID: "H", AgentName: HITLAgentName, ToolName: HITLToolName},
		},
	}
	if err := catalog.ValidateGraphAgents(valid); err != nil {
		t.Errorf("expected valid bindings, got %v", err)
	}

	invalid := &IntentGraph{
		Nodes: []Node{{ID: "A", AgentName: "ghost", ToolName: "run"}},
	}
	err := catalog.ValidateGraphAgents(invalid)
	if err == nil {
		t.Fatal("expected unknown agent to be rejected")
	}
	if !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	if core.KindOf(err) != core.KindConfigError {
		t.Errorf("expected ConfigError kind, got %q", core.KindOf(err))
	}
}
