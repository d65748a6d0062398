package orchestration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/seanpoyner/gaff/core"
)

func TestEntityStateStore_PutGetRoundTrip(t *testing.T) {
	entities := NewInMemoryEntityStore()
	store := NewEntityStateStore(entities, nil)
	ctx := context.Background()

	state := NewExecutionState(linearGraph(), map[string]interface{}{"user": "sam"})
	state.RecordResult("A", &ResultEnvelope{
		Success:    true,
		Result:     map[string]interface{}{"x": float64(1)},
		Attempts:   1,
		DurationMS: 12,
	})

	if err := store.Put(ctx, state); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	loaded, err := store.Get(ctx, state.ExecutionID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if loaded.ExecutionID != state.ExecutionID {
		t.Errorf("execution id mismatch: %s vs %s", loaded.ExecutionID, state.ExecutionID)
	}
	if loaded.Status != StatusRunning {
		t.Errorf("status mismatch: %s", loaded.Status)
	}
	if len(loaded.CompletedNodes) != 1 || loaded.CompletedNodes[0] != "A" {
		t.Errorf("completed nodes mismatch: %v", loaded.CompletedNodes)
	}
	if loaded.Context["user"] != "sam" {
		t.Errorf("context mismatch: %v", loaded.Context)
	}
	envelope := loaded.Results["A"]
	if envelope == nil || !envelope.Success || envelope.DurationMS != 12 {
		t.Errorf("result envelope mismatch: %#v", envelope)
	}
	if len(loaded.Graph.Nodes) != 3 {
		t.Errorf("graph must round-trip, got %d nodes", len(loaded.Graph.Nodes))
	}
}

func TestEntityStateStore_ObservationFormat(t *testing.T) {
	entities := NewInMemoryEntityStore()
	store := NewEntityStateStore(entities, nil)
	ctx := context.Background()

	state := NewExecutionState(linearGraph(), nil)
	if err := store.Put(ctx, state); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	raw, err := entities.OpenNodes(ctx, []string{state.ExecutionID})
	if err != nil || len(raw) != 1 {
		t.Fatalf("expected one entity, got %v (%v)", raw, err)
	}
	entity := raw[0]

	if entity.EntityType != "execution_state" {
		t.Errorf("expected entityType execution_state, got %s", entity.EntityType)
	}
	if len(entity.Observations) != 2 {
		t.Fatalf("expected state + metadata observations, got %d", len(entity.Observations))
	}
	if !strings.HasPrefix(entity.Observations[0], "state: ") {
		t.Errorf("first observation should carry the state blob: %.40s", entity.Observations[0])
	}
	if !strings.HasPrefix(entity.Observations[1], "metadata: ") {
		t.Errorf("second observation should carry metadata: %.40s", entity.Observations[1])
	}
}

func TestEntityStateStore_GetMissing(t *testing.T) {
	store := NewEntityStateStore(NewInMemoryEntityStore(), nil)

	_, err := store.Get(context.Background(), "exec_missing")
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestEntityStateStore_PutNodeResult(t *testing.T) {
	store := NewEntityStateStore(NewInMemoryEntityStore(), nil)
	ctx := context.Background()

	state := NewExecutionState(linearGraph(), nil)
	if err := store.Put(ctx, state); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	err := store.PutNodeResult(ctx, state.ExecutionID, "B", &ResultEnvelope{Success: true, Attempts: 2})
	if err != nil {
		t.Fatalf("put node result failed: %v", err)
	}

	loaded, _ := store.Get(ctx, state.ExecutionID)
	if loaded.Results["B"] == nil || loaded.Results["B"].Attempts != 2 {
		t.Errorf("node result not recorded: %#v", loaded.Results)
	}
	if len(loaded.CompletedNodes) != 1 || loaded.CompletedNodes[0] != "B" {
		t.Errorf("completed nodes not updated: %v", loaded.CompletedNodes)
	}
}

func TestEntityStateStore_ListExecutions(t *testing.T) {
	store := NewEntityStateStore(NewInMemoryEntityStore(), nil)
	ctx := context.Background()

	first := NewExecutionState(linearGraph(), nil)
	second := NewExecutionState(linearGraph(), nil)
	_ = store.Put(ctx, first)
	_ = store.Put(ctx, second)
	// Re-put must not duplicate the index entry
	_ = store.Put(ctx, first)

	ids, err := store.ListExecutions(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 executions, got %v", ids)
	}
}

func TestEntityStateStore_ControlSignalLifecycle(t *testing.T) {
	store := NewEntityStateStore(NewInMemoryEntityStore(), nil)
	ctx := context.Background()

	signal, err := store.GetControl(ctx, "exec_x")
	if err != nil || signal != nil {
		t.Fatalf("expected no pending signal, got %v (%v)", signal, err)
	}

	if err := store.PutControl(ctx, "exec_x", &ControlSignal{Action: ControlActionPause, Reason: "review"}); err != nil {
		t.Fatalf("put control failed: %v", err)
	}

	signal, err = store.GetControl(ctx, "exec_x")
	if err != nil || signal == nil {
		t.Fatalf("expected pending signal, got %v (%v)", signal, err)
	}
	if signal.Action != ControlActionPause || signal.Reason != "review" {
		t.Errorf("signal mismatch: %+v", signal)
	}

	if err := store.ClearControl(ctx, "exec_x"); err != nil {
		t.Fatalf("clear control failed: %v", err)
	}
	signal, err = store.GetControl(ctx, "exec_x")
	if err != nil || signal != nil {
		t.Errorf("expected cleared signal, got %v (%v)", signal, err)
	}
}

func TestEntityStateStore_GraphByMemoryKey(t *testing.T) {
	store := NewEntityStateStore(NewInMemoryEntityStore(), nil)
	ctx := context.Background()

	g := diamondGraph()
	if err := store.PutGraph(ctx, "graph:checkout", g); err != nil {
		t.Fatalf("put graph failed: %v", err)
	}

	loaded, err := store.GetGraph(ctx, "graph:checkout")
	if err != nil {
		t.Fatalf("get graph failed: %v", err)
	}
	if len(loaded.Nodes) != 4 || len(loaded.Edges) != 4 {
		t.Errorf("graph round trip mismatch: %d nodes, %d edges", len(loaded.Nodes), len(loaded.Edges))
	}

	if _, err := store.GetGraph(ctx, "graph:missing"); err == nil {
		t.Error("expected error for missing graph key")
	}
}

func TestEntityStateStore_CardByMemoryKey(t *testing.T) {
	store := NewEntityStateStore(NewInMemoryEntityStore(), nil)
	ctx := context.Background()

	card := fullSafetyCard()
	card.ApplyDefaults()
	if err := store.PutCard(ctx, "card:summarize", card); err != nil {
		t.Fatalf("put card failed: %v", err)
	}

	loaded, err := store.GetCard(ctx, "card:summarize")
	if err != nil {
		t.Fatalf("get card failed: %v", err)
	}
	if loaded.UserRequest.Description != card.UserRequest.Description {
		t.Errorf("card round trip mismatch: %q", loaded.UserRequest.Description)
	}
	if loaded.SafetyRequirements == nil || !loaded.SafetyRequirements.AuditLogging {
		t.Errorf("safety requirements lost in round trip: %+v", loaded.SafetyRequirements)
	}
}
