package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seanpoyner/gaff/core"
	"github.com/seanpoyner/gaff/resilience"
)

const (
	// Entity types stored in the external memory store
	entityTypeExecutionState = "execution_state"
	entityTypeIntentGraph    = "intent_graph"
	entityTypeCard           = "orchestration_card"
	entityTypeControlSignal  = "control_signal"

	// Observation prefixes inside an execution entity
	observationStatePrefix    = "state: "
	observationMetadataPrefix = "metadata: "

	executionIndexEntity = "executions:index"
)

// StateStore persists execution state keyed by execution id
type StateStore interface {
	// Put writes the full state snapshot
	Put(ctx context.Context, state *ExecutionState) error

	// Get retrieves the state; returns core.ErrExecutionNotFound when absent
	Get(ctx context.Context, executionID string) (*ExecutionState, error)

	// PutNodeResult records a single node result against an execution
	PutNodeResult(ctx context.Context, executionID, nodeID string, result *ResultEnvelope) error

	// ListExecutions returns known execution ids, most recent first
	ListExecutions(ctx context.Context) ([]string, error)

	// PutControl records a pause/cancel request for a running execution
	PutControl(ctx context.Context, executionID string, signal *ControlSignal) error

	// GetControl returns the pending control signal, or nil when none
	GetControl(ctx context.Context, executionID string) (*ControlSignal, error)

	// ClearControl removes a pending control signal after it was applied
	ClearControl(ctx context.Context, executionID string) error
}

// Entity is one record in the external key-addressable memory store
type Entity struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
}

// EntityStore is the external memory-store protocol: create_entities for
// writes and open_nodes for reads. Implementations connect lazily on first
// use and retain the connection for the process lifetime.
type EntityStore interface {
	CreateEntities(ctx context.Context, entities []Entity) error
	OpenNodes(ctx context.Context, names []string) ([]Entity, error)
	Close() error
}

// stateMetadata is the secondary observation stored alongside the blob so
// operators can inspect executions without parsing the full state
type stateMetadata struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	NodeCount   int             `json:"node_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EntityStateStore adapts the StateStore contract onto an EntityStore.
// Each execution maps to one entity whose observations carry the
// serialized state blob and a metadata header.
type EntityStateStore struct {
	store  EntityStore
	logger core.Logger
}

// NewEntityStateStore creates a state store over the given entity store
func NewEntityStateStore(store EntityStore, logger core.Logger) *EntityStateStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gaff/orchestration")
	}
	return &EntityStateStore{store: store, logger: logger}
}

// Put serializes and writes the full execution state
func (s *EntityStateStore) Put(ctx context.Context, state *ExecutionState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling execution state: %w", err)
	}
	meta, err := json.Marshal(stateMetadata{
		ExecutionID: state.ExecutionID,
		Status:      state.Status,
		NodeCount:   len(state.Graph.Nodes),
		UpdatedAt:   state.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling state metadata: %w", err)
	}

	entity := Entity{
		Name:       state.ExecutionID,
		EntityType: entityTypeExecutionState,
		Observations: []string{
			observationStatePrefix + string(blob),
			observationMetadataPrefix + string(meta),
		},
	}
	if err := s.store.CreateEntities(ctx, []Entity{entity}); err != nil {
		return fmt.Errorf("persisting execution %s: %w", state.ExecutionID, core.ErrPersistenceFailure)
	}
	return nil
}

// Get retrieves and deserializes an execution state
func (s *EntityStateStore) Get(ctx context.Context, executionID string) (*ExecutionState, error) {
	entities, err := s.store.OpenNodes(ctx, []string{executionID})
	if err != nil {
		return nil, fmt.Errorf("reading execution %s: %w", executionID, core.ErrPersistenceFailure)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
	}

	for _, observation := range entities[0].Observations {
		if !strings.HasPrefix(observation, observationStatePrefix) {
			continue
		}
		var state ExecutionState
		if err := json.Unmarshal([]byte(observation[len(observationStatePrefix):]), &state); err != nil {
			return nil, fmt.Errorf("decoding execution %s: %w", executionID, core.ErrPersistenceFailure)
		}
		return &state, nil
	}
	return nil, fmt.Errorf("execution %s has no state observation: %w", executionID, core.ErrPersistenceFailure)
}

// PutNodeResult records one node result. The entity protocol has no
// partial update, so this is a read-modify-write of the full snapshot;
// the coordinator serializes writes per execution id.
func (s *EntityStateStore) PutNodeResult(ctx context.Context, executionID, nodeID string, result *ResultEnvelope) error {
	state, err := s.Get(ctx, executionID)
	if err != nil {
		return err
	}
	state.RecordResult(nodeID, result)
	return s.Put(ctx, state)
}

// ListExecutions returns known execution ids
func (s *EntityStateStore) ListExecutions(ctx context.Context) ([]string, error) {
	entities, err := s.store.OpenNodes(ctx, []string{executionIndexEntity})
	if err != nil {
		return nil, fmt.Errorf("reading execution index: %w", core.ErrPersistenceFailure)
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return append([]string(nil), entities[0].Observations...), nil
}

// PutControl records a pause/cancel request under its own key. A cleared
// signal is a tombstone entity with no observations, since the entity
// protocol has no delete.
func (s *EntityStateStore) PutControl(ctx context.Context, executionID string, signal *ControlSignal) error {
	blob, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshaling control signal: %w", err)
	}
	entity := Entity{
		Name:         controlEntityName(executionID),
		EntityType:   entityTypeControlSignal,
		Observations: []string{observationStatePrefix + string(blob)},
	}
	if err := s.store.CreateEntities(ctx, []Entity{entity}); err != nil {
		return fmt.Errorf("persisting control signal for %s: %w", executionID, core.ErrPersistenceFailure)
	}
	return nil
}

// GetControl returns the pending signal, or nil when none
func (s *EntityStateStore) GetControl(ctx context.Context, executionID string) (*ControlSignal, error) {
	entities, err := s.store.OpenNodes(ctx, []string{controlEntityName(executionID)})
	if err != nil {
		return nil, fmt.Errorf("reading control signal for %s: %w", executionID, core.ErrPersistenceFailure)
	}
	if len(entities) == 0 || len(entities[0].Observations) == 0 {
		return nil, nil
	}
	observation := entities[0].Observations[0]
	if !strings.HasPrefix(observation, observationStatePrefix) {
		return nil, nil
	}
	var signal ControlSignal
	if err := json.Unmarshal([]byte(observation[len(observationStatePrefix):]), &signal); err != nil {
		return nil, fmt.Errorf("decoding control signal for %s: %w", executionID, core.ErrPersistenceFailure)
	}
	return &signal, nil
}

// ClearControl tombstones a control signal, after the coordinator applied
// it or when a resume discards an unconsumed one
func (s *EntityStateStore) ClearControl(ctx context.Context, executionID string) error {
	entity := Entity{
		Name:       controlEntityName(executionID),
		EntityType: entityTypeControlSignal,
	}
	if err := s.store.CreateEntities(ctx, []Entity{entity}); err != nil {
		return fmt.Errorf("clearing control signal for %s: %w", executionID, core.ErrPersistenceFailure)
	}
	return nil
}

func controlEntityName(executionID string) string {
	return "control:" + executionID
}

// PutGraph stores an intent graph under a memory key for later execution
// via graph_memory_key
func (s *EntityStateStore) PutGraph(ctx context.Context, key string, graph *IntentGraph) error {
	blob, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("marshaling graph: %w", err)
	}
	entity := Entity{
		Name:         key,
		EntityType:   entityTypeIntentGraph,
		Observations: []string{observationStatePrefix + string(blob)},
	}
	if err := s.store.CreateEntities(ctx, []Entity{entity}); err != nil {
		return fmt.Errorf("persisting graph %s: %w", key, core.ErrPersistenceFailure)
	}
	return nil
}

// GetGraph retrieves a graph previously stored under a memory key
func (s *EntityStateStore) GetGraph(ctx context.Context, key string) (*IntentGraph, error) {
	entities, err := s.store.OpenNodes(ctx, []string{key})
	if err != nil {
		return nil, fmt.Errorf("reading graph %s: %w", key, core.ErrPersistenceFailure)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("graph %s: %w", key, core.ErrExecutionNotFound)
	}
	for _, observation := range entities[0].Observations {
		if !strings.HasPrefix(observation, observationStatePrefix) {
			continue
		}
		var graph IntentGraph
		if err := json.Unmarshal([]byte(observation[len(observationStatePrefix):]), &graph); err != nil {
			return nil, fmt.Errorf("decoding graph %s: %w", key, core.ErrPersistenceFailure)
		}
		return &graph, nil
	}
	return nil, fmt.Errorf("graph %s has no state observation: %w", key, core.ErrPersistenceFailure)
}

// PutCard stores an orchestration card under a memory key
func (s *EntityStateStore) PutCard(ctx context.Context, key string, card *OrchestrationCard) error {
	blob, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshaling card: %w", err)
	}
	entity := Entity{
		Name:         key,
		EntityType:   entityTypeCard,
		Observations: []string{observationStatePrefix + string(blob)},
	}
	if err := s.store.CreateEntities(ctx, []Entity{entity}); err != nil {
		return fmt.Errorf("persisting card %s: %w", key, core.ErrPersistenceFailure)
	}
	return nil
}

// GetCard retrieves a card previously stored under a memory key
func (s *EntityStateStore) GetCard(ctx context.Context, key string) (*OrchestrationCard, error) {
	entities, err := s.store.OpenNodes(ctx, []string{key})
	if err != nil {
		return nil, fmt.Errorf("reading card %s: %w", key, core.ErrPersistenceFailure)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("card %s: %w", key, core.ErrExecutionNotFound)
	}
	for _, observation := range entities[0].Observations {
		if !strings.HasPrefix(observation, observationStatePrefix) {
			continue
		}
		var card OrchestrationCard
		if err := json.Unmarshal([]byte(observation[len(observationStatePrefix):]), &card); err != nil {
			return nil, fmt.Errorf("decoding card %s: %w", key, core.ErrPersistenceFailure)
		}
		return &card, nil
	}
	return nil, fmt.Errorf("card %s has no state observation: %w", key, core.ErrPersistenceFailure)
}

// RedisEntityStore implements the entity protocol over Redis. Entities are
// stored as JSON under namespaced keys; an index list tracks execution ids
// for listing. go-redis dials lazily on the first command, satisfying the
// connect-on-first-use contract. Entity reads and writes run under a retry
// policy so a transient connection drop does not surface as a persistence
// failure; the execution-index Exists/LPush calls are not retried.
type RedisEntityStore struct {
	client *core.RedisClient
	ttl    time.Duration
	retry  *resilience.RetryConfig
	logger core.Logger

	indexMu sync.Mutex
}

// NewRedisEntityStore creates an entity store over the given Redis URL
func NewRedisEntityStore(redisURL string, ttl time.Duration, logger core.Logger) (*RedisEntityStore, error) {
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		Namespace: "gaff:memory",
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisEntityStore{
		client: client,
		ttl:    ttl,
		retry:  resilience.DefaultRetryConfig(),
		logger: logger,
	}, nil
}

// CreateEntities upserts entities. Execution entities are also appended to
// the index list on first write.
func (r *RedisEntityStore) CreateEntities(ctx context.Context, entities []Entity) error {
	for _, entity := range entities {
		blob, err := json.Marshal(entity)
		if err != nil {
			return fmt.Errorf("marshaling entity %s: %w", entity.Name, err)
		}

		if entity.EntityType == entityTypeExecutionState {
			r.indexMu.Lock()
			exists, existsErr := r.client.Exists(ctx, entity.Name)
			if existsErr == nil && !exists {
				if err := r.client.LPush(ctx, executionIndexEntity, entity.Name); err != nil {
					r.logger.Warn("Failed to index execution", map[string]interface{}{
						"operation":    "entity_index_append",
						"execution_id": entity.Name,
						"error":        err.Error(),
					})
				}
			}
			r.indexMu.Unlock()
		}

		err = resilience.Retry(ctx, r.retry, func() error {
			return r.client.Set(ctx, entity.Name, string(blob), r.ttl)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// OpenNodes reads entities by name; absent names are omitted from the
// result, matching the external store's semantics
func (r *RedisEntityStore) OpenNodes(ctx context.Context, names []string) ([]Entity, error) {
	var entities []Entity
	for _, name := range names {
		if name == executionIndexEntity {
			var ids []string
			err := resilience.Retry(ctx, r.retry, func() error {
				var rangeErr error
				ids, rangeErr = r.client.LRange(ctx, executionIndexEntity, 0, 99)
				return rangeErr
			})
			if err != nil {
				return nil, err
			}
			entities = append(entities, Entity{
				Name:         executionIndexEntity,
				EntityType:   entityTypeExecutionState,
				Observations: ids,
			})
			continue
		}

		var raw string
		err := resilience.Retry(ctx, r.retry, func() error {
			var getErr error
			raw, getErr = r.client.Get(ctx, name)
			return getErr
		})
		if err != nil {
			return nil, err
		}
		if raw == "" {
			continue
		}
		var entity Entity
		if err := json.Unmarshal([]byte(raw), &entity); err != nil {
			return nil, fmt.Errorf("decoding entity %s: %w", name, err)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// Close releases the Redis connection; called on shutdown signal
func (r *RedisEntityStore) Close() error {
	return r.client.Close()
}

// InMemoryEntityStore implements the entity protocol in process memory.
// Used in tests and when no external store is configured.
type InMemoryEntityStore struct {
	mu       sync.RWMutex
	entities map[string]Entity
	index    []string
}

// NewInMemoryEntityStore creates an empty in-memory entity store
func NewInMemoryEntityStore() *InMemoryEntityStore {
	return &InMemoryEntityStore{
		entities: make(map[string]Entity),
	}
}

func (s *InMemoryEntityStore) CreateEntities(ctx context.Context, entities []Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entity := range entities {
		if entity.EntityType == entityTypeExecutionState {
			if _, exists := s.entities[entity.Name]; !exists {
				s.index = append([]string{entity.Name}, s.index...)
			}
		}
		s.entities[entity.Name] = entity
	}
	return nil
}

func (s *InMemoryEntityStore) OpenNodes(ctx context.Context, names []string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entity
	for _, name := range names {
		if name == executionIndexEntity {
			out = append(out, Entity{
				Name:         executionIndexEntity,
				EntityType:   entityTypeExecutionState,
				Observations: append([]string(nil), s.index...),
			})
			continue
		}
		if entity, ok := s.entities[name]; ok {
			out = append(out, entity)
		}
	}
	return out, nil
}

func (s *InMemoryEntityStore) Close() error {
	return nil
}
