package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/mesh"
	"github.com/agentmesh/agentmesh/planning"
	"github.com/agentmesh/agentmesh/store"
)

// MeshBridgeConfig configures the mesh adapter.
type MeshBridgeConfig struct {
	// Channel is the bus channel pipeline events publish on.
	Channel string
	// BufferSize bounds the local event buffer used while disconnected.
	BufferSize int
	Logger     core.Logger
}

// MeshBridge is the pipeline's doorway to the service mesh: it publishes
// lifecycle events on the bus, hands out circuit breakers, and fronts the
// saga orchestrator. Disconnected, it buffers events locally so offline
// pipelines behave identically at the interface.
type MeshBridge struct {
	config   MeshBridgeConfig
	redis    *redis.Client
	sagas    *mesh.SagaOrchestrator
	breakers *mesh.BreakerRegistry
	logger   core.Logger

	connected atomic.Bool
	published atomic.Int64
	buffered  atomic.Int64

	mu     sync.Mutex
	buffer []planning.PipelineEvent
}

// NewMeshBridge wires the mesh adapter. The redis client and saga
// orchestrator may each be nil for offline use.
func NewMeshBridge(config MeshBridgeConfig, client *redis.Client, sagas *mesh.SagaOrchestrator, breakers *mesh.BreakerRegistry) *MeshBridge {
	if config.Channel == "" {
		config.Channel = "l01:events"
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if breakers == nil {
		breakers = mesh.NewBreakerRegistry(mesh.DefaultCircuitBreakerConfig())
	}
	return &MeshBridge{
		config:   config,
		redis:    client,
		sagas:    sagas,
		breakers: breakers,
		logger:   config.Logger,
	}
}

// Initialize probes the bus.
func (b *MeshBridge) Initialize(ctx context.Context) error {
	if b.redis == nil {
		b.connected.Store(false)
		return nil
	}
	if err := b.redis.Ping(ctx).Err(); err != nil {
		b.logger.Warn("Mesh bridge starting disconnected", map[string]interface{}{
			"error": err.Error(),
		})
		b.connected.Store(false)
		return nil
	}
	b.connected.Store(true)
	return nil
}

// Close detaches from the bus.
func (b *MeshBridge) Close() error {
	b.connected.Store(false)
	return nil
}

// IsConnected reports whether events are reaching the bus.
func (b *MeshBridge) IsConnected() bool {
	return b.connected.Load()
}

// Statistics returns the publish counters and buffer depth.
func (b *MeshBridge) Statistics() map[string]interface{} {
	b.mu.Lock()
	depth := len(b.buffer)
	b.mu.Unlock()
	return map[string]interface{}{
		"published":    b.published.Load(),
		"buffered":     b.buffered.Load(),
		"buffer_depth": depth,
		"connected":    b.connected.Load(),
	}
}

// PublishPipelineEvent sends one lifecycle event to the bus, wrapping it in
// a change event so the router can forward it to the planning layer.
// Disconnected, the event lands in the local buffer and the call succeeds.
func (b *MeshBridge) PublishPipelineEvent(ctx context.Context, event planning.PipelineEvent) error {
	if b.redis != nil && b.connected.Load() {
		wrapped := store.Event{
			EventID:       uuid.NewString(),
			EventType:     "plan." + event.EventType,
			AggregateType: "plan",
			AggregateID:   event.PlanID,
			Payload: map[string]interface{}{
				"event_type":     event.EventType,
				"plan_id":        event.PlanID,
				"unit_id":        event.UnitID,
				"correlation_id": event.CorrelationID,
				"payload":        event.Payload,
			},
			Timestamp: time.Now().UTC(),
		}
		body, err := json.Marshal(wrapped)
		if err == nil {
			if err := b.redis.Publish(ctx, b.config.Channel, body).Err(); err == nil {
				b.published.Add(1)
				return nil
			} else {
				b.connected.Store(false)
				b.logger.Warn("Bus publish failed, buffering locally", map[string]interface{}{
					"event_type": event.EventType,
					"error":      err.Error(),
				})
			}
		}
	}

	b.mu.Lock()
	if len(b.buffer) >= b.config.BufferSize {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, event)
	b.mu.Unlock()
	b.buffered.Add(1)
	return nil
}

// Flush republishes buffered events after a reconnect. Events that fail
// again stay buffered; the count of delivered events is returned.
func (b *MeshBridge) Flush(ctx context.Context) int {
	if b.redis == nil {
		return 0
	}
	b.connected.Store(true)

	b.mu.Lock()
	pending := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	// A publish failure flips connected off and re-buffers inside
	// PublishPipelineEvent, so the loop just replays and counts.
	delivered := 0
	for _, event := range pending {
		wasConnected := b.connected.Load()
		_ = b.PublishPipelineEvent(ctx, event)
		if wasConnected && b.connected.Load() {
			delivered++
		}
	}
	return delivered
}

// Buffered returns a copy of the locally buffered events.
func (b *MeshBridge) Buffered() []planning.PipelineEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]planning.PipelineEvent(nil), b.buffer...)
}

// CircuitBreaker hands out the named breaker.
func (b *MeshBridge) CircuitBreaker(name string) *mesh.CircuitBreaker {
	return b.breakers.Breaker(name)
}

// CreateSaga delegates to the saga orchestrator.
func (b *MeshBridge) CreateSaga(ctx context.Context, name string, steps []store.SagaStep, correlationID string) (*store.Saga, error) {
	if b.sagas == nil {
		return nil, core.ErrNotInitialized
	}
	return b.sagas.CreateSaga(ctx, name, steps, correlationID)
}

// ExecuteSaga delegates to the saga orchestrator.
func (b *MeshBridge) ExecuteSaga(ctx context.Context, sagaID string) (*store.Saga, error) {
	if b.sagas == nil {
		return nil, core.ErrNotInitialized
	}
	return b.sagas.ExecuteSaga(ctx, sagaID)
}

var _ Bridge = (*MeshBridge)(nil)
var _ planning.EventPublisher = (*MeshBridge)(nil)
