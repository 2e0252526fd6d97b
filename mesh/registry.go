package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/agentmesh/core"
)

// ServiceStatus is the health of one registered instance.
type ServiceStatus string

const (
	StatusHealthy   ServiceStatus = "healthy"
	StatusDegraded  ServiceStatus = "degraded"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusUnknown   ServiceStatus = "unknown"
)

// routable reports whether lookups should hand the instance out by default.
func (s ServiceStatus) routable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// ServiceInstance is one registered endpoint of a service.
type ServiceInstance struct {
	ServiceID     string        `json:"service_id"`
	ServiceName   string        `json:"service_name"`
	Endpoint      string        `json:"endpoint"`
	Status        ServiceStatus `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// Registry maps service names to their instances. It is an in-memory map
// with optional redis persistence so a restarted process can rehydrate.
// Registration is idempotent keyed on service_id.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]map[string]*ServiceInstance // service_name -> service_id -> instance

	redis     *redis.Client
	namespace string
	logger    core.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRedisPersistence mirrors registrations into redis under
// <namespace>:services:<service_id>.
func WithRedisPersistence(client *redis.Client, namespace string) RegistryOption {
	return func(r *Registry) {
		r.redis = client
		if namespace != "" {
			r.namespace = namespace
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger core.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &Registry{
		instances: make(map[string]map[string]*ServiceInstance),
		namespace: "agentmesh",
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or refreshes an instance. Re-registering the same service_id
// replaces the previous record.
func (r *Registry) Register(ctx context.Context, instance *ServiceInstance) error {
	if instance == nil || instance.ServiceID == "" || instance.ServiceName == "" {
		return core.NewBusinessLogicError("mesh.Register", "service_id and service_name are required")
	}
	if instance.Status == "" {
		instance.Status = StatusUnknown
	}
	if instance.LastHeartbeat.IsZero() {
		instance.LastHeartbeat = time.Now().UTC()
	}

	r.mu.Lock()
	byID, ok := r.instances[instance.ServiceName]
	if !ok {
		byID = make(map[string]*ServiceInstance)
		r.instances[instance.ServiceName] = byID
	}
	copied := *instance
	byID[instance.ServiceID] = &copied
	r.mu.Unlock()

	r.persist(ctx, &copied)
	r.logger.Info("Service registered", map[string]interface{}{
		"service_id":   instance.ServiceID,
		"service_name": instance.ServiceName,
		"endpoint":     instance.Endpoint,
		"status":       string(instance.Status),
	})
	return nil
}

// Deregister removes an instance. Removing an unknown id is a no-op.
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	for name, byID := range r.instances {
		if _, ok := byID[serviceID]; ok {
			delete(byID, serviceID)
			if len(byID) == 0 {
				delete(r.instances, name)
			}
			break
		}
	}
	r.mu.Unlock()

	if r.redis != nil {
		key := fmt.Sprintf("%s:services:%s", r.namespace, serviceID)
		if err := r.redis.Del(ctx, key).Err(); err != nil {
			r.logger.Warn("Registry persistence delete failed", map[string]interface{}{
				"service_id": serviceID,
				"error":      err.Error(),
			})
		}
	}
	return nil
}

// Heartbeat refreshes an instance's health and last-seen time.
func (r *Registry) Heartbeat(ctx context.Context, serviceID string, status ServiceStatus) error {
	r.mu.Lock()
	var updated *ServiceInstance
	for _, byID := range r.instances {
		if inst, ok := byID[serviceID]; ok {
			inst.Status = status
			inst.LastHeartbeat = time.Now().UTC()
			copied := *inst
			updated = &copied
			break
		}
	}
	r.mu.Unlock()

	if updated == nil {
		return fmt.Errorf("%w: service %s", core.ErrServiceNotFound, serviceID)
	}
	r.persist(ctx, updated)
	return nil
}

// Lookup returns the routable instances of a service. With includeAll set,
// unhealthy and unknown instances are returned too.
func (r *Registry) Lookup(serviceName string, includeAll bool) []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.instances[serviceName]
	out := make([]ServiceInstance, 0, len(byID))
	for _, inst := range byID {
		if includeAll || inst.Status.routable() {
			out = append(out, *inst)
		}
	}
	return out
}

// SelectInstance returns the first routable instance of a service. Callers
// needing round-robin layer it on top of Lookup.
func (r *Registry) SelectInstance(serviceName string) (*ServiceInstance, error) {
	instances := r.Lookup(serviceName, false)
	if len(instances) == 0 {
		return nil, core.NewIntegrationError(core.CodeServiceNotFound, "mesh.SelectInstance",
			fmt.Sprintf("no healthy instance of %s", serviceName), core.ErrServiceNotFound)
	}
	return &instances[0], nil
}

// Services returns all registered service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	return names
}

// Rehydrate loads persisted instances from redis back into memory.
func (r *Registry) Rehydrate(ctx context.Context) error {
	if r.redis == nil {
		return nil
	}
	pattern := fmt.Sprintf("%s:services:*", r.namespace)
	keys, err := r.redis.Keys(ctx, pattern).Result()
	if err != nil {
		return fmt.Errorf("scan registry keys: %w", err)
	}
	restored := 0
	for _, key := range keys {
		body, err := r.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var inst ServiceInstance
		if err := json.Unmarshal([]byte(body), &inst); err != nil {
			r.logger.Warn("Skipping corrupt registry record", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		r.mu.Lock()
		byID, ok := r.instances[inst.ServiceName]
		if !ok {
			byID = make(map[string]*ServiceInstance)
			r.instances[inst.ServiceName] = byID
		}
		copied := inst
		byID[inst.ServiceID] = &copied
		r.mu.Unlock()
		restored++
	}
	r.logger.Info("Registry rehydrated", map[string]interface{}{
		"instances": restored,
	})
	return nil
}

func (r *Registry) persist(ctx context.Context, instance *ServiceInstance) {
	if r.redis == nil {
		return
	}
	body, err := json.Marshal(instance)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s:services:%s", r.namespace, instance.ServiceID)
	if err := r.redis.Set(ctx, key, body, 0).Err(); err != nil {
		r.logger.Warn("Registry persistence write failed", map[string]interface{}{
			"service_id": instance.ServiceID,
			"error":      err.Error(),
		})
	}
}
