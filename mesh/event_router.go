package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/store"
)

// layerForAggregate maps change-event aggregate types to the downstream
// layer that consumes them. Unknown types are counted but never forwarded.
var layerForAggregate = map[string]string{
	"agent":            "l02",
	"tool":             "l03",
	"tool_execution":   "l03",
	"plan":             "l05",
	"dataset":          "l07",
	"training_example": "l07",
	"session":          "l10",
}

// deliveryTimeout bounds one POST to a target layer.
const deliveryTimeout = 5 * time.Second

// EventRouterConfig configures the router.
type EventRouterConfig struct {
	// Channel is the pub/sub channel to consume, normally l01:events.
	Channel string

	// TargetEndpoints maps layer names (l02, l03, ...) to base URLs.
	TargetEndpoints map[string]string

	// DLQSize bounds each per-target dead letter queue.
	DLQSize int

	// HealthVolumeThreshold is the received-event count below which the
	// router reports healthy regardless of success rate.
	HealthVolumeThreshold int64

	Logger core.Logger
}

// DefaultEventRouterConfig returns standard router settings.
func DefaultEventRouterConfig() EventRouterConfig {
	return EventRouterConfig{
		Channel:               "l01:events",
		DLQSize:               DefaultDLQSize,
		HealthVolumeThreshold: 20,
	}
}

// EventRouter consumes change events from the store's bus and forwards them
// to the owning layer, dead-lettering failed deliveries for later retry.
type EventRouter struct {
	config EventRouterConfig
	redis  *redis.Client
	client *http.Client
	dlq    *dlq
	logger core.Logger

	eventsReceived atomic.Int64
	eventsRouted   atomic.Int64
	eventsFailed   atomic.Int64
	byType         sync.Map // event_type -> *atomic.Int64

	metrics *routerMetrics

	cancel context.CancelFunc
	done   chan struct{}
}

// routerMetrics are the prometheus instruments for the router.
type routerMetrics struct {
	received prometheus.Counter
	routed   prometheus.Counter
	byType   *prometheus.CounterVec
	dlqSize  *prometheus.GaugeVec
}

func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	m := &routerMetrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentmesh_events_received_total",
			Help: "Change events consumed from the bus.",
		}),
		routed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentmesh_events_routed_total",
			Help: "Change events delivered to a target layer.",
		}),
		byType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmesh_events_by_type_total",
			Help: "Change events by event type.",
		}, []string{"event_type"}),
		dlqSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentmesh_dlq_depth",
			Help: "Dead letter queue depth per target layer.",
		}, []string{"target"}),
	}
	if reg != nil {
		reg.MustRegister(m.received, m.routed, m.byType, m.dlqSize)
	}
	return m
}

// NewEventRouter builds a router. The prometheus registerer may be nil.
func NewEventRouter(config EventRouterConfig, client *redis.Client, reg prometheus.Registerer) *EventRouter {
	if config.Channel == "" {
		config.Channel = "l01:events"
	}
	if config.HealthVolumeThreshold <= 0 {
		config.HealthVolumeThreshold = 20
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &EventRouter{
		config:  config,
		redis:   client,
		client:  &http.Client{Timeout: deliveryTimeout},
		dlq:     newDLQ(config.DLQSize),
		logger:  logger,
		metrics: newRouterMetrics(reg),
	}
}

// Start subscribes to the bus and consumes until Stop or context cancel.
func (r *EventRouter) Start(ctx context.Context) error {
	if r.redis == nil {
		return fmt.Errorf("%w: event router needs a redis client", core.ErrMissingConfiguration)
	}
	if r.done != nil {
		return core.ErrAlreadyStarted
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	sub := r.redis.Subscribe(ctx, r.config.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		r.cancel()
		r.done = nil
		return fmt.Errorf("subscribe %s: %w", r.config.Channel, err)
	}

	go func() {
		defer close(r.done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.consume(ctx, []byte(msg.Payload))
			}
		}
	}()

	r.logger.Info("Event router started", map[string]interface{}{
		"channel": r.config.Channel,
		"targets": len(r.config.TargetEndpoints),
	})
	return nil
}

// Stop halts consumption and waits for the loop to exit.
func (r *EventRouter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// consume decodes and routes one bus message.
func (r *EventRouter) consume(ctx context.Context, payload []byte) {
	var event store.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.Warn("Dropping undecodable bus message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	r.Route(ctx, &event)
}

// Route forwards one event to its owning layer. Unknown aggregate types are
// counted under events_by_type and intentionally not forwarded.
func (r *EventRouter) Route(ctx context.Context, event *store.Event) {
	r.eventsReceived.Add(1)
	r.metrics.received.Inc()
	r.countType(event.EventType)

	layer, ok := layerForAggregate[event.AggregateType]
	if !ok {
		return
	}
	endpoint, ok := r.config.TargetEndpoints[layer]
	if !ok {
		r.fail(event, layer, "no endpoint configured")
		return
	}

	if err := r.deliver(ctx, endpoint, event); err != nil {
		r.fail(event, layer, err.Error())
		return
	}
	r.eventsRouted.Add(1)
	r.metrics.routed.Inc()
}

// deliver POSTs the event to <endpoint>/events/<aggregate_type>.
func (r *EventRouter) deliver(ctx context.Context, endpoint string, event *store.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	url := fmt.Sprintf("%s/events/%s", endpoint, event.AggregateType)

	callCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("target returned %d", resp.StatusCode)
	}
	return nil
}

func (r *EventRouter) fail(event *store.Event, target, reason string) {
	r.eventsFailed.Add(1)
	r.dlq.enqueue(deadLetter{Event: event, Target: target, Reason: reason})
	r.metrics.dlqSize.WithLabelValues(target).Set(float64(r.dlq.sizes()[target]))
	r.logger.Warn("Event delivery failed, dead-lettered", map[string]interface{}{
		"event_id": event.EventID,
		"target":   target,
		"reason":   reason,
	})
}

// RetryReport summarizes one target's DLQ drain.
type RetryReport struct {
	Total     int `json:"total"`
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RetryDLQ drains every queue, retries each letter once, and re-enqueues
// the ones that fail again.
func (r *EventRouter) RetryDLQ(ctx context.Context) map[string]RetryReport {
	drained := r.dlq.drain()
	reports := make(map[string]RetryReport, len(drained))

	for target, letters := range drained {
		report := RetryReport{Total: len(letters)}
		endpoint, ok := r.config.TargetEndpoints[target]
		for _, letter := range letters {
			if !ok {
				r.dlq.enqueue(letter)
				report.Failed++
				continue
			}
			report.Retried++
			if err := r.deliver(ctx, endpoint, letter.Event); err != nil {
				letter.Reason = err.Error()
				r.dlq.enqueue(letter)
				report.Failed++
				continue
			}
			report.Succeeded++
			r.eventsRouted.Add(1)
			r.metrics.routed.Inc()
		}
		r.metrics.dlqSize.WithLabelValues(target).Set(float64(r.dlq.sizes()[target]))
		reports[target] = report
	}
	return reports
}

// Stats is the router's externally visible counter set.
type Stats struct {
	EventsReceived int64            `json:"events_received"`
	EventsRouted   int64            `json:"events_routed"`
	EventsByType   map[string]int64 `json:"events_by_type"`
	DLQSizes       map[string]int   `json:"dlq_sizes"`
	DLQDropped     map[string]int64 `json:"dlq_dropped"`
}

// Statistics returns a snapshot of the router counters.
func (r *EventRouter) Statistics() Stats {
	byType := make(map[string]int64)
	r.byType.Range(func(key, value any) bool {
		byType[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return Stats{
		EventsReceived: r.eventsReceived.Load(),
		EventsRouted:   r.eventsRouted.Load(),
		EventsByType:   byType,
		DLQSizes:       r.dlq.sizes(),
		DLQDropped:     r.dlq.droppedCounts(),
	}
}

// Healthy reports whether delivery is keeping up: success rate at or above
// 95 percent, or too little volume to judge.
func (r *EventRouter) Healthy() bool {
	received := r.eventsReceived.Load()
	if received < r.config.HealthVolumeThreshold {
		return true
	}
	routed := r.eventsRouted.Load()
	attempted := routed + r.eventsFailed.Load()
	if attempted == 0 {
		return true
	}
	return float64(routed)/float64(attempted)*100 >= 95
}

func (r *EventRouter) countType(eventType string) {
	counter, _ := r.byType.LoadOrStore(eventType, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)
	r.metrics.byType.WithLabelValues(eventType).Inc()
}
