package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentmesh/agentmesh/core"
)

// DefaultRequestTimeout applies when the caller passes no per-call timeout.
const DefaultRequestTimeout = 30 * time.Second

// RequestOrchestrator routes requests to registered services through their
// circuit breakers, propagating the trust envelope on every call.
type RequestOrchestrator struct {
	registry *Registry
	breakers *BreakerRegistry
	client   *http.Client
	logger   core.Logger
}

// NewRequestOrchestrator wires routing over a registry and breaker set.
func NewRequestOrchestrator(registry *Registry, breakers *BreakerRegistry, logger core.Logger) *RequestOrchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RequestOrchestrator{
		registry: registry,
		breakers: breakers,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// RouteRequest resolves a healthy instance, checks the breaker, and issues
// the HTTP call with the trust envelope attached. The decoded JSON body is
// returned on 2xx; every failure carries its stable code.
func (o *RequestOrchestrator) RouteRequest(ctx context.Context, serviceName, method, path string, data interface{}, timeout time.Duration) (map[string]interface{}, error) {
	instance, err := o.registry.SelectInstance(serviceName)
	if err != nil {
		return nil, err
	}
	breaker := o.breakers.Breaker(serviceName)

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, rc := core.EnsureRequestContext(ctx)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	url := strings.TrimRight(instance.Endpoint, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(callCtx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	rc.Inject(req.Header)

	// Allow performs the open to half_open transition and admits at most one
	// probe; every path past this point records the call's outcome.
	if !breaker.Allow() {
		return nil, core.NewIntegrationError(core.CodeCircuitOpen, "mesh.RouteRequest",
			fmt.Sprintf("circuit open for %s", serviceName), core.ErrCircuitBreakerOpen)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		breaker.RecordFailure()
		return nil, o.transportError(serviceName, err)
	}
	defer resp.Body.Close()

	payload, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		breaker.RecordFailure()
		return nil, core.NewIntegrationError(core.CodeConnectFailed, "mesh.RouteRequest",
			fmt.Sprintf("read response from %s", serviceName), readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		breaker.RecordFailure()
		return nil, o.statusError(serviceName, resp.StatusCode, payload)
	}

	breaker.RecordSuccess()
	o.logger.Debug("Request routed", map[string]interface{}{
		"service":     serviceName,
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"trace_id":    rc.TraceID,
	})

	if len(payload) == 0 {
		return map[string]interface{}{}, nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		// Non-object bodies are wrapped rather than rejected.
		return map[string]interface{}{"raw": string(payload)}, nil
	}
	return decoded, nil
}

// BroadcastResult is one service's outcome from a broadcast.
type BroadcastResult struct {
	Response map[string]interface{} `json:"response,omitempty"`
	Error    error                  `json:"-"`
}

// Broadcast fans RouteRequest out to every named service concurrently.
// Per-service failures are captured in the result map, never abort siblings.
func (o *RequestOrchestrator) Broadcast(ctx context.Context, serviceNames []string, method, path string, data interface{}, timeout time.Duration) map[string]BroadcastResult {
	results := make(map[string]BroadcastResult, len(serviceNames))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range serviceNames {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			response, err := o.RouteRequest(ctx, name, method, path, data, timeout)
			mu.Lock()
			results[name] = BroadcastResult{Response: response, Error: err}
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// transportError maps connection-level failures to their stable codes.
func (o *RequestOrchestrator) transportError(serviceName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewIntegrationError(core.CodeTimeout, "mesh.RouteRequest",
			fmt.Sprintf("call to %s timed out", serviceName), core.ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewIntegrationError(core.CodeTimeout, "mesh.RouteRequest",
			fmt.Sprintf("call to %s timed out", serviceName), core.ErrTimeout)
	}
	return core.NewIntegrationError(core.CodeConnectFailed, "mesh.RouteRequest",
		fmt.Sprintf("connect to %s: %v", serviceName, err), core.ErrConnectionFailed)
}

// statusError maps HTTP status classes to their stable codes.
func (o *RequestOrchestrator) statusError(serviceName string, status int, payload []byte) error {
	code := core.CodeRemoteServer
	if status >= 400 && status < 500 {
		code = core.CodeRemoteClient
	}
	message := fmt.Sprintf("%s returned %d", serviceName, status)
	if len(payload) > 0 && len(payload) <= 256 {
		message = fmt.Sprintf("%s: %s", message, strings.TrimSpace(string(payload)))
	}
	return core.NewIntegrationError(code, "mesh.RouteRequest", message, core.ErrRequestFailed)
}
