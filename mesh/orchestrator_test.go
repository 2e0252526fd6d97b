package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

func registryWith(t *testing.T, name, endpoint string) *Registry {
	t.Helper()
	reg := NewRegistry(nil)
	err := reg.Register(context.Background(), &ServiceInstance{
		ServiceID:   name + "-1",
		ServiceName: name,
		Endpoint:    endpoint,
		Status:      StatusHealthy,
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestRouter(t *testing.T, name, endpoint string) *RequestOrchestrator {
	t.Helper()
	breakers := NewBreakerRegistry(DefaultCircuitBreakerConfig())
	return NewRequestOrchestrator(registryWith(t, name, endpoint), breakers, nil)
}

func TestRouteRequestSuccess(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer srv.Close()

	router := newTestRouter(t, "tools", srv.URL)
	resp, err := router.RouteRequest(context.Background(), "tools", http.MethodPost, "/run", map[string]string{"a": "b"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if resp["ok"] != true {
		t.Errorf("Unexpected response: %v", resp)
	}

	for _, header := range []string{core.HeaderTraceID, core.HeaderCorrelationID, core.HeaderRequestID} {
		if gotHeaders.Get(header) == "" {
			t.Errorf("Missing trust envelope header %s", header)
		}
	}
}

func TestRouteRequestPropagatesAmbientContext(t *testing.T) {
	var gotTrace, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get(core.HeaderTraceID)
		gotUser = r.Header.Get(core.HeaderUserID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	router := newTestRouter(t, "tools", srv.URL)
	ctx := core.WithRequestContext(context.Background(), &core.RequestContext{
		TraceID:       "trace-123",
		CorrelationID: "corr-123",
		RequestID:     "req-123",
		UserID:        "user-9",
	})
	if _, err := router.RouteRequest(ctx, "tools", http.MethodGet, "/ping", nil, 0); err != nil {
		t.Fatal(err)
	}
	if gotTrace != "trace-123" || gotUser != "user-9" {
		t.Errorf("Ambient context not propagated: trace=%q user=%q", gotTrace, gotUser)
	}
}

func TestRouteRequestNoInstance(t *testing.T) {
	router := NewRequestOrchestrator(NewRegistry(nil), NewBreakerRegistry(DefaultCircuitBreakerConfig()), nil)
	_, err := router.RouteRequest(context.Background(), "ghost", http.MethodGet, "/", nil, 0)
	if core.ErrorCode(err) != core.CodeServiceNotFound {
		t.Errorf("Expected %s, got %v", core.CodeServiceNotFound, err)
	}
	if !core.IsNotFound(err) {
		t.Error("Missing instance must classify as not found")
	}
}

func TestRouteRequestUnhealthyInstancesSkipped(t *testing.T) {
	reg := NewRegistry(nil)
	_ = reg.Register(context.Background(), &ServiceInstance{
		ServiceID: "svc-1", ServiceName: "svc", Endpoint: "http://localhost:1", Status: StatusUnhealthy,
	})
	router := NewRequestOrchestrator(reg, NewBreakerRegistry(DefaultCircuitBreakerConfig()), nil)
	_, err := router.RouteRequest(context.Background(), "svc", http.MethodGet, "/", nil, 0)
	if core.ErrorCode(err) != core.CodeServiceNotFound {
		t.Errorf("Unhealthy-only services must report not found, got %v", err)
	}
}

func TestRouteRequestStatusMapping(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	router := newTestRouter(t, "tools", srv.URL)

	_, err := router.RouteRequest(context.Background(), "tools", http.MethodGet, "/x", nil, 0)
	if core.ErrorCode(err) != core.CodeRemoteClient {
		t.Errorf("4xx must map to %s, got %v", core.CodeRemoteClient, err)
	}

	status = http.StatusInternalServerError
	_, err = router.RouteRequest(context.Background(), "tools", http.MethodGet, "/x", nil, 0)
	if core.ErrorCode(err) != core.CodeRemoteServer {
		t.Errorf("5xx must map to %s, got %v", core.CodeRemoteServer, err)
	}
	if !core.IsRetryable(err) {
		t.Error("5xx failures are retryable")
	}
}

func TestRouteRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	router := newTestRouter(t, "slow", srv.URL)
	_, err := router.RouteRequest(context.Background(), "slow", http.MethodGet, "/", nil, 50*time.Millisecond)
	if core.ErrorCode(err) != core.CodeTimeout {
		t.Errorf("Timeout must map to %s, got %v", core.CodeTimeout, err)
	}
	if !core.IsTimeout(err) {
		t.Error("Timeout predicate must hold")
	}
}

func TestRouteRequestConnectFailure(t *testing.T) {
	router := newTestRouter(t, "down", "http://127.0.0.1:1")
	_, err := router.RouteRequest(context.Background(), "down", http.MethodGet, "/", nil, time.Second)
	if core.ErrorCode(err) != core.CodeConnectFailed {
		t.Errorf("Connect failure must map to %s, got %v", core.CodeConnectFailed, err)
	}
}

func TestRouteRequestCircuitOpen(t *testing.T) {
	breakers := NewBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	router := NewRequestOrchestrator(registryWith(t, "flaky", "http://127.0.0.1:1"), breakers, nil)

	// First call fails at connect and trips the single-failure breaker.
	_, err := router.RouteRequest(context.Background(), "flaky", http.MethodGet, "/", nil, time.Second)
	if core.ErrorCode(err) != core.CodeConnectFailed {
		t.Fatalf("Expected connect failure, got %v", err)
	}

	_, err = router.RouteRequest(context.Background(), "flaky", http.MethodGet, "/", nil, time.Second)
	if core.ErrorCode(err) != core.CodeCircuitOpen {
		t.Errorf("Open breaker must short-circuit with %s, got %v", core.CodeCircuitOpen, err)
	}
	if !core.IsCircuitOpen(err) {
		t.Error("Circuit open predicate must hold")
	}
}

func TestRouteRequestRecoveryClosesBreaker(t *testing.T) {
	failing := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	breakers := NewBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  50 * time.Millisecond,
		now:              clock.now,
	})
	router := NewRequestOrchestrator(registryWith(t, "flaky", srv.URL), breakers, nil)

	for i := 0; i < 5; i++ {
		if _, err := router.RouteRequest(context.Background(), "flaky", http.MethodGet, "/", nil, time.Second); core.ErrorCode(err) != core.CodeRemoteServer {
			t.Fatalf("Call %d: expected %s, got %v", i, core.CodeRemoteServer, err)
		}
	}
	if _, err := router.RouteRequest(context.Background(), "flaky", http.MethodGet, "/", nil, time.Second); core.ErrorCode(err) != core.CodeCircuitOpen {
		t.Fatalf("Breaker must reject within the recovery window, got %v", err)
	}

	clock.advance(60 * time.Millisecond)
	failing = false
	if _, err := router.RouteRequest(context.Background(), "flaky", http.MethodGet, "/", nil, time.Second); err != nil {
		t.Fatalf("Probe after recovery must be admitted, got %v", err)
	}

	snap := breakers.Breaker("flaky").State()
	if snap.State != "closed" {
		t.Errorf("Successful probe must close the breaker, got state=%s", snap.State)
	}
	if snap.FailureCount != 0 {
		t.Errorf("Closing must reset failure_count, got %d", snap.FailureCount)
	}

	if _, err := router.RouteRequest(context.Background(), "flaky", http.MethodGet, "/", nil, time.Second); err != nil {
		t.Errorf("Closed breaker must admit calls, got %v", err)
	}
}

func TestRouteRequestProbeFailureReopensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	breakers := NewBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		now:              clock.now,
	})
	router := NewRequestOrchestrator(registryWith(t, "broken", srv.URL), breakers, nil)

	for i := 0; i < 2; i++ {
		_, _ = router.RouteRequest(context.Background(), "broken", http.MethodGet, "/", nil, time.Second)
	}

	clock.advance(60 * time.Millisecond)
	if _, err := router.RouteRequest(context.Background(), "broken", http.MethodGet, "/", nil, time.Second); core.ErrorCode(err) != core.CodeRemoteServer {
		t.Fatalf("Probe must reach the backend, got %v", err)
	}

	snap := breakers.Breaker("broken").State()
	if snap.State != "open" {
		t.Fatalf("Failed probe must re-open the breaker, got state=%s", snap.State)
	}
	// The failed probe starts a fresh recovery window.
	if _, err := router.RouteRequest(context.Background(), "broken", http.MethodGet, "/", nil, time.Second); core.ErrorCode(err) != core.CodeCircuitOpen {
		t.Errorf("Re-opened breaker must reject until the new window elapses, got %v", err)
	}
}

func TestBroadcastCapturesPerServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"from": "up"})
	}))
	defer srv.Close()

	reg := NewRegistry(nil)
	_ = reg.Register(context.Background(), &ServiceInstance{
		ServiceID: "up-1", ServiceName: "up", Endpoint: srv.URL, Status: StatusHealthy,
	})
	_ = reg.Register(context.Background(), &ServiceInstance{
		ServiceID: "down-1", ServiceName: "down", Endpoint: "http://127.0.0.1:1", Status: StatusHealthy,
	})
	router := NewRequestOrchestrator(reg, NewBreakerRegistry(DefaultCircuitBreakerConfig()), nil)

	results := router.Broadcast(context.Background(), []string{"up", "down", "ghost"}, http.MethodGet, "/", nil, time.Second)
	if len(results) != 3 {
		t.Fatalf("Broadcast must answer for every service, got %d", len(results))
	}
	if results["up"].Error != nil || results["up"].Response["from"] != "up" {
		t.Errorf("Healthy sibling must succeed: %+v", results["up"])
	}
	if core.ErrorCode(results["down"].Error) != core.CodeConnectFailed {
		t.Errorf("Down sibling error must be captured: %v", results["down"].Error)
	}
	if core.ErrorCode(results["ghost"].Error) != core.CodeServiceNotFound {
		t.Errorf("Unknown sibling error must be captured: %v", results["ghost"].Error)
	}
}
