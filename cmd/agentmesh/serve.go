package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/mesh"
	"github.com/agentmesh/agentmesh/store"
)

func newServeCmd() *cobra.Command {
	var (
		addr    string
		targets []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane server",
		Long:  "Starts the workflow store, the event router, the service registry, and the HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger, addr, targets)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringArrayVar(&targets, "target", nil,
		"layer endpoint mapping, e.g. l02=http://agents:8080 (repeatable)")
	return cmd
}

func runServe(ctx context.Context, cfg *core.Config, logger core.Logger, addr string, targets []string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdown, err := setupTracing(ctx)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	endpoints, err := parseTargets(targets)
	if err != nil {
		return err
	}

	st, err := store.New(ctx, store.Config{
		PostgresDSN:  cfg.PostgresDSN,
		RedisURL:     cfg.RedisURL,
		EventChannel: cfg.EventChannel,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	rdb, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	registry := mesh.NewRegistry(logger, mesh.WithRedisPersistence(rdb, "agentmesh"))
	if err := registry.Rehydrate(ctx); err != nil {
		logger.Warn("Registry rehydration failed, starting empty", map[string]interface{}{
			"error": err.Error(),
		})
	}

	breakerConfig := mesh.DefaultCircuitBreakerConfig()
	breakerConfig.Logger = logger
	breakers := mesh.NewBreakerRegistry(breakerConfig)
	orchestrator := mesh.NewRequestOrchestrator(registry, breakers, logger)

	routerConfig := mesh.DefaultEventRouterConfig()
	routerConfig.Channel = cfg.EventChannel
	routerConfig.TargetEndpoints = endpoints
	routerConfig.Logger = logger
	router := mesh.NewEventRouter(routerConfig, rdb, prometheus.DefaultRegisterer)
	if err := router.Start(ctx); err != nil {
		return fmt.Errorf("start event router: %w", err)
	}
	defer router.Stop()

	srv := &http.Server{
		Addr:    addr,
		Handler: newAPIHandler(st, registry, orchestrator, router, breakers),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Control plane listening", map[string]interface{}{
			"addr":    addr,
			"channel": cfg.EventChannel,
			"targets": endpoints,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// parseTargets turns repeated layer=url flags into the router endpoint map.
func parseTargets(targets []string) (map[string]string, error) {
	endpoints := make(map[string]string, len(targets))
	for _, t := range targets {
		layer, url, ok := strings.Cut(t, "=")
		if !ok || layer == "" || url == "" {
			return nil, fmt.Errorf("invalid --target %q, want layer=url", t)
		}
		endpoints[layer] = url
	}
	return endpoints, nil
}

func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newAPIHandler(st *store.Store, registry *mesh.Registry, orchestrator *mesh.RequestOrchestrator, router *mesh.EventRouter, breakers *mesh.BreakerRegistry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		storeErr := st.Ping(r.Context())
		if storeErr != nil || !router.Healthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		body := map[string]interface{}{
			"status":       status,
			"router":       router.Healthy(),
			"store":        storeErr == nil,
			"router_stats": router.Statistics(),
		}
		writeJSON(w, code, body)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"router":   router.Statistics(),
			"breakers": breakers.Snapshots(),
			"services": registry.Services(),
		})
	})

	mux.HandleFunc("POST /dlq/retry", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, router.RetryDLQ(r.Context()))
	})

	mux.HandleFunc("POST /services", func(w http.ResponseWriter, r *http.Request) {
		var instance mesh.ServiceInstance
		if err := json.NewDecoder(r.Body).Decode(&instance); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := registry.Register(r.Context(), &instance); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, instance)
	})

	mux.HandleFunc("GET /services", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, registry.Services())
	})

	mux.HandleFunc("GET /services/{name}", func(w http.ResponseWriter, r *http.Request) {
		includeAll := r.URL.Query().Get("include_all") == "true"
		writeJSON(w, http.StatusOK, registry.Lookup(r.PathValue("name"), includeAll))
	})

	mux.HandleFunc("POST /services/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status mesh.ServiceStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := registry.Heartbeat(r.Context(), r.PathValue("id"), body.Status); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /route/{service}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Method string                 `json:"method"`
			Path   string                 `json:"path"`
			Data   map[string]interface{} `json:"data,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if body.Method == "" {
			body.Method = http.MethodPost
		}
		response, err := orchestrator.RouteRequest(r.Context(), r.PathValue("service"), body.Method, body.Path, body.Data, 0)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, response)
	})

	mux.HandleFunc("GET /workflows", func(w http.ResponseWriter, r *http.Request) {
		workflows, err := st.ListWorkflows(r.Context(), store.WorkflowFilter{
			Category:        r.URL.Query().Get("category"),
			IncludeArchived: r.URL.Query().Get("include_archived") == "true",
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	})

	mux.HandleFunc("GET /workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		wf, err := st.GetWorkflow(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	})

	mux.HandleFunc("GET /executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		exec, err := st.GetExecution(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	})

	mux.HandleFunc("GET /events/{aggregate_type}/{aggregate_id}", func(w http.ResponseWriter, r *http.Request) {
		events, err := st.Events(r.Context(), r.PathValue("aggregate_type"), r.PathValue("aggregate_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	return mux
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsCircuitOpen(err):
		return http.StatusServiceUnavailable
	case core.IsTimeout(err):
		return http.StatusGatewayTimeout
	case core.IsBusinessLogicError(err):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]interface{}{
		"error": err.Error(),
		"code":  core.ErrorCode(err),
	})
}
