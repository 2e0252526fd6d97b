package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/planning"
	"github.com/agentmesh/agentmesh/store"
)

// DataBridge persists pipeline aggregates through the workflow store. When
// the store is absent or down, records land in a local in-memory buffer and
// each write reports remote:false in the statistics.
type DataBridge struct {
	store  *store.Store
	logger core.Logger

	connected atomic.Bool
	writes    atomic.Int64
	remote    atomic.Int64
	local     atomic.Int64

	mu     sync.Mutex
	buffer []BufferedRecord
}

// BufferedRecord is one write kept in memory while the remote is unreachable.
type BufferedRecord struct {
	Kind    string
	Payload interface{}
}

// NewDataBridge wires a data bridge. A nil store means always-local.
func NewDataBridge(s *store.Store, logger core.Logger) *DataBridge {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &DataBridge{store: s, logger: logger}
}

// Initialize probes the remote store.
func (b *DataBridge) Initialize(ctx context.Context) error {
	if b.store == nil {
		b.connected.Store(false)
		return nil
	}
	if err := b.store.Ping(ctx); err != nil {
		b.logger.Warn("Data bridge starting disconnected", map[string]interface{}{
			"error": err.Error(),
		})
		b.connected.Store(false)
		return nil
	}
	b.connected.Store(true)
	return nil
}

// Close detaches from the remote. The store's own lifecycle is owned by the
// caller that constructed it.
func (b *DataBridge) Close() error {
	b.connected.Store(false)
	return nil
}

// IsConnected reports whether writes are reaching the remote store.
func (b *DataBridge) IsConnected() bool {
	return b.connected.Load()
}

// Statistics returns the write counters and buffer depth.
func (b *DataBridge) Statistics() map[string]interface{} {
	b.mu.Lock()
	buffered := len(b.buffer)
	b.mu.Unlock()
	return map[string]interface{}{
		"writes":        b.writes.Load(),
		"remote_writes": b.remote.Load(),
		"local_writes":  b.local.Load(),
		"buffered":      buffered,
		"connected":     b.connected.Load(),
	}
}

// StorePlan persists a parsed plan as a workflow definition.
func (b *DataBridge) StorePlan(ctx context.Context, plan *planning.ParsedPlan) error {
	return b.write(ctx, "plan", plan, func(ctx context.Context) error {
		nodes := make([]store.WorkflowNode, 0, len(plan.Steps))
		edges := make([]store.WorkflowEdge, 0)
		for _, step := range plan.Steps {
			nodes = append(nodes, store.WorkflowNode{
				NodeID: step.ID,
				Type:   "plan_step",
				Name:   step.Title,
			})
			for _, dep := range step.Dependencies {
				edges = append(edges, store.WorkflowEdge{From: dep, To: step.ID})
			}
		}
		entry := ""
		if len(plan.Steps) > 0 {
			entry = plan.Steps[0].ID
		}
		wf := &store.WorkflowDefinition{
			WorkflowID: "plan-" + plan.PlanID,
			Name:       plan.Title,
			Version:    "0.1.0",
			Category:   "plan",
			Status:     store.WorkflowActive,
			Definition: store.WorkflowGraph{
				Paradigm:    "plan",
				Nodes:       nodes,
				Edges:       edges,
				EntryNodeID: entry,
			},
			Metadata: map[string]interface{}{
				"plan_id": plan.PlanID,
				"format":  string(plan.FormatType),
			},
		}
		return b.store.CreateWorkflow(ctx, wf)
	})
}

// StoreUnit records one atomic unit as a node execution row.
func (b *DataBridge) StoreUnit(ctx context.Context, executionID string, unit planning.AtomicUnit) error {
	return b.write(ctx, "unit", unit, func(ctx context.Context) error {
		return b.store.RecordNodeExecution(ctx, &store.WorkflowNodeExecution{
			NodeExecutionID:    executionID + ":" + unit.ID,
			ExecutionID:        executionID,
			NodeID:             unit.ID,
			NodeType:           "atomic_unit",
			Status:             store.NodeRunning,
			CompensationAction: unit.CompensationAction,
			InputData: map[string]interface{}{
				"title":      unit.Title,
				"files":      unit.Files,
				"complexity": string(unit.Complexity),
			},
		})
	})
}

// StoreValidation folds a validation outcome onto its unit's node row.
func (b *DataBridge) StoreValidation(ctx context.Context, executionID string, validation planning.ValidationResult) error {
	return b.write(ctx, "validation", validation, func(ctx context.Context) error {
		status := store.NodeCompleted
		if !validation.Passed {
			status = store.NodeFailed
		}
		criteria := make([]map[string]interface{}, 0, len(validation.CriterionResults))
		for _, cr := range validation.CriterionResults {
			criteria = append(criteria, map[string]interface{}{
				"criterion_id": cr.CriterionID,
				"status":       string(cr.Status),
			})
		}
		return b.store.RecordNodeExecution(ctx, &store.WorkflowNodeExecution{
			NodeExecutionID: executionID + ":" + validation.UnitID,
			ExecutionID:     executionID,
			NodeID:          validation.UnitID,
			NodeType:        "atomic_unit",
			Status:          status,
			OutputData: map[string]interface{}{
				"passed":   validation.Passed,
				"criteria": criteria,
			},
			DurationMs: validation.TotalDurationMs,
		})
	})
}

// StoreExecution persists the finished pipeline run.
func (b *DataBridge) StoreExecution(ctx context.Context, result *planning.PipelineResult) error {
	return b.write(ctx, "execution", result, func(ctx context.Context) error {
		started := result.StartedAt
		exec := &store.WorkflowExecution{
			ExecutionID: result.ExecutionID,
			WorkflowID:  "plan-" + result.PlanID,
			Status:      store.ExecutionCompleted,
			StartedAt:   &started,
			DurationMs:  result.DurationMs,
			OutputResult: map[string]interface{}{
				"status":        string(result.Status),
				"total_units":   result.TotalUnits,
				"passed_units":  result.PassedUnits,
				"failed_units":  result.FailedUnits,
				"skipped_units": result.SkippedUnits,
				"average_score": result.AverageScore,
				"assessment":    string(result.OverallAssessment),
			},
		}
		if !result.Success() {
			exec.Status = store.ExecutionFailed
		}
		if !result.CompletedAt.IsZero() {
			completed := result.CompletedAt
			exec.CompletedAt = &completed
		}
		return b.store.CreateExecution(ctx, exec)
	})
}

// Buffered returns a copy of the locally buffered records.
func (b *DataBridge) Buffered() []BufferedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BufferedRecord(nil), b.buffer...)
}

// write tries the remote first and falls back to the local buffer. The
// caller always sees success; only the statistics reveal which side served.
func (b *DataBridge) write(ctx context.Context, kind string, payload interface{}, remote func(ctx context.Context) error) error {
	b.writes.Add(1)
	if b.store != nil && b.connected.Load() {
		if err := remote(ctx); err == nil {
			b.remote.Add(1)
			return nil
		} else {
			b.connected.Store(false)
			b.logger.Warn("Data bridge falling back to local buffer", map[string]interface{}{
				"kind":  kind,
				"error": err.Error(),
			})
		}
	}
	b.mu.Lock()
	b.buffer = append(b.buffer, BufferedRecord{Kind: kind, Payload: payload})
	b.mu.Unlock()
	b.local.Add(1)
	return nil
}

var _ Bridge = (*DataBridge)(nil)
var _ planning.ResultStore = (*DataBridge)(nil)
