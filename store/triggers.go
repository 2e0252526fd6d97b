package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agentmesh/agentmesh/core"
)

// CreateTrigger persists a trigger for a workflow.
func (s *Store) CreateTrigger(ctx context.Context, trigger *WorkflowTrigger) error {
	if trigger.WorkflowID == "" {
		return core.NewBusinessLogicError("store.CreateTrigger", "workflow_id is required")
	}
	switch trigger.TriggerType {
	case TriggerEvent, TriggerSchedule, TriggerWebhook:
	default:
		return core.NewBusinessLogicError("store.CreateTrigger",
			fmt.Sprintf("unknown trigger type %q", trigger.TriggerType))
	}
	if trigger.TriggerID == "" {
		trigger.TriggerID = "trig-" + uuid.NewString()
	}
	trigger.CreatedAt = time.Now().UTC()

	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		if _, err := tx.NewInsert().Model(trigger).Exec(ctx); err != nil {
			return nil, fmt.Errorf("insert trigger: %w", err)
		}
		event, err := s.appendEvent(ctx, tx, "workflow.trigger.created", "trigger", trigger.TriggerID,
			map[string]interface{}{"workflow_id": trigger.WorkflowID, "trigger_type": string(trigger.TriggerType)})
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// ListTriggers returns triggers for a workflow, enabled first.
func (s *Store) ListTriggers(ctx context.Context, workflowID string) ([]WorkflowTrigger, error) {
	var triggers []WorkflowTrigger
	err := s.db.NewSelect().Model(&triggers).
		Where("workflow_id = ?", workflowID).
		Order("enabled DESC", "created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	return triggers, nil
}

// RecordTriggerFired atomically bumps trigger_count and stamps
// last_triggered_at.
func (s *Store) RecordTriggerFired(ctx context.Context, triggerID string) error {
	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		res, err := tx.NewUpdate().Model((*WorkflowTrigger)(nil)).
			Set("trigger_count = trigger_count + 1").
			Set("last_triggered_at = ?", time.Now().UTC()).
			Where("trigger_id = ?", triggerID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("record trigger fired: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, core.NewBusinessLogicError("store.RecordTriggerFired",
				fmt.Sprintf("trigger %s not found", triggerID))
		}
		event, err := s.appendEvent(ctx, tx, "workflow.trigger.fired", "trigger", triggerID, nil)
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// SetTriggerEnabled flips a trigger on or off.
func (s *Store) SetTriggerEnabled(ctx context.Context, triggerID string, enabled bool) error {
	res, err := s.db.NewUpdate().Model((*WorkflowTrigger)(nil)).
		Set("enabled = ?", enabled).
		Where("trigger_id = ?", triggerID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set trigger enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewBusinessLogicError("store.SetTriggerEnabled",
			fmt.Sprintf("trigger %s not found", triggerID))
	}
	return nil
}

// MatchingEventTriggers returns the enabled event triggers whose configured
// condition matches the event. A trigger with no condition matches every
// event of its configured event_type.
func (s *Store) MatchingEventTriggers(ctx context.Context, event *Event) ([]WorkflowTrigger, error) {
	var triggers []WorkflowTrigger
	err := s.db.NewSelect().Model(&triggers).
		Where("trigger_type = ?", TriggerEvent).
		Where("enabled = true").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list event triggers: %w", err)
	}

	matched := make([]WorkflowTrigger, 0, len(triggers))
	for _, trigger := range triggers {
		ok, err := TriggerMatches(trigger.TriggerConfig, event)
		if err != nil {
			s.logger.Warn("Trigger condition evaluation failed", map[string]interface{}{
				"trigger_id": trigger.TriggerID,
				"error":      err.Error(),
			})
			continue
		}
		if ok {
			matched = append(matched, trigger)
		}
	}
	return matched, nil
}

// TriggerMatches evaluates a trigger config against an event. The config
// recognizes "event_type" (exact match) and "condition" (boolean expression
// over event, payload, and metadata).
func TriggerMatches(config map[string]interface{}, event *Event) (bool, error) {
	if event == nil {
		return false, nil
	}
	if want, ok := config["event_type"].(string); ok && want != "" && want != event.EventType {
		return false, nil
	}
	condition, ok := config["condition"].(string)
	if !ok || condition == "" {
		return true, nil
	}

	env := map[string]interface{}{
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"version":        event.Version,
		"payload":        nonNilMap(event.Payload),
		"metadata":       nonNilMap(event.Metadata),
	}
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile trigger condition: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate trigger condition: %w", err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, errors.New("trigger condition did not produce a boolean")
	}
	return matched, nil
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
