package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the orchestrator.
const (
	TaskCreated                = "task.created"
	TaskStatusChanged          = "task.status_changed"
	TaskDeleted                = "task.deleted"
	TaskUnblocked              = "task.unblocked"
	DependencyAdded            = "task.dependency_added"
	DependencyRemoved          = "task.dependency_removed"
	ExecutionStarted           = "execution.started"
	ExecutionCompleted         = "execution.completed"
	ExecutionFailed            = "execution.failed"
	ExecutionCancelled         = "execution.cancelled"
	ExecutionAwaitingApproval  = "execution.awaiting_approval"
	ExecutionApproved          = "execution.approved"
	ExecutionRejected          = "execution.rejected"
	AgentCreated               = "agent.created"
	AgentHealthChanged         = "agent.health_changed"
	AgentCircuitOpen           = "agent.circuit_open"
	AgentReset                 = "agent.reset"
	AgentTrustRecommended      = "agent.trust.recommended"
	GuardrailConfigCreated     = "guardrail.config_created"
	GuardrailConfigUpdated     = "guardrail.config_updated"
	NotificationDeliveryFailed = "notification.failed"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row using the caller's transaction or handle, so
// the event commits together with the state change it describes.
func (w Writer) Append(ctx context.Context, ex Execer, evtType, accountID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,account_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(accountID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
