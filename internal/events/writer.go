package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TemplateCreated  = "template.created"
	TemplateArchived = "template.archived"
	TemplateDeleted  = "template.deleted"
	VersionDrafted   = "version.drafted"
	VersionChanged   = "version.changed"
	VersionPublished = "version.published"

	InstanceCreated   = "instance.created"
	InstanceCompleted = "instance.completed"
	InstanceCancelled = "instance.cancelled"

	StepReady     = "step.ready"
	StepStarted   = "step.started"
	StepCompleted = "step.completed"
	StepBlocked   = "step.blocked"
	StepResumed   = "step.resumed"
	StepSkipped   = "step.skipped"
	StepAssigned  = "step.assigned"

	ValueSet = "value.set"

	ApprovalRequested = "approval.requested"
	ApprovalDecided   = "approval.decided"

	TenantInit    = "tenant.init"
	APIKeyCreated = "apikey.created"
	ConfigUpdated = "config.updated"
)

// Execer is the part of *sql.Tx the writer needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer appends events to the outbox table. Append runs on the caller's
// transaction so an event exists iff its state change committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx Execer, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(tenantID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
