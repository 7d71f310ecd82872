package domain

import (
	"encoding/json"
	"time"
)

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Template struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"draft,active,archived"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// TemplateVersion is a snapshot of a template's steps. Once PublishedAt is set
// the steps and fields never change.
type TemplateVersion struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	TemplateID  string    `json:"template_id"`
	Version     string    `json:"version"`
	IsImmutable bool      `json:"is_immutable"`
	PublishedAt *string   `json:"published_at,omitempty" format:"date-time"`
	PublishedBy *string   `json:"published_by,omitempty"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
	Steps       []StepDef `json:"steps,omitempty"`
}

func (v TemplateVersion) Published() bool {
	return v.PublishedAt != nil
}

type StepDef struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	VersionID    string           `json:"version_id"`
	StepKey      string           `json:"step_key"`
	Name         string           `json:"name"`
	Type         string           `json:"type" enum:"task,approval,form"`
	OrderIndex   int              `json:"order_index"`
	DependsOn    []string         `json:"depends_on,omitempty"`
	SLAHours     *int             `json:"sla_hours,omitempty"`
	AssigneeRule []AssignmentRule `json:"assignee_rule,omitempty"`
	Fields       []FieldDef       `json:"fields,omitempty"`
}

type FieldDef struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	StepID      string          `json:"step_id"`
	Key         string          `json:"key"`
	Label       string          `json:"label"`
	Type        FieldType       `json:"type" enum:"string,number,date,datetime,json"`
	Required    bool            `json:"required"`
	Default     json.RawMessage `json:"default,omitempty"`
	Rules       string          `json:"rules,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	VisibleWhen *Condition      `json:"visible_when,omitempty"`
	OrderIndex  int             `json:"order_index"`
}

// Condition compares one attribute (or field value) against a literal.
type Condition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op" enum:"eq,neq,in,exists,gt,gte,lt,lte"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// AssignmentRule picks an assignee when its condition holds. A rule without a
// condition always matches.
type AssignmentRule struct {
	When     *Condition `json:"when,omitempty" yaml:"when,omitempty"`
	Assignee string     `json:"assignee" yaml:"assignee"`
}

type Instance struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ProjectID   string         `json:"project_id"`
	TemplateID  string         `json:"template_id"`
	VersionID   string         `json:"version_id"`
	Status      string         `json:"status" enum:"pending,in_progress,completed,cancelled"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
	Steps       []StepInstance `json:"steps,omitempty"`
}

type StepInstance struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	InstanceID   string           `json:"instance_id"`
	StepDefID    string           `json:"step_def_id"`
	StepKey      string           `json:"step_key"`
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	OrderIndex   int              `json:"order_index"`
	DependsOn    []string         `json:"depends_on,omitempty"`
	AssigneeRule []AssignmentRule `json:"assignee_rule,omitempty"`
	SLAHours     *int             `json:"sla_hours,omitempty"`
	Status       string           `json:"status" enum:"pending,ready,in_progress,blocked,completed,skipped"`
	Assignee     *string          `json:"assignee,omitempty"`
	Deadline     *string          `json:"deadline,omitempty" format:"date-time"`
	StartedAt    *string          `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string          `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
	UpdatedAt    string           `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the step can no longer change status.
func (s StepInstance) Terminal() bool {
	return s.Status == StepCompleted || s.Status == StepSkipped
}

// Overdue flags a non-terminal step whose deadline has passed. It is a
// reporting signal only.
func (s StepInstance) Overdue(now time.Time) bool {
	if s.Deadline == nil || s.Terminal() {
		return false
	}
	deadline, err := time.Parse(time.RFC3339, *s.Deadline)
	if err != nil {
		return false
	}
	return now.After(deadline)
}

// FieldValue holds exactly one populated slot matching Type.
type FieldValue struct {
	StepInstanceID string          `json:"step_instance_id"`
	TenantID       string          `json:"tenant_id"`
	FieldKey       string          `json:"field_key"`
	Type           FieldType       `json:"type"`
	String         *string         `json:"string,omitempty"`
	Number         *float64        `json:"number,omitempty"`
	Date           *time.Time      `json:"date,omitempty"`
	DateTime       *time.Time      `json:"datetime,omitempty"`
	JSON           json.RawMessage `json:"json,omitempty"`
	UpdatedBy      string          `json:"updated_by"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// Value returns the populated slot as a plain Go value for condition checks.
func (v FieldValue) Value() any {
	switch v.Type {
	case FieldString:
		if v.String != nil {
			return *v.String
		}
	case FieldNumber:
		if v.Number != nil {
			return *v.Number
		}
	case FieldDate:
		if v.Date != nil {
			return v.Date.Format(DateLayout)
		}
	case FieldDateTime:
		if v.DateTime != nil {
			return v.DateTime.Format(time.RFC3339)
		}
	case FieldJSON:
		if len(v.JSON) > 0 {
			var out any
			if err := json.Unmarshal(v.JSON, &out); err == nil {
				return out
			}
		}
	}
	return nil
}

type Approval struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	StepInstanceID string  `json:"step_instance_id"`
	Decision       string  `json:"decision" enum:"pending,approved,rejected"`
	Comment        string  `json:"comment,omitempty"`
	RequestedBy    string  `json:"requested_by"`
	RequestedAt    string  `json:"requested_at" format:"date-time"`
	ApprovedBy     *string `json:"approved_by,omitempty"`
	ApprovedAt     *string `json:"approved_at,omitempty" format:"date-time"`
}

func (a Approval) Terminal() bool {
	return a.Decision == DecisionApproved || a.Decision == DecisionRejected
}

type Event struct {
	ID          int64   `json:"id"`
	TS          string  `json:"ts" format:"date-time"`
	Type        string  `json:"type"`
	TenantID    string  `json:"tenant_id"`
	EntityKind  string  `json:"entity_kind"`
	EntityID    string  `json:"entity_id,omitempty"`
	ActorID     string  `json:"actor_id"`
	Payload     string  `json:"payload_json"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Member struct {
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
