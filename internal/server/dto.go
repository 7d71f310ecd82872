package server

import (
	"siteflow/internal/domain"
	"siteflow/internal/engine"
)

// Request payloads

type CreateTemplateRequest struct {
	Code string `json:"code" minLength:"1" maxLength:"64"`
	Name string `json:"name" minLength:"1" maxLength:"200"`
}

type DraftVersionRequest struct {
	Version     string `json:"version,omitempty" example:"1.2.0"`
	CloneLatest bool   `json:"clone_latest,omitempty"`
}

type ImportVersionRequest struct {
	Document string `json:"document" minLength:"1" doc:"YAML version document"`
}

type FieldRequest struct {
	Key         string            `json:"key" minLength:"1" maxLength:"64"`
	Label       string            `json:"label,omitempty"`
	Type        string            `json:"type" enum:"string,number,date,datetime,json"`
	Required    bool              `json:"required,omitempty"`
	Default     any               `json:"default,omitempty"`
	Rules       string            `json:"rules,omitempty" example:"min=3,max=40"`
	Schema      any               `json:"schema,omitempty"`
	VisibleWhen *domain.Condition `json:"visible_when,omitempty"`
	OrderIndex  *int              `json:"order_index,omitempty" minimum:"0"`
}

type StepRequest struct {
	Key          string                  `json:"key" minLength:"1" maxLength:"64"`
	Name         string                  `json:"name" minLength:"1" maxLength:"200"`
	Type         string                  `json:"type" enum:"task,approval,form"`
	OrderIndex   *int                    `json:"order_index,omitempty" minimum:"0"`
	DependsOn    []string                `json:"depends_on,omitempty"`
	SLAHours     *int                    `json:"sla_hours,omitempty" minimum:"0"`
	AssigneeRule []domain.AssignmentRule `json:"assignee_rule,omitempty"`
	Fields       []FieldRequest          `json:"fields,omitempty"`
}

// UpdateStepRequest changes a draft step. Omitted keys are left alone; an
// explicit null sla_hours clears the SLA.
type UpdateStepRequest struct {
	Name         *string                 `json:"name,omitempty"`
	Type         *string                 `json:"type,omitempty" enum:"task,approval,form"`
	OrderIndex   *int                    `json:"order_index,omitempty" minimum:"0"`
	DependsOn    []string                `json:"depends_on,omitempty"`
	SLAHours     *int                    `json:"sla_hours,omitempty" minimum:"0"`
	AssigneeRule []domain.AssignmentRule `json:"assignee_rule,omitempty"`
}

type StartInstanceRequest struct {
	ProjectID  string         `json:"project_id" minLength:"1"`
	VersionID  string         `json:"version_id" minLength:"1"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ProgressRequest struct {
	Status string `json:"status" enum:"pending,ready,in_progress,blocked,completed,skipped"`
}

type SkipRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AssignRequest struct {
	Assignee string `json:"assignee" doc:"empty clears the assignee"`
}

type SetValueRequest struct {
	Value any `json:"value"`
}

type RequestApprovalRequest struct {
	Comment string `json:"comment,omitempty"`
}

type DecideRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Comment  string `json:"comment,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty" doc:"defaults to the caller"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	TenantID    string   `json:"tenant_id"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key" doc:"shown once"`
}

// SkipResponse lists the skipped step and every dependent skipped with it.
type SkipResponse struct {
	Skipped []domain.StepInstance `json:"skipped"`
}

type listResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func fieldInput(f FieldRequest) engine.FieldInput {
	return engine.FieldInput{
		Key:         f.Key,
		Label:       f.Label,
		Type:        domain.FieldType(f.Type),
		Required:    f.Required,
		Default:     f.Default,
		Rules:       f.Rules,
		Schema:      f.Schema,
		VisibleWhen: f.VisibleWhen,
		OrderIndex:  f.OrderIndex,
	}
}

func stepInput(s StepRequest) engine.StepInput {
	in := engine.StepInput{
		Key:          s.Key,
		Name:         s.Name,
		Type:         s.Type,
		OrderIndex:   s.OrderIndex,
		DependsOn:    s.DependsOn,
		SLAHours:     s.SLAHours,
		AssigneeRule: s.AssigneeRule,
	}
	for _, f := range s.Fields {
		in.Fields = append(in.Fields, fieldInput(f))
	}
	return in
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
