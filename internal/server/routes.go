package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"gopkg.in/yaml.v3"

	"siteflow/internal/domain"
	"siteflow/internal/engine"
	"siteflow/internal/engine/auth"
	"siteflow/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type idPath struct {
	ID string `path:"id"`
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create template",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*bodyOutput[domain.Template], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTemplate(ctx, p.TenantID, input.Body.Code, input.Body.Name, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,active,archived"`
	}) (*bodyOutput[listResponse[domain.Template]], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateRead)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTemplates(ctx, p.TenantID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listResponse[domain.Template]{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.Template], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateRead)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.GetTemplate(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-template",
		Method:      http.MethodPost,
		Path:        "/templates/{id}/archive",
		Summary:     "Archive template",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.Template], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.ArchiveTemplate(ctx, p.TenantID, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-template",
		Method:      http.MethodDelete,
		Path:        "/templates/{id}",
		Summary:     "Delete a template that has no versions",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteTemplate(ctx, p.TenantID, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/templates/{id}/versions",
		Summary:     "List template versions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[listResponse[domain.TemplateVersion]], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateRead)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListVersions(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listResponse[domain.TemplateVersion]{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "draft-version",
		Method:        http.MethodPost,
		Path:          "/templates/{id}/versions",
		Summary:       "Draft a new version",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body DraftVersionRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[domain.TemplateVersion], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.DraftVersion(ctx, p.TenantID, input.ID, engine.DraftOptions{
			Version:     input.Body.Version,
			CloneLatest: input.Body.CloneLatest,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-version",
		Method:        http.MethodPost,
		Path:          "/templates/{id}/import",
		Summary:       "Draft a version from a YAML document",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ImportVersionRequest `json:"body"`
	}) (*bodyOutput[domain.TemplateVersion], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		var doc engine.VersionDocument
		if err := yaml.Unmarshal([]byte(input.Body.Document), &doc); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document is not valid YAML", map[string]any{"error": err.Error()})
		}
		if doc.Publish {
			if _, err := requirePermission(ctx, e, auth.PermTemplatePublish); err != nil {
				return nil, handleError(err)
			}
		}
		v, err := e.ImportVersion(ctx, p.TenantID, input.ID, []byte(input.Body.Document), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/versions/{id}",
		Summary:     "Get version with steps and fields",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.TemplateVersion], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateRead)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetVersion(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-step",
		Method:        http.MethodPost,
		Path:          "/versions/{id}/steps",
		Summary:       "Add a step to a draft version",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body StepRequest `json:"body"`
	}) (*bodyOutput[domain.StepDef], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.AddStep(ctx, p.TenantID, input.ID, stepInput(input.Body), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-step-def",
		Method:      http.MethodPatch,
		Path:        "/step-defs/{id}",
		Summary:     "Update a draft step",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateStepRequest `json:"body"`
	}) (*bodyOutput[domain.StepDef], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		raw := rawBodyMap(ctx)
		upd := engine.StepUpdate{
			Name:       input.Body.Name,
			Type:       input.Body.Type,
			OrderIndex: input.Body.OrderIndex,
			SLAHours:   input.Body.SLAHours,
		}
		if v, ok := raw["sla_hours"]; ok && isNullRaw(v) {
			upd.ClearSLA = true
		}
		if _, ok := raw["depends_on"]; ok {
			deps := nonNilSlice(input.Body.DependsOn)
			upd.DependsOn = &deps
		}
		if _, ok := raw["assignee_rule"]; ok {
			rules := nonNilSlice(input.Body.AssigneeRule)
			upd.AssigneeRule = &rules
		}
		s, err := e.UpdateStep(ctx, p.TenantID, input.ID, upd, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-step-def",
		Method:      http.MethodDelete,
		Path:        "/step-defs/{id}",
		Summary:     "Remove a draft step",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveStep(ctx, p.TenantID, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-field",
		Method:        http.MethodPost,
		Path:          "/step-defs/{id}/fields",
		Summary:       "Add a field to a draft step",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body FieldRequest `json:"body"`
	}) (*bodyOutput[domain.FieldDef], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		f, err := e.AddField(ctx, p.TenantID, input.ID, fieldInput(input.Body), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(f), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-field",
		Method:      http.MethodDelete,
		Path:        "/field-defs/{id}",
		Summary:     "Remove a draft field",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		p, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveField(ctx, p.TenantID, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-version",
		Method:      http.MethodPost,
		Path:        "/versions/{id}/publish",
		Summary:     "Publish a draft version",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.TemplateVersion], error) {
		p, err := requirePermission(ctx, e, auth.PermTemplatePublish)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.Publish(ctx, p.TenantID, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Instantiate a published version",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body StartInstanceRequest `json:"body"`
	}) (*bodyOutput[domain.Instance], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceWrite)
		if err != nil {
			return nil, handleError(err)
		}
		inst, err := e.Instantiate(ctx, p.TenantID, engine.InstantiateOptions{
			ProjectID:  input.Body.ProjectID,
			VersionID:  input.Body.VersionID,
			Attributes: input.Body.Attributes,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(inst), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List instances",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		TemplateID string `query:"template_id"`
		Status     string `query:"status" enum:"pending,in_progress,completed,cancelled"`
		Limit      int    `query:"limit" default:"50"`
	}) (*bodyOutput[listResponse[domain.Instance]], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListInstances(ctx, repo.InstanceFilters{
			TenantID:   p.TenantID,
			ProjectID:  input.ProjectID,
			TemplateID: input.TemplateID,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listResponse[domain.Instance]{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{id}",
		Summary:     "Get instance with steps",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.Instance], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, handleError(err)
		}
		inst, err := e.GetInstance(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(inst), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{id}/cancel",
		Summary:     "Cancel an instance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body CancelRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[domain.Instance], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceWrite)
		if err != nil {
			return nil, handleError(err)
		}
		inst, err := e.CancelInstance(ctx, p.TenantID, input.ID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(inst), nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-step",
		Method:      http.MethodGet,
		Path:        "/steps/{id}",
		Summary:     "Get step instance",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.StepInstance], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.GetStep(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-progress",
		Method:      http.MethodPost,
		Path:        "/steps/{id}/progress",
		Summary:     "Move a step to a new status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ProgressRequest `json:"body"`
	}) (*bodyOutput[domain.StepInstance], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceWrite)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.RecordProgress(ctx, p.TenantID, input.ID, input.Body.Status, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-step",
		Method:      http.MethodPost,
		Path:        "/steps/{id}/skip",
		Summary:     "Skip a step and its dependents",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body SkipRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[SkipResponse], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceWrite)
		if err != nil {
			return nil, handleError(err)
		}
		skipped, err := e.SkipStep(ctx, p.TenantID, input.ID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SkipResponse{Skipped: nonNilSlice(skipped)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-step",
		Method:      http.MethodPost,
		Path:        "/steps/{id}/assign",
		Summary:     "Set or clear the step assignee",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*bodyOutput[domain.StepInstance], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceWrite)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.AssignStep(ctx, p.TenantID, input.ID, input.Body.Assignee, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-values",
		Method:      http.MethodGet,
		Path:        "/steps/{id}/values",
		Summary:     "List field values of a step",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[listResponse[domain.FieldValue]], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListValues(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listResponse[domain.FieldValue]{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-value",
		Method:      http.MethodPut,
		Path:        "/steps/{id}/values/{field}",
		Summary:     "Set a field value",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID    string          `path:"id"`
		Field string          `path:"field"`
		Body  SetValueRequest `json:"body"`
	}) (*bodyOutput[domain.FieldValue], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceWrite)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.SetValue(ctx, p.TenantID, input.ID, input.Field, input.Body.Value, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-approval",
		Method:        http.MethodPost,
		Path:          "/steps/{id}/approvals",
		Summary:       "Request approval for a step",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body RequestApprovalRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[domain.Approval], error) {
		p, err := requirePermission(ctx, e, auth.PermApprovalRequest)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.RequestApproval(ctx, p.TenantID, input.ID, p.ActorID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/steps/{id}/approvals",
		Summary:     "List approvals of a step",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[listResponse[domain.Approval]], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListApprovals(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listResponse[domain.Approval]{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get approval",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.Approval], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.GetApproval(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/decide",
		Summary:     "Approve or reject",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*bodyOutput[domain.Approval], error) {
		p, err := requirePermission(ctx, e, auth.PermApprovalDecide)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.Decide(ctx, p.TenantID, input.ID, input.Body.Decision, p.ActorID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-overdue",
		Method:      http.MethodGet,
		Path:        "/reports/overdue",
		Summary:     "Open steps past their deadline",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*bodyOutput[listResponse[domain.StepInstance]], error) {
		p, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListOverdue(ctx, p.TenantID, engineNow(e), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listResponse[domain.StepInstance]{Items: nonNilSlice(items)}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOutput[listResponse[domain.Event]], error) {
		p, err := requirePermission(ctx, e, auth.PermEventsRead)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			TenantID:   p.TenantID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := listResponse[domain.Event]{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[CreateAPIKeyResponse], error) {
		p, err := requirePermission(ctx, e, auth.PermAPIKeyWrite)
		if err != nil {
			return nil, handleError(err)
		}
		actor := input.Body.ActorID
		if actor == "" {
			actor = p.ActorID
		}
		key, plain, err := e.CreateAPIKey(ctx, p.TenantID, actor, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CreateAPIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: plain}), nil
	})
}
