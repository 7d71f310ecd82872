package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"siteflow/internal/domain"
	"siteflow/internal/events"
	"siteflow/internal/repo"
)

// StepInput defines a step on a draft version.
type StepInput struct {
	Key          string                  `json:"key" yaml:"key" validate:"required,max=64"`
	Name         string                  `json:"name" yaml:"name" validate:"required,max=200"`
	Type         string                  `json:"type" yaml:"type" validate:"required,oneof=task approval form"`
	OrderIndex   *int                    `json:"order_index,omitempty" yaml:"order_index" validate:"omitempty,min=0"`
	DependsOn    []string                `json:"depends_on,omitempty" yaml:"depends_on" validate:"dive,required"`
	SLAHours     *int                    `json:"sla_hours,omitempty" yaml:"sla_hours" validate:"omitempty,min=0"`
	AssigneeRule []domain.AssignmentRule `json:"assignee_rule,omitempty" yaml:"assignee_rule"`
	Fields       []FieldInput            `json:"fields,omitempty" yaml:"fields" validate:"dive"`
}

// FieldInput defines a field on a draft step. Default and Schema take any
// JSON-encodable value.
type FieldInput struct {
	Key         string            `json:"key" yaml:"key" validate:"required,max=64"`
	Label       string            `json:"label" yaml:"label"`
	Type        domain.FieldType  `json:"type" yaml:"type" validate:"required,oneof=string number date datetime json"`
	Required    bool              `json:"required,omitempty" yaml:"required"`
	Default     any               `json:"default,omitempty" yaml:"default"`
	Rules       string            `json:"rules,omitempty" yaml:"rules"`
	Schema      any               `json:"schema,omitempty" yaml:"schema"`
	VisibleWhen *domain.Condition `json:"visible_when,omitempty" yaml:"visible_when"`
	OrderIndex  *int              `json:"order_index,omitempty" yaml:"order_index" validate:"omitempty,min=0"`
}

// StepUpdate changes a draft step. Nil fields are left alone.
type StepUpdate struct {
	Name         *string
	Type         *string
	OrderIndex   *int
	DependsOn    *[]string
	SLAHours     *int
	ClearSLA     bool
	AssigneeRule *[]domain.AssignmentRule
}

type DraftOptions struct {
	// Version defaults to 1.0.0, or the next minor after the highest existing version.
	Version     string
	CloneLatest bool
	ActorID     string
}

func (e Engine) CreateTemplate(ctx context.Context, tenantID, code, name, actorID string) (domain.Template, error) {
	if err := requireTenant(tenantID); err != nil {
		return domain.Template{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Template{}, invalidInput("code is required")
	}
	if name == "" {
		name = code
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTenant(ctx, tx, tenantID); err != nil {
		return domain.Template{}, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	if _, err := e.Repo.GetTemplateByCode(ctx, tx, tenantID, code); err == nil {
		return domain.Template{}, fmt.Errorf("%w: template code %s", ErrDuplicateKey, code)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Template{}, err
	}
	now := e.nowString()
	t := domain.Template{
		ID:        newID(),
		TenantID:  tenantID,
		Code:      code,
		Name:      name,
		Status:    domain.TemplateDraft,
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TemplateCreated, tenantID, "template", t.ID, actorID, events.EventPayload{"code": code}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

func (e Engine) GetTemplate(ctx context.Context, tenantID, id string) (domain.Template, error) {
	return e.Repo.GetTemplate(ctx, nil, tenantID, id)
}

func (e Engine) ListTemplates(ctx context.Context, tenantID, status string) ([]domain.Template, error) {
	return e.Repo.ListTemplates(ctx, tenantID, status)
}

func (e Engine) ListVersions(ctx context.Context, tenantID, templateID string) ([]domain.TemplateVersion, error) {
	if _, err := e.Repo.GetTemplate(ctx, nil, tenantID, templateID); err != nil {
		return nil, err
	}
	return e.Repo.ListVersions(ctx, nil, tenantID, templateID)
}

// ArchiveTemplate stops new drafts and instances. Running instances continue.
func (e Engine) ArchiveTemplate(ctx context.Context, tenantID, id, actorID string) (domain.Template, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTemplate(ctx, tx, tenantID, id)
	if err != nil {
		return t, err
	}
	if t.Status == domain.TemplateArchived {
		return t, nil
	}
	now := e.nowString()
	if err := e.Repo.UpdateTemplateStatus(ctx, tx, tenantID, id, domain.TemplateArchived, now); err != nil {
		return t, err
	}
	if err := e.appendEvent(ctx, tx, events.TemplateArchived, tenantID, "template", id, actorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TemplateArchived
	t.UpdatedAt = now
	return t, nil
}

// DeleteTemplate removes a template that never got a version.
func (e Engine) DeleteTemplate(ctx context.Context, tenantID, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTemplate(ctx, tx, tenantID, id); err != nil {
		return err
	}
	n, err := e.Repo.CountVersions(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d version(s)", ErrTemplateInUse, n)
	}
	if err := e.Repo.DeleteTemplate(ctx, tx, tenantID, id); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.TemplateDeleted, tenantID, "template", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) DraftVersion(ctx context.Context, tenantID, templateID string, opts DraftOptions) (domain.TemplateVersion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TemplateVersion{}, err
	}
	defer tx.Rollback()
	v, err := e.draftVersionTx(ctx, tx, tenantID, templateID, opts)
	if err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TemplateVersion{}, err
	}
	return v, nil
}

func (e Engine) draftVersionTx(ctx context.Context, tx *sql.Tx, tenantID, templateID string, opts DraftOptions) (domain.TemplateVersion, error) {
	t, err := e.Repo.GetTemplate(ctx, tx, tenantID, templateID)
	if err != nil {
		return domain.TemplateVersion{}, err
	}
	if t.Status == domain.TemplateArchived {
		return domain.TemplateVersion{}, fmt.Errorf("%w: %s", ErrTemplateArchived, t.Code)
	}
	existing, err := e.Repo.ListVersions(ctx, tx, tenantID, templateID)
	if err != nil {
		return domain.TemplateVersion{}, err
	}
	var highest *semver.Version
	var latestPublished *domain.TemplateVersion
	var latestPublishedSemver *semver.Version
	for i := range existing {
		sv, err := semver.NewVersion(existing[i].Version)
		assertf(err == nil, "stored version %q of template %s is not semver", existing[i].Version, templateID)
		if highest == nil || sv.GreaterThan(highest) {
			highest = sv
		}
		if existing[i].Published() && (latestPublishedSemver == nil || sv.GreaterThan(latestPublishedSemver)) {
			latestPublished = &existing[i]
			latestPublishedSemver = sv
		}
	}
	var next *semver.Version
	if strings.TrimSpace(opts.Version) == "" {
		if highest == nil {
			next = semver.MustParse("1.0.0")
		} else {
			bumped := highest.IncMinor()
			next = &bumped
		}
	} else {
		next, err = semver.NewVersion(opts.Version)
		if err != nil {
			return domain.TemplateVersion{}, invalidInput("version %q: %v", opts.Version, err)
		}
		if highest != nil && !next.GreaterThan(highest) {
			return domain.TemplateVersion{}, fmt.Errorf("%w: version %s must be greater than %s", ErrDuplicateKey, next, highest)
		}
	}
	v := domain.TemplateVersion{
		ID:         newID(),
		TenantID:   tenantID,
		TemplateID: templateID,
		Version:    next.String(),
		CreatedAt:  e.nowString(),
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return v, fmt.Errorf("insert version: %w", err)
	}
	clonedFrom := ""
	if opts.CloneLatest && latestPublished != nil {
		src, err := e.Repo.ListStepDefs(ctx, tx, tenantID, latestPublished.ID)
		if err != nil {
			return v, err
		}
		for _, s := range src {
			s.ID = newID()
			s.VersionID = v.ID
			fields := s.Fields
			s.Fields = nil
			if err := e.Repo.InsertStepDef(ctx, tx, s); err != nil {
				return v, fmt.Errorf("clone step %s: %w", s.StepKey, err)
			}
			for _, f := range fields {
				f.ID = newID()
				f.StepID = s.ID
				if err := e.Repo.InsertFieldDef(ctx, tx, f); err != nil {
					return v, fmt.Errorf("clone field %s.%s: %w", s.StepKey, f.Key, err)
				}
				s.Fields = append(s.Fields, f)
			}
			v.Steps = append(v.Steps, s)
		}
		clonedFrom = latestPublished.Version
	}
	if err := e.appendEvent(ctx, tx, events.VersionDrafted, tenantID, "template_version", v.ID, opts.ActorID, events.EventPayload{
		"template_id": templateID,
		"version":     v.Version,
		"cloned_from": clonedFrom,
	}); err != nil {
		return v, err
	}
	return v, nil
}

// GetVersion returns a version with its steps and fields in order.
func (e Engine) GetVersion(ctx context.Context, tenantID, id string) (domain.TemplateVersion, error) {
	return e.Repo.LoadVersion(ctx, nil, tenantID, id)
}

// draftTx loads a version for editing inside tx. Checking published_at here,
// on the writing transaction, is what keeps published versions immutable.
func (e Engine) draftTx(ctx context.Context, tx *sql.Tx, tenantID, versionID string) (domain.TemplateVersion, error) {
	v, err := e.Repo.GetVersion(ctx, tx, tenantID, versionID)
	if err != nil {
		return v, err
	}
	if v.Published() || v.IsImmutable {
		return v, fmt.Errorf("%w: %s", ErrAlreadyPublished, v.Version)
	}
	return v, nil
}

func (e Engine) AddStep(ctx context.Context, tenantID, versionID string, in StepInput, actorID string) (domain.StepDef, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepDef{}, err
	}
	defer tx.Rollback()
	v, err := e.draftTx(ctx, tx, tenantID, versionID)
	if err != nil {
		return domain.StepDef{}, err
	}
	s, err := e.addStepTx(ctx, tx, v, in)
	if err != nil {
		return s, err
	}
	if err := e.appendEvent(ctx, tx, events.VersionChanged, tenantID, "template_version", v.ID, actorID, events.EventPayload{"op": "add_step", "step_key": s.StepKey}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StepDef{}, err
	}
	return s, nil
}

func (e Engine) addStepTx(ctx context.Context, tx *sql.Tx, v domain.TemplateVersion, in StepInput) (domain.StepDef, error) {
	if err := validate.Struct(in); err != nil {
		return domain.StepDef{}, invalidInput("step: %v", err)
	}
	for _, dep := range in.DependsOn {
		if dep == in.Key {
			return domain.StepDef{}, &CyclicDependencyError{Cycle: []string{dep, dep}}
		}
	}
	if err := validateAssigneeRules(in.AssigneeRule); err != nil {
		return domain.StepDef{}, err
	}
	existing, err := e.Repo.ListStepDefs(ctx, tx, v.TenantID, v.ID)
	if err != nil {
		return domain.StepDef{}, err
	}
	for _, s := range existing {
		if s.StepKey == in.Key {
			return domain.StepDef{}, fmt.Errorf("%w: step %s", ErrDuplicateKey, in.Key)
		}
	}
	order := len(existing)
	if in.OrderIndex != nil {
		order = *in.OrderIndex
	}
	s := domain.StepDef{
		ID:           newID(),
		TenantID:     v.TenantID,
		VersionID:    v.ID,
		StepKey:      in.Key,
		Name:         in.Name,
		Type:         in.Type,
		OrderIndex:   order,
		DependsOn:    in.DependsOn,
		SLAHours:     in.SLAHours,
		AssigneeRule: in.AssigneeRule,
	}
	if err := e.Repo.InsertStepDef(ctx, tx, s); err != nil {
		return s, fmt.Errorf("insert step: %w", err)
	}
	for i, fin := range in.Fields {
		if fin.OrderIndex == nil {
			idx := i
			fin.OrderIndex = &idx
		}
		f, err := e.addFieldTx(ctx, tx, s, fin)
		if err != nil {
			return s, err
		}
		s.Fields = append(s.Fields, f)
	}
	return s, nil
}

func validateAssigneeRules(rules []domain.AssignmentRule) error {
	for _, r := range rules {
		if strings.TrimSpace(r.Assignee) == "" {
			return invalidInput("assignee rule without assignee")
		}
		if err := validateCondition(r.When); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) UpdateStep(ctx context.Context, tenantID, stepID string, upd StepUpdate, actorID string) (domain.StepDef, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepDef{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStepDef(ctx, tx, tenantID, stepID)
	if err != nil {
		return s, err
	}
	if _, err := e.draftTx(ctx, tx, tenantID, s.VersionID); err != nil {
		return s, err
	}
	if upd.Name != nil {
		if strings.TrimSpace(*upd.Name) == "" {
			return s, invalidInput("name is required")
		}
		s.Name = *upd.Name
	}
	if upd.Type != nil {
		if !domain.ValidStepType(*upd.Type) {
			return s, invalidInput("unknown step type %q", *upd.Type)
		}
		s.Type = *upd.Type
	}
	if upd.OrderIndex != nil {
		if *upd.OrderIndex < 0 {
			return s, invalidInput("order_index must not be negative")
		}
		s.OrderIndex = *upd.OrderIndex
	}
	if upd.DependsOn != nil {
		for _, dep := range *upd.DependsOn {
			if dep == s.StepKey {
				return s, &CyclicDependencyError{Cycle: []string{dep, dep}}
			}
		}
		s.DependsOn = *upd.DependsOn
	}
	if upd.ClearSLA {
		s.SLAHours = nil
	} else if upd.SLAHours != nil {
		if *upd.SLAHours < 0 {
			return s, invalidInput("sla_hours must not be negative")
		}
		s.SLAHours = upd.SLAHours
	}
	if upd.AssigneeRule != nil {
		if err := validateAssigneeRules(*upd.AssigneeRule); err != nil {
			return s, err
		}
		s.AssigneeRule = *upd.AssigneeRule
	}
	if err := e.Repo.UpdateStepDef(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.appendEvent(ctx, tx, events.VersionChanged, tenantID, "template_version", s.VersionID, actorID, events.EventPayload{"op": "update_step", "step_key": s.StepKey}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// RemoveStep deletes a draft step that no sibling depends on.
func (e Engine) RemoveStep(ctx context.Context, tenantID, stepID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStepDef(ctx, tx, tenantID, stepID)
	if err != nil {
		return err
	}
	if _, err := e.draftTx(ctx, tx, tenantID, s.VersionID); err != nil {
		return err
	}
	siblings, err := e.Repo.ListStepDefs(ctx, tx, tenantID, s.VersionID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		for _, dep := range sib.DependsOn {
			if dep == s.StepKey {
				return invalidInput("step %s is a dependency of %s", s.StepKey, sib.StepKey)
			}
		}
	}
	if err := e.Repo.DeleteStepDef(ctx, tx, tenantID, stepID); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.VersionChanged, tenantID, "template_version", s.VersionID, actorID, events.EventPayload{"op": "remove_step", "step_key": s.StepKey}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) AddField(ctx context.Context, tenantID, stepID string, in FieldInput, actorID string) (domain.FieldDef, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FieldDef{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStepDef(ctx, tx, tenantID, stepID)
	if err != nil {
		return domain.FieldDef{}, err
	}
	if _, err := e.draftTx(ctx, tx, tenantID, s.VersionID); err != nil {
		return domain.FieldDef{}, err
	}
	if in.OrderIndex == nil {
		idx := len(s.Fields)
		in.OrderIndex = &idx
	}
	f, err := e.addFieldTx(ctx, tx, s, in)
	if err != nil {
		return f, err
	}
	if err := e.appendEvent(ctx, tx, events.VersionChanged, tenantID, "template_version", s.VersionID, actorID, events.EventPayload{"op": "add_field", "step_key": s.StepKey, "field_key": f.Key}); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FieldDef{}, err
	}
	return f, nil
}

func (e Engine) addFieldTx(ctx context.Context, tx *sql.Tx, s domain.StepDef, in FieldInput) (domain.FieldDef, error) {
	if err := validate.Struct(in); err != nil {
		return domain.FieldDef{}, invalidInput("field: %v", err)
	}
	for _, f := range s.Fields {
		if f.Key == in.Key {
			return domain.FieldDef{}, fmt.Errorf("%w: field %s.%s", ErrDuplicateKey, s.StepKey, in.Key)
		}
	}
	if err := checkRules(in.Type, in.Rules); err != nil {
		return domain.FieldDef{}, err
	}
	if err := validateCondition(in.VisibleWhen); err != nil {
		return domain.FieldDef{}, err
	}
	f := domain.FieldDef{
		ID:          newID(),
		TenantID:    s.TenantID,
		StepID:      s.ID,
		Key:         in.Key,
		Label:       in.Label,
		Type:        in.Type,
		Required:    in.Required,
		Rules:       in.Rules,
		VisibleWhen: in.VisibleWhen,
	}
	if f.Label == "" {
		f.Label = f.Key
	}
	if in.OrderIndex != nil {
		f.OrderIndex = *in.OrderIndex
	}
	if in.Schema != nil {
		if in.Type != domain.FieldJSON {
			return f, invalidInput("schema only applies to json fields")
		}
		raw, err := toRawJSON(in.Schema)
		if err != nil {
			return f, invalidInput("schema: %v", err)
		}
		if err := checkSchema(raw); err != nil {
			return f, err
		}
		f.Schema = raw
	}
	if in.Default != nil {
		raw, err := toRawJSON(in.Default)
		if err != nil {
			return f, invalidInput("default: %v", err)
		}
		f.Default = raw
		fv, err := coerceValue(f, decodeDefault(f))
		if err != nil {
			return f, err
		}
		if err := validateValue(f, fv); err != nil {
			return f, err
		}
	}
	if err := e.Repo.InsertFieldDef(ctx, tx, f); err != nil {
		return f, fmt.Errorf("insert field: %w", err)
	}
	return f, nil
}

func (e Engine) RemoveField(ctx context.Context, tenantID, fieldID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	f, err := e.Repo.GetFieldDef(ctx, tx, tenantID, fieldID)
	if err != nil {
		return err
	}
	s, err := e.Repo.GetStepDef(ctx, tx, tenantID, f.StepID)
	if err != nil {
		return err
	}
	if _, err := e.draftTx(ctx, tx, tenantID, s.VersionID); err != nil {
		return err
	}
	if err := e.Repo.DeleteFieldDef(ctx, tx, tenantID, fieldID); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.VersionChanged, tenantID, "template_version", s.VersionID, actorID, events.EventPayload{"op": "remove_field", "step_key": s.StepKey, "field_key": f.Key}); err != nil {
		return err
	}
	return tx.Commit()
}

// Publish freezes a draft. The dependency graph must be acyclic and closed
// over the version's own step keys.
func (e Engine) Publish(ctx context.Context, tenantID, versionID, actorID string) (domain.TemplateVersion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TemplateVersion{}, err
	}
	defer tx.Rollback()
	v, err := e.publishTx(ctx, tx, tenantID, versionID, actorID)
	if err != nil {
		publishes.WithLabelValues(publishResult(err)).Inc()
		e.log(ctx).Info("publish rejected", "tenant_id", tenantID, "version_id", versionID, "error", err)
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TemplateVersion{}, err
	}
	publishes.WithLabelValues("ok").Inc()
	e.log(ctx).Debug("version published", "tenant_id", tenantID, "version_id", versionID, "version", v.Version)
	return v, nil
}

func (e Engine) publishTx(ctx context.Context, tx *sql.Tx, tenantID, versionID, actorID string) (domain.TemplateVersion, error) {
	v, err := e.Repo.LoadVersion(ctx, tx, tenantID, versionID)
	if err != nil {
		return v, err
	}
	if v.Published() {
		return v, fmt.Errorf("%w: %s", ErrAlreadyPublished, v.Version)
	}
	if len(v.Steps) == 0 {
		return v, ErrEmptyVersion
	}
	order, err := ValidateDAG(v.Steps)
	if err != nil {
		return v, err
	}
	now := e.nowString()
	won, err := e.Repo.MarkVersionPublished(ctx, tx, tenantID, versionID, actorID, now)
	if err != nil {
		return v, err
	}
	if !won {
		return v, fmt.Errorf("%w: %s", ErrAlreadyPublished, v.Version)
	}
	t, err := e.Repo.GetTemplate(ctx, tx, tenantID, v.TemplateID)
	if err != nil {
		return v, err
	}
	if t.Status == domain.TemplateDraft {
		if err := e.Repo.UpdateTemplateStatus(ctx, tx, tenantID, t.ID, domain.TemplateActive, now); err != nil {
			return v, err
		}
	}
	if err := e.appendEvent(ctx, tx, events.VersionPublished, tenantID, "template_version", v.ID, actorID, events.EventPayload{
		"template_id": v.TemplateID,
		"version":     v.Version,
		"order":       order,
	}); err != nil {
		return v, err
	}
	v.PublishedAt = &now
	v.PublishedBy = &actorID
	v.IsImmutable = true
	return v, nil
}

func publishResult(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyPublished):
		return "already_published"
	case errors.Is(err, ErrCyclicDependency):
		return "cyclic"
	case errors.Is(err, ErrUnknownDependency), errors.Is(err, ErrEmptyVersion):
		return "invalid"
	}
	return "error"
}

// VersionDocument is the YAML shape accepted by ImportVersion.
type VersionDocument struct {
	Version string      `yaml:"version"`
	Publish bool        `yaml:"publish"`
	Steps   []StepInput `yaml:"steps"`
}

// ImportVersion drafts a version from a YAML document in one transaction,
// publishing it when the document asks to.
func (e Engine) ImportVersion(ctx context.Context, tenantID, templateID string, doc []byte, actorID string) (domain.TemplateVersion, error) {
	var vd VersionDocument
	if err := yaml.Unmarshal(doc, &vd); err != nil {
		return domain.TemplateVersion{}, invalidInput("version document: %v", err)
	}
	if len(vd.Steps) == 0 {
		return domain.TemplateVersion{}, ErrEmptyVersion
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TemplateVersion{}, err
	}
	defer tx.Rollback()
	v, err := e.draftVersionTx(ctx, tx, tenantID, templateID, DraftOptions{Version: vd.Version, ActorID: actorID})
	if err != nil {
		return v, err
	}
	for i, in := range vd.Steps {
		if in.OrderIndex == nil {
			idx := i
			in.OrderIndex = &idx
		}
		s, err := e.addStepTx(ctx, tx, v, in)
		if err != nil {
			return v, fmt.Errorf("step %d (%s): %w", i, in.Key, err)
		}
		v.Steps = append(v.Steps, s)
	}
	if vd.Publish {
		if v, err = e.publishTx(ctx, tx, tenantID, v.ID, actorID); err != nil {
			return v, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.TemplateVersion{}, err
	}
	sort.SliceStable(v.Steps, func(i, j int) bool { return v.Steps[i].OrderIndex < v.Steps[j].OrderIndex })
	return v, nil
}

func toRawJSON(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("invalid json")
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// decodeDefault turns a stored default back into the plain value SetValue accepts.
func decodeDefault(f domain.FieldDef) any {
	if f.Type == domain.FieldJSON {
		return f.Default
	}
	var v any
	if err := json.Unmarshal(f.Default, &v); err != nil {
		return nil
	}
	return v
}
