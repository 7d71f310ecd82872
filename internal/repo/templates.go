package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"siteflow/internal/domain"
)

const templateColumns = `id,tenant_id,code,name,status,created_by,created_at,updated_at`

func scanTemplate(s rowScanner) (domain.Template, error) {
	var t domain.Template
	err := s.Scan(&t.ID, &t.TenantID, &t.Code, &t.Name, &t.Status, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return t, notFound(err)
}

func (r Repo) InsertTemplate(ctx context.Context, q Querier, t domain.Template) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, t.Code, t.Name, t.Status, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, q Querier, tenantID, id string) (domain.Template, error) {
	t, err := scanTemplate(r.q(q).QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	return t, owned(t.TenantID, tenantID)
}

func (r Repo) GetTemplateByCode(ctx context.Context, q Querier, tenantID, code string) (domain.Template, error) {
	return scanTemplate(r.q(q).QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE tenant_id=? AND code=?`, tenantID, code))
}

func (r Repo) ListTemplates(ctx context.Context, tenantID, status string) ([]domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE tenant_id=?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY code`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTemplateStatus(ctx context.Context, q Querier, tenantID, id, status, now string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE templates SET status=?, updated_at=? WHERE id=? AND tenant_id=?`, status, now, id, tenantID)
	if err != nil {
		return err
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTemplate(ctx context.Context, q Querier, tenantID, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM templates WHERE id=? AND tenant_id=?`, id, tenantID)
	if err != nil {
		return err
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountVersions(ctx context.Context, q Querier, templateID string) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM template_versions WHERE template_id=?`, templateID).Scan(&n)
	return n, err
}

const versionColumns = `id,tenant_id,template_id,version,is_immutable,published_at,published_by,created_at`

func scanVersion(s rowScanner) (domain.TemplateVersion, error) {
	var v domain.TemplateVersion
	var immutable int
	var publishedAt, publishedBy sql.NullString
	err := s.Scan(&v.ID, &v.TenantID, &v.TemplateID, &v.Version, &immutable, &publishedAt, &publishedBy, &v.CreatedAt)
	if err != nil {
		return v, notFound(err)
	}
	v.IsImmutable = immutable == 1
	v.PublishedAt = stringPtr(publishedAt)
	v.PublishedBy = stringPtr(publishedBy)
	return v, nil
}

func (r Repo) InsertVersion(ctx context.Context, q Querier, v domain.TemplateVersion) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO template_versions(`+versionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.TenantID, v.TemplateID, v.Version, boolInt(v.IsImmutable), nullableStringPtr(v.PublishedAt), nullableStringPtr(v.PublishedBy), v.CreatedAt)
	return err
}

// GetVersion loads the version row only; see LoadVersion for steps.
func (r Repo) GetVersion(ctx context.Context, q Querier, tenantID, id string) (domain.TemplateVersion, error) {
	v, err := scanVersion(r.q(q).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM template_versions WHERE id=?`, id))
	if err != nil {
		return v, err
	}
	return v, owned(v.TenantID, tenantID)
}

// LoadVersion returns the version with its ordered steps and fields.
func (r Repo) LoadVersion(ctx context.Context, q Querier, tenantID, id string) (domain.TemplateVersion, error) {
	v, err := r.GetVersion(ctx, q, tenantID, id)
	if err != nil {
		return v, err
	}
	v.Steps, err = r.ListStepDefs(ctx, q, tenantID, id)
	return v, err
}

func (r Repo) ListVersions(ctx context.Context, q Querier, tenantID, templateID string) ([]domain.TemplateVersion, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+versionColumns+` FROM template_versions WHERE tenant_id=? AND template_id=? ORDER BY created_at, id`, tenantID, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// MarkVersionPublished sets published_at only while it is still NULL and
// reports whether this call won.
func (r Repo) MarkVersionPublished(ctx context.Context, q Querier, tenantID, id, actorID, now string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE template_versions SET published_at=?, published_by=?, is_immutable=1
WHERE id=? AND tenant_id=? AND published_at IS NULL`, now, actorID, id, tenantID)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

const stepDefColumns = `id,tenant_id,version_id,step_key,name,type,order_index,depends_on_json,sla_hours,assignee_rule_json`

func scanStepDef(s rowScanner) (domain.StepDef, error) {
	var d domain.StepDef
	var deps string
	var sla sql.NullInt64
	var rules sql.NullString
	err := s.Scan(&d.ID, &d.TenantID, &d.VersionID, &d.StepKey, &d.Name, &d.Type, &d.OrderIndex, &deps, &sla, &rules)
	if err != nil {
		return d, notFound(err)
	}
	if d.DependsOn, err = unmarshalKeys(deps); err != nil {
		return d, err
	}
	if d.AssigneeRule, err = unmarshalRules(rules); err != nil {
		return d, err
	}
	d.SLAHours = intPtr(sla)
	return d, nil
}

func stepDefArgs(d domain.StepDef) ([]any, error) {
	deps, err := marshalKeys(d.DependsOn)
	if err != nil {
		return nil, err
	}
	rules, err := marshalNullable(d.AssigneeRule)
	if err != nil {
		return nil, err
	}
	return []any{d.ID, d.TenantID, d.VersionID, d.StepKey, d.Name, d.Type, d.OrderIndex, deps, nullableIntPtr(d.SLAHours), rules}, nil
}

func (r Repo) InsertStepDef(ctx context.Context, q Querier, d domain.StepDef) error {
	args, err := stepDefArgs(d)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO template_steps(`+stepDefColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) UpdateStepDef(ctx context.Context, q Querier, d domain.StepDef) error {
	deps, err := marshalKeys(d.DependsOn)
	if err != nil {
		return err
	}
	rules, err := marshalNullable(d.AssigneeRule)
	if err != nil {
		return err
	}
	res, err := r.q(q).ExecContext(ctx, `UPDATE template_steps SET name=?, type=?, order_index=?, depends_on_json=?, sla_hours=?, assignee_rule_json=?
WHERE id=? AND tenant_id=?`, d.Name, d.Type, d.OrderIndex, deps, nullableIntPtr(d.SLAHours), rules, d.ID, d.TenantID)
	if err != nil {
		return err
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteStepDef(ctx context.Context, q Querier, tenantID, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM template_steps WHERE id=? AND tenant_id=?`, id, tenantID)
	if err != nil {
		return err
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetStepDef(ctx context.Context, q Querier, tenantID, id string) (domain.StepDef, error) {
	d, err := scanStepDef(r.q(q).QueryRowContext(ctx, `SELECT `+stepDefColumns+` FROM template_steps WHERE id=?`, id))
	if err != nil {
		return d, err
	}
	if err := owned(d.TenantID, tenantID); err != nil {
		return d, err
	}
	d.Fields, err = r.ListFieldDefs(ctx, q, tenantID, d.ID)
	return d, err
}

// ListStepDefs returns a version's steps by order_index, each with its fields.
func (r Repo) ListStepDefs(ctx context.Context, q Querier, tenantID, versionID string) ([]domain.StepDef, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+stepDefColumns+` FROM template_steps WHERE tenant_id=? AND version_id=? ORDER BY order_index, step_key`, tenantID, versionID)
	if err != nil {
		return nil, err
	}
	var res []domain.StepDef
	for rows.Next() {
		d, err := scanStepDef(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before the nested queries; a tx cannot interleave open cursors here.
	rows.Close()
	for i := range res {
		if res[i].Fields, err = r.ListFieldDefs(ctx, q, tenantID, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

const fieldDefColumns = `id,tenant_id,step_id,field_key,label,type,required,default_json,rules,schema_json,visible_when_json,order_index`

func scanFieldDef(s rowScanner) (domain.FieldDef, error) {
	var f domain.FieldDef
	var required int
	var def, rules, schema, visible sql.NullString
	err := s.Scan(&f.ID, &f.TenantID, &f.StepID, &f.Key, &f.Label, &f.Type, &required, &def, &rules, &schema, &visible, &f.OrderIndex)
	if err != nil {
		return f, notFound(err)
	}
	f.Required = required == 1
	if def.Valid {
		f.Default = json.RawMessage(def.String)
	}
	if schema.Valid {
		f.Schema = json.RawMessage(schema.String)
	}
	f.Rules = rules.String
	if visible.Valid && visible.String != "" {
		var c domain.Condition
		if err := json.Unmarshal([]byte(visible.String), &c); err != nil {
			return f, fmt.Errorf("decode visible_when: %w", err)
		}
		f.VisibleWhen = &c
	}
	return f, nil
}

func (r Repo) InsertFieldDef(ctx context.Context, q Querier, f domain.FieldDef) error {
	def, err := marshalNullable(f.Default)
	if err != nil {
		return err
	}
	schema, err := marshalNullable(f.Schema)
	if err != nil {
		return err
	}
	visible, err := marshalNullable(f.VisibleWhen)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO template_fields(`+fieldDefColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.TenantID, f.StepID, f.Key, f.Label, string(f.Type), boolInt(f.Required), def, nullable(f.Rules), schema, visible, f.OrderIndex)
	return err
}

func (r Repo) GetFieldDef(ctx context.Context, q Querier, tenantID, id string) (domain.FieldDef, error) {
	f, err := scanFieldDef(r.q(q).QueryRowContext(ctx, `SELECT `+fieldDefColumns+` FROM template_fields WHERE id=?`, id))
	if err != nil {
		return f, err
	}
	return f, owned(f.TenantID, tenantID)
}

func (r Repo) DeleteFieldDef(ctx context.Context, q Querier, tenantID, id string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM template_fields WHERE id=? AND tenant_id=?`, id, tenantID)
	if err != nil {
		return err
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListFieldDefs(ctx context.Context, q Querier, tenantID, stepID string) ([]domain.FieldDef, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+fieldDefColumns+` FROM template_fields WHERE tenant_id=? AND step_id=? ORDER BY order_index, field_key`, tenantID, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FieldDef
	for rows.Next() {
		f, err := scanFieldDef(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
