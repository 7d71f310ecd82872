package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"siteflow/internal/domain"
)

const instanceColumns = `id,tenant_id,project_id,template_id,version_id,status,attributes_json,created_by,created_at,updated_at,completed_at`

func scanInstance(s rowScanner) (domain.Instance, error) {
	var in domain.Instance
	var attrs, completedAt sql.NullString
	err := s.Scan(&in.ID, &in.TenantID, &in.ProjectID, &in.TemplateID, &in.VersionID, &in.Status, &attrs, &in.CreatedBy, &in.CreatedAt, &in.UpdatedAt, &completedAt)
	if err != nil {
		return in, notFound(err)
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &in.Attributes); err != nil {
			return in, fmt.Errorf("decode attributes: %w", err)
		}
	}
	in.CompletedAt = stringPtr(completedAt)
	return in, nil
}

func (r Repo) InsertInstance(ctx context.Context, q Querier, in domain.Instance) error {
	attrs, err := marshalNullable(in.Attributes)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.TenantID, in.ProjectID, in.TemplateID, in.VersionID, in.Status, attrs, in.CreatedBy, in.CreatedAt, in.UpdatedAt, nullableStringPtr(in.CompletedAt))
	return err
}

func (r Repo) GetInstance(ctx context.Context, q Querier, tenantID, id string) (domain.Instance, error) {
	in, err := scanInstance(r.q(q).QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id=?`, id))
	if err != nil {
		return in, err
	}
	return in, owned(in.TenantID, tenantID)
}

type InstanceFilters struct {
	TenantID   string
	ProjectID  string
	TemplateID string
	Status     string
	Limit      int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.Instance, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInstanceStatus(ctx context.Context, q Querier, tenantID, id, status string, completedAt *string, now string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE instances SET status=?, completed_at=?, updated_at=? WHERE id=? AND tenant_id=?`,
		status, nullableStringPtr(completedAt), now, id, tenantID)
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

func (r Repo) CountInstancesForTemplate(ctx context.Context, q Querier, templateID string) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM instances WHERE template_id=?`, templateID).Scan(&n)
	return n, err
}

const stepColumns = `id,tenant_id,instance_id,step_def_id,step_key,name,type,order_index,depends_on_json,assignee_rule_json,sla_hours,status,assignee,deadline,started_at,completed_at,created_at,updated_at`

func scanStep(s rowScanner) (domain.StepInstance, error) {
	var st domain.StepInstance
	var deps string
	var rules, assignee, deadline, startedAt, completedAt sql.NullString
	var sla sql.NullInt64
	err := s.Scan(&st.ID, &st.TenantID, &st.InstanceID, &st.StepDefID, &st.StepKey, &st.Name, &st.Type, &st.OrderIndex,
		&deps, &rules, &sla, &st.Status, &assignee, &deadline, &startedAt, &completedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return st, notFound(err)
	}
	if st.DependsOn, err = unmarshalKeys(deps); err != nil {
		return st, err
	}
	if st.AssigneeRule, err = unmarshalRules(rules); err != nil {
		return st, err
	}
	st.SLAHours = intPtr(sla)
	st.Assignee = stringPtr(assignee)
	st.Deadline = stringPtr(deadline)
	st.StartedAt = stringPtr(startedAt)
	st.CompletedAt = stringPtr(completedAt)
	return st, nil
}

func (r Repo) InsertStep(ctx context.Context, q Querier, st domain.StepInstance) error {
	deps, err := marshalKeys(st.DependsOn)
	if err != nil {
		return err
	}
	rules, err := marshalNullable(st.AssigneeRule)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO step_instances(`+stepColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.TenantID, st.InstanceID, st.StepDefID, st.StepKey, st.Name, st.Type, st.OrderIndex, deps, rules,
		nullableIntPtr(st.SLAHours), st.Status, nullableStringPtr(st.Assignee), nullableStringPtr(st.Deadline),
		nullableStringPtr(st.StartedAt), nullableStringPtr(st.CompletedAt), st.CreatedAt, st.UpdatedAt)
	return err
}

func (r Repo) GetStep(ctx context.Context, q Querier, tenantID, id string) (domain.StepInstance, error) {
	st, err := scanStep(r.q(q).QueryRowContext(ctx, `SELECT `+stepColumns+` FROM step_instances WHERE id=?`, id))
	if err != nil {
		return st, err
	}
	return st, owned(st.TenantID, tenantID)
}

// ListSteps returns an instance's steps in definition order.
func (r Repo) ListSteps(ctx context.Context, q Querier, tenantID, instanceID string) ([]domain.StepInstance, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+stepColumns+` FROM step_instances WHERE tenant_id=? AND instance_id=? ORDER BY order_index, step_key`, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepInstance
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// StepTransition is a compare-and-set on a step's status. Nil timestamps keep
// the stored value.
type StepTransition struct {
	TenantID    string
	StepID      string
	From        string
	To          string
	StartedAt   *string
	CompletedAt *string
	UpdatedAt   string
}

// TransitionStep applies t only if the step is still in t.From and reports
// whether this call won.
func (r Repo) TransitionStep(ctx context.Context, q Querier, t StepTransition) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE step_instances
SET status=?, started_at=COALESCE(?, started_at), completed_at=COALESCE(?, completed_at), updated_at=?
WHERE id=? AND tenant_id=? AND status=?`,
		t.To, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.UpdatedAt, t.StepID, t.TenantID, t.From)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) UpdateStepAssignee(ctx context.Context, q Querier, tenantID, id string, assignee *string, now string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE step_instances SET assignee=?, updated_at=? WHERE id=? AND tenant_id=?`,
		nullableStringPtr(assignee), now, id, tenantID)
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

// ListOverdue returns non-terminal steps of live instances whose deadline is
// before now. Deadlines are stored as UTC RFC3339 so text order is time order.
func (r Repo) ListOverdue(ctx context.Context, tenantID, now string, limit int) ([]domain.StepInstance, error) {
	query := `SELECT ` + stepColumns + ` FROM step_instances
WHERE tenant_id=? AND deadline IS NOT NULL AND deadline < ? AND status NOT IN ('completed','skipped')
AND instance_id NOT IN (SELECT id FROM instances WHERE tenant_id=? AND status='cancelled')
ORDER BY deadline, id`
	args := []any{tenantID, now, tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepInstance
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}
