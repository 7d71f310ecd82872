package repo

import (
	"context"
	"database/sql"

	"siteflow/internal/domain"
)

const approvalColumns = `id,tenant_id,step_instance_id,decision,comment,requested_by,requested_at,approved_by,approved_at`

func scanApproval(s rowScanner) (domain.Approval, error) {
	var a domain.Approval
	var comment, approvedBy, approvedAt sql.NullString
	err := s.Scan(&a.ID, &a.TenantID, &a.StepInstanceID, &a.Decision, &comment, &a.RequestedBy, &a.RequestedAt, &approvedBy, &approvedAt)
	if err != nil {
		return a, notFound(err)
	}
	a.Comment = comment.String
	a.ApprovedBy = stringPtr(approvedBy)
	a.ApprovedAt = stringPtr(approvedAt)
	return a, nil
}

// InsertApproval appends a request after the step's existing ones. The
// partial unique index on pending rows rejects a second pending request.
func (r Repo) InsertApproval(ctx context.Context, q Querier, a domain.Approval) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO approvals(id,tenant_id,step_instance_id,decision,comment,requested_by,requested_at,seq,approved_by,approved_at)
VALUES (?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM approvals WHERE step_instance_id=?),?,?)`,
		a.ID, a.TenantID, a.StepInstanceID, a.Decision, nullable(a.Comment), a.RequestedBy, a.RequestedAt, a.StepInstanceID,
		nullableStringPtr(a.ApprovedBy), nullableStringPtr(a.ApprovedAt))
	return err
}

func (r Repo) GetApproval(ctx context.Context, q Querier, tenantID, id string) (domain.Approval, error) {
	a, err := scanApproval(r.q(q).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
	if err != nil {
		return a, err
	}
	return a, owned(a.TenantID, tenantID)
}

// LatestApproval returns the most recent request for a step.
func (r Repo) LatestApproval(ctx context.Context, q Querier, tenantID, stepID string) (domain.Approval, error) {
	return scanApproval(r.q(q).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE tenant_id=? AND step_instance_id=? ORDER BY seq DESC LIMIT 1`, tenantID, stepID))
}

func (r Repo) PendingApproval(ctx context.Context, q Querier, tenantID, stepID string) (domain.Approval, error) {
	return scanApproval(r.q(q).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE tenant_id=? AND step_instance_id=? AND decision='pending' LIMIT 1`, tenantID, stepID))
}

func (r Repo) ListApprovals(ctx context.Context, q Querier, tenantID, stepID string) ([]domain.Approval, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE tenant_id=? AND step_instance_id=? ORDER BY seq`, tenantID, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DecideApproval records a decision only while the approval is pending and
// reports whether this call won.
func (r Repo) DecideApproval(ctx context.Context, q Querier, tenantID, id, decision, approvedBy, comment, now string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE approvals SET decision=?, approved_by=?, approved_at=?, comment=COALESCE(?, comment)
WHERE id=? AND tenant_id=? AND decision='pending'`, decision, approvedBy, now, nullable(comment), id, tenantID)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}
