package repo

import (
	"context"
	"errors"

	"siteflow/internal/domain"
)

// UpsertMember grants actor a role inside tenant, replacing any previous role.
func (r Repo) UpsertMember(ctx context.Context, q Querier, m domain.Member) error {
	if m.ActorID == "" || m.Role == "" {
		return errors.New("actor_id and role required")
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO tenant_members(tenant_id, actor_id, role, created_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id, actor_id) DO UPDATE SET role=excluded.role`, m.TenantID, m.ActorID, m.Role, m.CreatedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, q Querier, tenantID, actorID string) (domain.Member, error) {
	var m domain.Member
	err := r.q(q).QueryRowContext(ctx, `SELECT tenant_id, actor_id, role, created_at FROM tenant_members WHERE tenant_id=? AND actor_id=?`,
		tenantID, actorID).Scan(&m.TenantID, &m.ActorID, &m.Role, &m.CreatedAt)
	return m, notFound(err)
}

func (r Repo) ListMembers(ctx context.Context, tenantID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id, actor_id, role, created_at FROM tenant_members WHERE tenant_id=? ORDER BY actor_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.TenantID, &m.ActorID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) RemoveMember(ctx context.Context, q Querier, tenantID, actorID string) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM tenant_members WHERE tenant_id=? AND actor_id=?`, tenantID, actorID)
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
