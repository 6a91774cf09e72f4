package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) GrantCapability(ctx context.Context, tx *sql.Tx, tenantID, role, capability string) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO role_capabilities(tenant_id, role_name, capability) VALUES (?,?,?)
ON CONFLICT(tenant_id, role_name, capability) DO NOTHING`, tenantID, role, capability)
	return err
}

func (r Repo) RevokeCapability(ctx context.Context, tx *sql.Tx, tenantID, role, capability string) error {
	res, err := r.on(tx).exec(ctx, `DELETE FROM role_capabilities WHERE tenant_id=? AND role_name=? AND capability=?`, tenantID, role, capability)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r Repo) ListRoleCapabilities(ctx context.Context, tx *sql.Tx, tenantID string) ([]domain.RoleCapability, error) {
	rows, err := r.on(tx).query(ctx, `SELECT tenant_id, role_name, capability FROM role_capabilities WHERE tenant_id=? ORDER BY role_name, capability`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleCapability
	for rows.Next() {
		var rc domain.RoleCapability
		if err := rows.Scan(&rc.TenantID, &rc.Role, &rc.Capability); err != nil {
			return nil, err
		}
		res = append(res, rc)
	}
	return res, rows.Err()
}

// CapabilitiesForRoles returns the union of capability rows held by the roles.
func (r Repo) CapabilitiesForRoles(ctx context.Context, tx *sql.Tx, tenantID string, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	args := []any{tenantID}
	for _, role := range roles {
		args = append(args, role)
	}
	rows, err := r.on(tx).query(ctx, `SELECT DISTINCT capability FROM role_capabilities WHERE tenant_id=? AND role_name IN (`+placeholders(len(roles))+`) ORDER BY capability`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}
