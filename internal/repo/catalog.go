package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"stageline/internal/domain"
)

const statusColumns = `id,tenant_id,status_code,display_name,COALESCE(action_code,''),outcome_type,is_terminal,sort_order,COALESCE(color,''),is_active,created_at,updated_at`

const actionColumns = `id,tenant_id,stage_id,action_code,display_name,outcome_type,moves_to_next_stage,is_terminal,requires_feedback,requires_notes,required_capability,signal_conditions_json,sort_order,is_active,created_at,updated_at`

func scanStatus(sc interface{ Scan(...any) error }) (domain.ApplicationStatus, error) {
	var s domain.ApplicationStatus
	err := sc.Scan(&s.ID, &s.TenantID, &s.Code, &s.DisplayName, &s.ActionCode, &s.OutcomeType, &s.IsTerminal,
		&s.SortOrder, &s.Color, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertStatus(ctx context.Context, tx *sql.Tx, s domain.ApplicationStatus) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO tenant_application_statuses(id,tenant_id,status_code,display_name,action_code,outcome_type,is_terminal,sort_order,color,is_active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.Code, s.DisplayName, nullable(s.ActionCode), s.OutcomeType, boolInt(s.IsTerminal),
		s.SortOrder, nullable(s.Color), boolInt(s.IsActive), s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateStatus rewrites the mutable columns; status_code is immutable.
func (r Repo) UpdateStatus(ctx context.Context, tx *sql.Tx, s domain.ApplicationStatus) error {
	res, err := r.on(tx).exec(ctx, `UPDATE tenant_application_statuses
SET display_name=?, action_code=?, outcome_type=?, is_terminal=?, sort_order=?, color=?, is_active=?, updated_at=?
WHERE id=? AND tenant_id=?`,
		s.DisplayName, nullable(s.ActionCode), s.OutcomeType, boolInt(s.IsTerminal), s.SortOrder, nullable(s.Color),
		boolInt(s.IsActive), s.UpdatedAt, s.ID, s.TenantID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r Repo) GetStatus(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.ApplicationStatus, error) {
	return scanStatus(r.on(tx).queryRow(ctx, `SELECT `+statusColumns+` FROM tenant_application_statuses WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) GetStatusByCode(ctx context.Context, tx *sql.Tx, tenantID, code string) (domain.ApplicationStatus, error) {
	return scanStatus(r.on(tx).queryRow(ctx, `SELECT `+statusColumns+` FROM tenant_application_statuses WHERE tenant_id=? AND status_code=?`, tenantID, code))
}

// GetStatusForAction returns the active status an action code maps to.
func (r Repo) GetStatusForAction(ctx context.Context, tx *sql.Tx, tenantID, actionCode string) (domain.ApplicationStatus, error) {
	return scanStatus(r.on(tx).queryRow(ctx, `SELECT `+statusColumns+` FROM tenant_application_statuses
WHERE tenant_id=? AND action_code=? AND is_active=1 ORDER BY sort_order, status_code LIMIT 1`, tenantID, actionCode))
}

// InitialStatus picks the first active, non-terminal ACTIVE status by sort order.
func (r Repo) InitialStatus(ctx context.Context, tx *sql.Tx, tenantID string) (domain.ApplicationStatus, error) {
	return scanStatus(r.on(tx).queryRow(ctx, `SELECT `+statusColumns+` FROM tenant_application_statuses
WHERE tenant_id=? AND is_active=1 AND is_terminal=0 AND outcome_type=? ORDER BY sort_order, status_code LIMIT 1`, tenantID, domain.OutcomeActive))
}

func (r Repo) ListStatuses(ctx context.Context, tenantID string, activeOnly bool) ([]domain.ApplicationStatus, error) {
	q := `SELECT ` + statusColumns + ` FROM tenant_application_statuses WHERE tenant_id=?`
	if activeOnly {
		q += ` AND is_active=1`
	}
	q += ` ORDER BY sort_order, status_code`
	rows, err := r.on(nil).query(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApplicationStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanAction(sc interface{ Scan(...any) error }) (domain.StageAction, error) {
	var a domain.StageAction
	var cond sql.NullString
	err := sc.Scan(&a.ID, &a.TenantID, &a.StageID, &a.Code, &a.DisplayName, &a.OutcomeType, &a.MovesToNextStage,
		&a.IsTerminal, &a.RequiresFeedback, &a.RequiresNotes, &a.RequiredCapability, &cond, &a.SortOrder,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if cond.Valid && cond.String != "" {
		a.SignalConditions = json.RawMessage(cond.String)
	}
	return a, err
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.StageAction) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO tenant_stage_actions(`+actionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.StageID, a.Code, a.DisplayName, a.OutcomeType, boolInt(a.MovesToNextStage),
		boolInt(a.IsTerminal), boolInt(a.RequiresFeedback), boolInt(a.RequiresNotes), a.RequiredCapability,
		nullable(string(a.SignalConditions)), a.SortOrder, boolInt(a.IsActive), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAction(ctx context.Context, tx *sql.Tx, a domain.StageAction) error {
	res, err := r.on(tx).exec(ctx, `UPDATE tenant_stage_actions
SET display_name=?, outcome_type=?, moves_to_next_stage=?, is_terminal=?, requires_feedback=?, requires_notes=?,
    required_capability=?, signal_conditions_json=?, sort_order=?, is_active=?, updated_at=?
WHERE id=? AND tenant_id=?`,
		a.DisplayName, a.OutcomeType, boolInt(a.MovesToNextStage), boolInt(a.IsTerminal), boolInt(a.RequiresFeedback),
		boolInt(a.RequiresNotes), a.RequiredCapability, nullable(string(a.SignalConditions)), a.SortOrder,
		boolInt(a.IsActive), a.UpdatedAt, a.ID, a.TenantID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r Repo) GetAction(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.StageAction, error) {
	return scanAction(r.on(tx).queryRow(ctx, `SELECT `+actionColumns+` FROM tenant_stage_actions WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) GetActionByCode(ctx context.Context, tx *sql.Tx, tenantID, stageID, code string) (domain.StageAction, error) {
	return scanAction(r.on(tx).queryRow(ctx, `SELECT `+actionColumns+` FROM tenant_stage_actions WHERE tenant_id=? AND stage_id=? AND action_code=?`, tenantID, stageID, code))
}

type ActionFilters struct {
	StageID    string
	ActiveOnly bool
}

func (r Repo) ListActions(ctx context.Context, tx *sql.Tx, tenantID string, f ActionFilters) ([]domain.StageAction, error) {
	q := `SELECT ` + actionColumns + ` FROM tenant_stage_actions WHERE tenant_id=?`
	args := []any{tenantID}
	if f.StageID != "" {
		q += ` AND stage_id=?`
		args = append(args, f.StageID)
	}
	if f.ActiveOnly {
		q += ` AND is_active=1`
	}
	q += ` ORDER BY stage_id, sort_order, action_code`
	rows, err := r.on(tx).query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
