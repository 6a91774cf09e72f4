package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stageline/internal/domain"
)

// History and execution logs are append-only: there is no update or delete here.

func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, h domain.StageHistory) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO application_stage_history(id,tenant_id,application_id,from_stage_id,to_stage_id,action,changed_by,changed_at,reason) VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.TenantID, h.ApplicationID, nullableStringPtr(h.FromStageID), nullableStringPtr(h.ToStageID),
		h.Action, h.ChangedBy, h.ChangedAt, nullable(h.Reason))
	return err
}

// ListHistory returns newest-first history rows.
func (r Repo) ListHistory(ctx context.Context, tenantID, applicationID string, limit, offset int) ([]domain.StageHistory, error) {
	rows, err := r.on(nil).query(ctx, `SELECT seq,id,tenant_id,application_id,from_stage_id,to_stage_id,action,changed_by,changed_at,COALESCE(reason,'')
FROM application_stage_history WHERE tenant_id=? AND application_id=?
ORDER BY seq DESC LIMIT ? OFFSET ?`, tenantID, applicationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageHistory
	for rows.Next() {
		var h domain.StageHistory
		var from, to sql.NullString
		if err := rows.Scan(&h.Seq, &h.ID, &h.TenantID, &h.ApplicationID, &from, &to, &h.Action, &h.ChangedBy, &h.ChangedAt, &h.Reason); err != nil {
			return nil, err
		}
		h.FromStageID = stringPtr(from)
		h.ToStageID = stringPtr(to)
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) CountHistory(ctx context.Context, tenantID, applicationID string) (int, error) {
	var n int
	err := r.on(nil).queryRow(ctx, `SELECT COUNT(*) FROM application_stage_history WHERE tenant_id=? AND application_id=?`, tenantID, applicationID).Scan(&n)
	return n, err
}

func (r Repo) InsertExecutionLog(ctx context.Context, tx *sql.Tx, l domain.ActionExecutionLog) error {
	snapshot := l.SignalSnapshot
	if snapshot == nil {
		snapshot = map[string]domain.SignalView{}
	}
	conditions := l.ConditionsEvaluated
	if conditions == nil {
		conditions = []domain.ConditionResult{}
	}
	snapJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal signal snapshot: %w", err)
	}
	condJSON, err := json.Marshal(conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	_, err = r.on(tx).exec(ctx, `INSERT INTO action_execution_logs(id,tenant_id,application_id,action_code,stage_id,executed_by,executed_at,signal_snapshot_json,conditions_evaluated_json,decision_note,override_reason,reviewed_by,approved_by,outcome_type,is_terminal,from_stage_id,to_stage_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TenantID, l.ApplicationID, l.ActionCode, l.StageID, l.ExecutedBy, l.ExecutedAt,
		string(snapJSON), string(condJSON), nullable(l.DecisionNote), nullable(l.OverrideReason),
		nullable(l.ReviewedBy), nullable(l.ApprovedBy), l.OutcomeType, boolInt(l.IsTerminal),
		nullableStringPtr(l.FromStageID), nullableStringPtr(l.ToStageID))
	return err
}

// ListExecutionLogs returns logs oldest first.
func (r Repo) ListExecutionLogs(ctx context.Context, tenantID, applicationID string) ([]domain.ActionExecutionLog, error) {
	rows, err := r.on(nil).query(ctx, `SELECT id,tenant_id,application_id,action_code,stage_id,executed_by,executed_at,signal_snapshot_json,conditions_evaluated_json,
COALESCE(decision_note,''),COALESCE(override_reason,''),COALESCE(reviewed_by,''),COALESCE(approved_by,''),outcome_type,is_terminal,from_stage_id,to_stage_id
FROM action_execution_logs WHERE tenant_id=? AND application_id=? ORDER BY seq`, tenantID, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionExecutionLog
	for rows.Next() {
		var l domain.ActionExecutionLog
		var snap, cond string
		var from, to sql.NullString
		if err := rows.Scan(&l.ID, &l.TenantID, &l.ApplicationID, &l.ActionCode, &l.StageID, &l.ExecutedBy, &l.ExecutedAt,
			&snap, &cond, &l.DecisionNote, &l.OverrideReason, &l.ReviewedBy, &l.ApprovedBy, &l.OutcomeType, &l.IsTerminal, &from, &to); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(snap), &l.SignalSnapshot); err != nil {
			return nil, fmt.Errorf("decode signal snapshot %s: %w", l.ID, err)
		}
		if err := json.Unmarshal([]byte(cond), &l.ConditionsEvaluated); err != nil {
			return nil, fmt.Errorf("decode conditions %s: %w", l.ID, err)
		}
		l.FromStageID = stringPtr(from)
		l.ToStageID = stringPtr(to)
		res = append(res, l)
	}
	return res, rows.Err()
}
