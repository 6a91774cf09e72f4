package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertEvaluationInstance(ctx context.Context, tx *sql.Tx, ev domain.EvaluationInstance) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO evaluation_instances(id,tenant_id,application_id,template_id,stage_id,status,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.TenantID, ev.ApplicationID, ev.TemplateID, nullableStringPtr(ev.StageID), ev.Status, ev.CreatedAt, nullableStringPtr(ev.CompletedAt))
	return err
}

func (r Repo) GetEvaluationInstance(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.EvaluationInstance, error) {
	var ev domain.EvaluationInstance
	var stage, completed sql.NullString
	err := r.on(tx).queryRow(ctx, `SELECT id,tenant_id,application_id,template_id,stage_id,status,created_at,completed_at
FROM evaluation_instances WHERE tenant_id=? AND id=?`, tenantID, id).
		Scan(&ev.ID, &ev.TenantID, &ev.ApplicationID, &ev.TemplateID, &stage, &ev.Status, &ev.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	ev.StageID = stringPtr(stage)
	ev.CompletedAt = stringPtr(completed)
	return ev, err
}

func (r Repo) SetEvaluationStatus(ctx context.Context, tx *sql.Tx, tenantID, id, status string, completedAt *string) error {
	res, err := r.on(tx).exec(ctx, `UPDATE evaluation_instances SET status=?, completed_at=? WHERE tenant_id=? AND id=?`,
		status, nullableStringPtr(completedAt), tenantID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// CompletedEvaluations maps template id to a completed instance id for the application
// at the stage. Instances without a stage count for every stage.
func (r Repo) CompletedEvaluations(ctx context.Context, tx *sql.Tx, tenantID, applicationID, stageID string) (map[string]string, error) {
	rows, err := r.on(tx).query(ctx, `SELECT template_id, id FROM evaluation_instances
WHERE tenant_id=? AND application_id=? AND status=? AND (stage_id=? OR stage_id IS NULL)
ORDER BY completed_at`, tenantID, applicationID, domain.EvaluationCompleted, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var tpl, id string
		if err := rows.Scan(&tpl, &id); err != nil {
			return nil, err
		}
		if _, ok := res[tpl]; !ok {
			res[tpl] = id
		}
	}
	return res, rows.Err()
}

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.Feedback) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO application_feedback(id,tenant_id,application_id,stage_label,submitted_by,rating,notes,submitted_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.TenantID, f.ApplicationID, f.StageLabel, f.SubmittedBy, nullableIntPtr(f.Rating), nullable(f.Notes), f.SubmittedAt)
	return err
}

// CountFeedback counts feedback recorded for the application under a stage label.
func (r Repo) CountFeedback(ctx context.Context, tx *sql.Tx, tenantID, applicationID, stageLabel string) (int, error) {
	var n int
	err := r.on(tx).queryRow(ctx, `SELECT COUNT(*) FROM application_feedback WHERE tenant_id=? AND application_id=? AND stage_label=?`,
		tenantID, applicationID, stageLabel).Scan(&n)
	return n, err
}
