package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const pipelineColumns = `id,tenant_id,name,COALESCE(description,''),created_at`

const stageColumns = `id,pipeline_id,stage_name,stage_type,order_index,metadata_json`

func (r Repo) InsertPipeline(ctx context.Context, tx *sql.Tx, p domain.Pipeline) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO pipelines(id,tenant_id,name,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, nullableStringPtr(p.TenantID), p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	meta := s.MetadataJSON
	if meta == "" {
		meta = "{}"
	}
	_, err := r.on(tx).exec(ctx, `INSERT INTO pipeline_stages(id,pipeline_id,stage_name,stage_type,order_index,metadata_json) VALUES (?,?,?,?,?,?)`,
		s.ID, s.PipelineID, s.Name, s.Type, s.OrderIndex, meta)
	return err
}

func (r Repo) InsertRequiredEvaluation(ctx context.Context, tx *sql.Tx, re domain.RequiredEvaluation) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO stage_required_evaluations(stage_id,template_id,template_name) VALUES (?,?,?)
ON CONFLICT(stage_id,template_id) DO UPDATE SET template_name=excluded.template_name`,
		re.StageID, re.TemplateID, re.TemplateName)
	return err
}

func scanPipeline(row *sql.Row) (domain.Pipeline, error) {
	var p domain.Pipeline
	var tenant sql.NullString
	err := row.Scan(&p.ID, &tenant, &p.Name, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.TenantID = stringPtr(tenant)
	return p, err
}

// GetPipeline returns a pipeline owned by the tenant or shared globally.
func (r Repo) GetPipeline(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Pipeline, error) {
	return scanPipeline(r.on(tx).queryRow(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id=? AND (tenant_id=? OR tenant_id IS NULL)`, id, tenantID))
}

// FindPipelineByName is used by catalog seeding to keep imports idempotent.
func (r Repo) FindPipelineByName(ctx context.Context, tx *sql.Tx, tenantID, name string) (domain.Pipeline, error) {
	return scanPipeline(r.on(tx).queryRow(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE name=? AND tenant_id=? ORDER BY created_at LIMIT 1`, name, tenantID))
}

func (r Repo) ListPipelines(ctx context.Context, tenantID string) ([]domain.Pipeline, error) {
	rows, err := r.on(nil).query(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE tenant_id=? OR tenant_id IS NULL ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pipeline
	for rows.Next() {
		var p domain.Pipeline
		var tenant sql.NullString
		if err := rows.Scan(&p.ID, &tenant, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.TenantID = stringPtr(tenant)
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListStages returns the pipeline's stages ordered by order_index.
func (r Repo) ListStages(ctx context.Context, tx *sql.Tx, pipelineID string) ([]domain.Stage, error) {
	rows, err := r.on(tx).query(ctx, `SELECT `+stageColumns+` FROM pipeline_stages WHERE pipeline_id=? ORDER BY order_index`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		if err := rows.Scan(&s.ID, &s.PipelineID, &s.Name, &s.Type, &s.OrderIndex, &s.MetadataJSON); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetStage(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	var s domain.Stage
	err := r.on(tx).queryRow(ctx, `SELECT `+stageColumns+` FROM pipeline_stages WHERE id=?`, id).
		Scan(&s.ID, &s.PipelineID, &s.Name, &s.Type, &s.OrderIndex, &s.MetadataJSON)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// StageNames resolves stage ids to names in one query.
func (r Repo) StageNames(ctx context.Context, tx *sql.Tx, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.on(tx).query(ctx, `SELECT id,stage_name FROM pipeline_stages WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

func (r Repo) ListRequiredEvaluations(ctx context.Context, tx *sql.Tx, stageID string) ([]domain.RequiredEvaluation, error) {
	rows, err := r.on(tx).query(ctx, `SELECT stage_id,template_id,template_name FROM stage_required_evaluations WHERE stage_id=? ORDER BY template_name, template_id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequiredEvaluation
	for rows.Next() {
		var re domain.RequiredEvaluation
		if err := rows.Scan(&re.StageID, &re.TemplateID, &re.TemplateName); err != nil {
			return nil, err
		}
		res = append(res, re)
	}
	return res, rows.Err()
}
