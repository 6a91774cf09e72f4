package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

// Jobs and applications are owned by the job service; these rows only mirror what the
// engine needs to check ownership and resolve a job's pipeline.

func (r Repo) UpsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO jobs(id,tenant_id,title,pipeline_id,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, pipeline_id=excluded.pipeline_id`,
		j.ID, j.TenantID, j.Title, nullableStringPtr(j.PipelineID), j.CreatedAt)
	return err
}

// GetJob looks a job up by id regardless of tenant; callers compare TenantID.
func (r Repo) GetJob(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	var j domain.Job
	var pipeline sql.NullString
	err := r.on(tx).queryRow(ctx, `SELECT id,tenant_id,title,pipeline_id,created_at FROM jobs WHERE id=?`, id).
		Scan(&j.ID, &j.TenantID, &j.Title, &pipeline, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	j.PipelineID = stringPtr(pipeline)
	return j, err
}

func (r Repo) UpsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO applications(id,tenant_id,job_id,candidate_name,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET job_id=excluded.job_id, candidate_name=excluded.candidate_name`,
		a.ID, a.TenantID, a.JobID, a.CandidateName, a.CreatedAt)
	return err
}

// GetApplication looks an application up by id regardless of tenant; callers compare TenantID.
func (r Repo) GetApplication(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	var a domain.Application
	err := r.on(tx).queryRow(ctx, `SELECT id,tenant_id,job_id,candidate_name,created_at FROM applications WHERE id=?`, id).
		Scan(&a.ID, &a.TenantID, &a.JobID, &a.CandidateName, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}
