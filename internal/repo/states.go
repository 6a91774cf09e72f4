package repo

import (
	"context"
	"database/sql"
	"strings"

	"stageline/internal/domain"
)

const stateColumns = `id,tenant_id,application_id,pipeline_id,current_stage_id,status,outcome_type,is_terminal,entered_stage_at,created_at,updated_at`

func scanState(sc interface{ Scan(...any) error }) (domain.PipelineState, error) {
	var s domain.PipelineState
	err := sc.Scan(&s.ID, &s.TenantID, &s.ApplicationID, &s.PipelineID, &s.CurrentStageID, &s.Status,
		&s.OutcomeType, &s.IsTerminal, &s.EnteredStageAt, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// InsertState creates the live row; a second row for the application yields ErrConflict.
func (r Repo) InsertState(ctx context.Context, tx *sql.Tx, s domain.PipelineState) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO application_pipeline_states(`+stateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.ApplicationID, s.PipelineID, s.CurrentStageID, s.Status, s.OutcomeType,
		boolInt(s.IsTerminal), s.EnteredStageAt, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetState returns the tenant's state row for an application. With lock set the row is
// locked for the rest of the transaction where the dialect supports it.
func (r Repo) GetState(ctx context.Context, tx *sql.Tx, tenantID, applicationID string, lock bool) (domain.PipelineState, error) {
	q := `SELECT ` + stateColumns + ` FROM application_pipeline_states WHERE tenant_id=? AND application_id=?`
	if lock && tx != nil {
		q += r.Dialect.ForUpdate()
	}
	return scanState(r.on(tx).queryRow(ctx, q, tenantID, applicationID))
}

// UpdateState writes a transition. Terminal rows are never rewritten: the guard makes a
// concurrent writer that lost the race observe ErrConflict.
func (r Repo) UpdateState(ctx context.Context, tx *sql.Tx, s domain.PipelineState) error {
	res, err := r.on(tx).exec(ctx, `UPDATE application_pipeline_states
SET current_stage_id=?, status=?, outcome_type=?, is_terminal=?, entered_stage_at=?, updated_at=?
WHERE id=? AND tenant_id=? AND is_terminal=0`,
		s.CurrentStageID, s.Status, s.OutcomeType, boolInt(s.IsTerminal), s.EnteredStageAt, s.UpdatedAt,
		s.ID, s.TenantID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// CountStatesWithStatus counts live states using a status code.
func (r Repo) CountStatesWithStatus(ctx context.Context, tx *sql.Tx, tenantID, statusCode string) (int, error) {
	var n int
	err := r.on(tx).queryRow(ctx, `SELECT COUNT(*) FROM application_pipeline_states WHERE tenant_id=? AND status=?`, tenantID, statusCode).Scan(&n)
	return n, err
}

// BoardRow is a state joined with its application mirror.
type BoardRow struct {
	State         domain.PipelineState
	JobID         string
	CandidateName string
}

type BoardFilters struct {
	Status string
	JobID  string
}

func (r Repo) ListBoardStates(ctx context.Context, tenantID, pipelineID string, f BoardFilters) ([]BoardRow, error) {
	clauses := []string{"s.tenant_id=?", "s.pipeline_id=?"}
	args := []any{tenantID, pipelineID}
	if f.Status != "" {
		clauses = append(clauses, "s.status=?")
		args = append(args, f.Status)
	}
	if f.JobID != "" {
		clauses = append(clauses, "a.job_id=?")
		args = append(args, f.JobID)
	}
	cols := strings.ReplaceAll("s."+stateColumns, ",", ",s.")
	rows, err := r.on(nil).query(ctx, `SELECT `+cols+`,a.job_id,a.candidate_name
FROM application_pipeline_states s
JOIN applications a ON a.id=s.application_id AND a.tenant_id=s.tenant_id
WHERE `+strings.Join(clauses, " AND ")+`
ORDER BY s.entered_stage_at, s.application_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []BoardRow
	for rows.Next() {
		var b BoardRow
		s := &b.State
		if err := rows.Scan(&s.ID, &s.TenantID, &s.ApplicationID, &s.PipelineID, &s.CurrentStageID, &s.Status,
			&s.OutcomeType, &s.IsTerminal, &s.EnteredStageAt, &s.CreatedAt, &s.UpdatedAt, &b.JobID, &b.CandidateName); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
