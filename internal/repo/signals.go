package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"stageline/internal/domain"
)

const signalColumns = `id,tenant_id,application_id,signal_key,value_json,value_type,source_type,COALESCE(source_id,''),set_by,set_at,superseded_at,superseded_by`

func scanSignal(sc interface{ Scan(...any) error }) (domain.Signal, error) {
	var s domain.Signal
	var value string
	var supAt, supBy sql.NullString
	err := sc.Scan(&s.ID, &s.TenantID, &s.ApplicationID, &s.Key, &value, &s.ValueType, &s.SourceType, &s.SourceID,
		&s.SetBy, &s.SetAt, &supAt, &supBy)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.Value = json.RawMessage(value)
	s.SupersededAt = stringPtr(supAt)
	s.SupersededBy = stringPtr(supBy)
	return s, err
}

// CurrentSignal returns the non-superseded value for a key.
func (r Repo) CurrentSignal(ctx context.Context, tx *sql.Tx, tenantID, applicationID, key string) (domain.Signal, error) {
	return scanSignal(r.on(tx).queryRow(ctx, `SELECT `+signalColumns+` FROM application_signals
WHERE tenant_id=? AND application_id=? AND signal_key=? AND superseded_at IS NULL`, tenantID, applicationID, key))
}

// CurrentSignals returns every non-superseded signal for an application.
func (r Repo) CurrentSignals(ctx context.Context, tx *sql.Tx, tenantID, applicationID string) ([]domain.Signal, error) {
	return r.listSignals(ctx, tx, `SELECT `+signalColumns+` FROM application_signals
WHERE tenant_id=? AND application_id=? AND superseded_at IS NULL ORDER BY signal_key`, tenantID, applicationID)
}

// SignalHistory returns every row for a key, newest first, superseded ones included.
func (r Repo) SignalHistory(ctx context.Context, tenantID, applicationID, key string) ([]domain.Signal, error) {
	return r.listSignals(ctx, nil, `SELECT `+signalColumns+` FROM application_signals
WHERE tenant_id=? AND application_id=? AND signal_key=? ORDER BY set_at DESC, id DESC`, tenantID, applicationID, key)
}

func (r Repo) listSignals(ctx context.Context, tx *sql.Tx, q string, args ...any) ([]domain.Signal, error) {
	rows, err := r.on(tx).query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SupersedeSignal retires the current row for a key, if any.
func (r Repo) SupersedeSignal(ctx context.Context, tx *sql.Tx, tenantID, applicationID, key, at, by string) error {
	_, err := r.on(tx).exec(ctx, `UPDATE application_signals SET superseded_at=?, superseded_by=?
WHERE tenant_id=? AND application_id=? AND signal_key=? AND superseded_at IS NULL`, at, by, tenantID, applicationID, key)
	return err
}

func (r Repo) InsertSignal(ctx context.Context, tx *sql.Tx, s domain.Signal) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO application_signals(id,tenant_id,application_id,signal_key,value_json,value_type,source_type,source_id,set_by,set_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.ApplicationID, s.Key, string(s.Value), s.ValueType, s.SourceType, nullable(s.SourceID), s.SetBy, s.SetAt)
	return err
}
