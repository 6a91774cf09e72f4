package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/engine/conditions"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// Signal value types.
const (
	ValueBoolean = "boolean"
	ValueNumber  = "number"
	ValueString  = "string"
	ValueDate    = "date"
	ValueList    = "list"
)

const maxSignalKey = 100

type SignalInput struct {
	Key        string
	Value      json.RawMessage
	ValueType  string
	SourceType string
	SourceID   string
}

// inferValueType classifies a JSON value, checking an explicitly requested type.
func inferValueType(value json.RawMessage, requested string) (string, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return "", newError(CodeValidation, "signal value must be valid JSON")
	}
	var kind string
	switch trimmed[0] {
	case 't', 'f':
		kind = ValueBoolean
	case '"':
		kind = ValueString
	case '[':
		kind = ValueList
	case 'n':
		return "", newError(CodeValidation, "signal value cannot be null")
	case '{':
		return "", newError(CodeValidation, "signal value cannot be an object")
	default:
		kind = ValueNumber
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" {
		return kind, nil
	}
	if requested == ValueDate && kind == ValueString {
		var s string
		_ = json.Unmarshal(trimmed, &s)
		if !isDate(s) {
			return "", newError(CodeValidation, "value %q is not a date", s)
		}
		return ValueDate, nil
	}
	if requested != kind {
		return "", newError(CodeValidation, "value does not match value_type %s", requested)
	}
	return kind, nil
}

func isDate(s string) bool {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func normalizeSource(v string) (string, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	switch v {
	case "":
		return domain.SourceManual, nil
	case domain.SourceEvaluation, domain.SourceManual, domain.SourceSystem:
		return v, nil
	default:
		return "", newError(CodeValidation, "source_type %q must be EVALUATION, MANUAL or SYSTEM", v)
	}
}

func buildSignal(tenantID, applicationID, actorID, at string, in SignalInput) (domain.Signal, error) {
	key := strings.TrimSpace(in.Key)
	if key == "" {
		return domain.Signal{}, newError(CodeValidation, "signal key is required")
	}
	if len(key) > maxSignalKey {
		return domain.Signal{}, newError(CodeValidation, "signal key longer than %d characters", maxSignalKey)
	}
	valueType, err := inferValueType(in.Value, in.ValueType)
	if err != nil {
		return domain.Signal{}, err
	}
	source, err := normalizeSource(in.SourceType)
	if err != nil {
		return domain.Signal{}, err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, in.Value); err != nil {
		return domain.Signal{}, newError(CodeValidation, "signal value must be valid JSON")
	}
	return domain.Signal{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		ApplicationID: applicationID,
		Key:           key,
		Value:         json.RawMessage(compact.Bytes()),
		ValueType:     valueType,
		SourceType:    source,
		SourceID:      strings.TrimSpace(in.SourceID),
		SetBy:         actorID,
		SetAt:         at,
	}, nil
}

// recordSignal supersedes the current value for the key and inserts the new one.
func (e Engine) recordSignal(ctx context.Context, tx *sql.Tx, s domain.Signal) error {
	if err := e.Repo.SupersedeSignal(ctx, tx, s.TenantID, s.ApplicationID, s.Key, s.SetAt, s.SetBy); err != nil {
		return err
	}
	if err := e.Repo.InsertSignal(ctx, tx, s); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.TypeSignalRecorded, s.TenantID, "application", s.ApplicationID, s.SetBy, events.EventPayload{
		"signal_key": s.Key, "value": s.Value, "value_type": s.ValueType, "source_type": s.SourceType,
	})
}

// RecordSignal sets the current value of a signal for an application.
func (e Engine) RecordSignal(ctx context.Context, tenantID string, actor Actor, applicationID string, in SignalInput) (s domain.Signal, err error) {
	defer func() { e.observe(err) }()
	if err := requireTenant(tenantID); err != nil {
		return s, err
	}
	if err := validateID("application", applicationID); err != nil {
		return s, err
	}
	s, err = buildSignal(tenantID, applicationID, actor.ID, e.timestamp(), in)
	if err != nil {
		return s, err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadApplication(ctx, tx, tenantID, applicationID); err != nil {
			return err
		}
		return e.recordSignal(ctx, tx, s)
	})
	return s, err
}

// CurrentSignal returns the authoritative value for a key.
func (e Engine) CurrentSignal(ctx context.Context, tenantID, applicationID, key string) (domain.Signal, error) {
	if err := validateID("application", applicationID); err != nil {
		return domain.Signal{}, err
	}
	if _, err := e.loadApplication(ctx, nil, tenantID, applicationID); err != nil {
		return domain.Signal{}, err
	}
	s, err := e.Repo.CurrentSignal(ctx, nil, tenantID, applicationID, key)
	if errors.Is(err, repo.ErrNotFound) {
		return s, newError(CodeNotFound, "signal %s has never been set", key)
	}
	return s, err
}

// ListSignals returns every current signal for an application.
func (e Engine) ListSignals(ctx context.Context, tenantID, applicationID string) ([]domain.Signal, error) {
	if err := validateID("application", applicationID); err != nil {
		return nil, err
	}
	if _, err := e.loadApplication(ctx, nil, tenantID, applicationID); err != nil {
		return nil, err
	}
	return e.Repo.CurrentSignals(ctx, nil, tenantID, applicationID)
}

// SignalHistory returns every value a key has held, newest first.
func (e Engine) SignalHistory(ctx context.Context, tenantID, applicationID, key string) ([]domain.Signal, error) {
	if err := validateID("application", applicationID); err != nil {
		return nil, err
	}
	if _, err := e.loadApplication(ctx, nil, tenantID, applicationID); err != nil {
		return nil, err
	}
	return e.Repo.SignalHistory(ctx, tenantID, applicationID, key)
}

// signalSnapshot captures current signals both as the audit view and as interpreter input.
func (e Engine) signalSnapshot(ctx context.Context, tx *sql.Tx, tenantID, applicationID string) (map[string]domain.SignalView, map[string]conditions.Observed, error) {
	current, err := e.Repo.CurrentSignals(ctx, tx, tenantID, applicationID)
	if err != nil {
		return nil, nil, err
	}
	views := make(map[string]domain.SignalView, len(current))
	observed := make(map[string]conditions.Observed, len(current))
	for _, s := range current {
		views[s.Key] = domain.SignalView{Value: s.Value, Type: s.ValueType, SetAt: s.SetAt, SetBy: s.SetBy, Source: s.SourceType}
		observed[s.Key] = conditions.Observed{Value: s.Value, Type: s.ValueType}
	}
	return views, observed, nil
}
