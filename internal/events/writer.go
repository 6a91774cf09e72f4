package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stageline/internal/db"
)

// Event types written to the outbox.
const (
	TypeApplicationAttached     = "application.attached"
	TypeApplicationTransitioned = "application.transitioned"
	TypeSignalRecorded          = "signal.recorded"
	TypeEvaluationCompleted     = "evaluation.completed"
	TypeFeedbackSubmitted       = "feedback.submitted"
	TypeStatusCreated           = "catalog.status.created"
	TypeStatusUpdated           = "catalog.status.updated"
	TypeStatusDeleted           = "catalog.status.deleted"
	TypeActionCreated           = "catalog.action.created"
	TypeActionUpdated           = "catalog.action.updated"
	TypeActionDeleted           = "catalog.action.deleted"
	TypeCapabilityGranted       = "catalog.capability.granted"
	TypeCapabilityRevoked       = "catalog.capability.revoked"
	TypePipelineCreated         = "pipeline.created"
)

// Writer appends events inside the caller's transaction so they commit or roll back
// with the change they describe.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(db.TimeLayout)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, nullable(tenantID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
