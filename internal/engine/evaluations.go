package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// RequiredEvaluationStatus reports one required template for a stage.
type RequiredEvaluationStatus struct {
	TemplateID   string `json:"templateId"`
	TemplateName string `json:"templateName"`
	Completed    bool   `json:"completed"`
	InstanceID   string `json:"instanceId,omitempty"`
}

// EvaluationGate is the stage-level completeness of required evaluations.
type EvaluationGate struct {
	StageID  string                     `json:"stageId"`
	Complete bool                       `json:"complete"`
	Required []RequiredEvaluationStatus `json:"required"`
}

func (g EvaluationGate) missing() []string {
	var out []string
	for _, r := range g.Required {
		if !r.Completed {
			out = append(out, r.TemplateID)
		}
	}
	return out
}

func (e Engine) evaluationGate(ctx context.Context, tx *sql.Tx, tenantID, applicationID, stageID string) (EvaluationGate, error) {
	gate := EvaluationGate{StageID: stageID, Complete: true, Required: []RequiredEvaluationStatus{}}
	required, err := e.Repo.ListRequiredEvaluations(ctx, tx, stageID)
	if err != nil {
		return gate, err
	}
	if len(required) == 0 {
		return gate, nil
	}
	done, err := e.Repo.CompletedEvaluations(ctx, tx, tenantID, applicationID, stageID)
	if err != nil {
		return gate, err
	}
	for _, re := range required {
		st := RequiredEvaluationStatus{TemplateID: re.TemplateID, TemplateName: re.TemplateName}
		if id, ok := done[re.TemplateID]; ok {
			st.Completed = true
			st.InstanceID = id
		} else {
			gate.Complete = false
		}
		gate.Required = append(gate.Required, st)
	}
	return gate, nil
}

// EvaluationStatus reports required-evaluation completeness for an application at a
// stage; an empty stageID means the application's current stage.
func (e Engine) EvaluationStatus(ctx context.Context, tenantID, applicationID, stageID string) (EvaluationGate, error) {
	if err := validateID("application", applicationID); err != nil {
		return EvaluationGate{}, err
	}
	if _, err := e.loadApplication(ctx, nil, tenantID, applicationID); err != nil {
		return EvaluationGate{}, err
	}
	if stageID == "" {
		st, err := e.loadState(ctx, nil, tenantID, applicationID, false)
		if err != nil {
			return EvaluationGate{}, err
		}
		stageID = st.CurrentStageID
	}
	return e.evaluationGate(ctx, nil, tenantID, applicationID, stageID)
}

type EvaluationInput struct {
	TemplateID string
	StageID    string
	Status     string
}

func normalizeEvaluationStatus(v string) (string, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	switch v {
	case "":
		return domain.EvaluationPending, nil
	case domain.EvaluationPending, domain.EvaluationInProgress, domain.EvaluationCompleted, domain.EvaluationCancelled:
		return v, nil
	default:
		return "", newError(CodeValidation, "evaluation status %q is not valid", v)
	}
}

// CreateEvaluation records an evaluation instance owned by the evaluation service.
func (e Engine) CreateEvaluation(ctx context.Context, tenantID string, actor Actor, applicationID string, in EvaluationInput) (ev domain.EvaluationInstance, err error) {
	defer func() { e.observe(err) }()
	if err := validateID("application", applicationID); err != nil {
		return ev, err
	}
	tpl := strings.TrimSpace(in.TemplateID)
	if tpl == "" {
		return ev, newError(CodeValidation, "template id is required")
	}
	status, err := normalizeEvaluationStatus(in.Status)
	if err != nil {
		return ev, err
	}
	now := e.timestamp()
	ev = domain.EvaluationInstance{ID: uuid.NewString(), TenantID: tenantID, ApplicationID: applicationID, TemplateID: tpl, Status: status, CreatedAt: now}
	if status == domain.EvaluationCompleted {
		ev.CompletedAt = &now
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadApplication(ctx, tx, tenantID, applicationID); err != nil {
			return err
		}
		if in.StageID != "" {
			if err := validateID("stage", in.StageID); err != nil {
				return err
			}
			if _, err := e.visibleStage(ctx, tx, tenantID, in.StageID); err != nil {
				return err
			}
			stageID := in.StageID
			ev.StageID = &stageID
		}
		return e.Repo.InsertEvaluationInstance(ctx, tx, ev)
	})
	return ev, err
}

// CompleteEvaluation marks an instance COMPLETED and records any derived signals with
// source EVALUATION in the same transaction.
func (e Engine) CompleteEvaluation(ctx context.Context, tenantID string, actor Actor, id string, derived []SignalInput) (ev domain.EvaluationInstance, err error) {
	defer func() { e.observe(err) }()
	if err := validateID("evaluation", id); err != nil {
		return ev, err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetEvaluationInstance(ctx, tx, tenantID, id)
		if errors.Is(err, repo.ErrNotFound) {
			return newError(CodeNotFound, "evaluation %s not found", id)
		}
		if err != nil {
			return err
		}
		switch cur.Status {
		case domain.EvaluationCompleted:
			return newError(CodeConflict, "evaluation %s is already completed", id)
		case domain.EvaluationCancelled:
			return newError(CodeValidation, "evaluation %s was cancelled", id)
		}
		now := e.timestamp()
		if err := e.Repo.SetEvaluationStatus(ctx, tx, tenantID, id, domain.EvaluationCompleted, &now); err != nil {
			return err
		}
		for _, in := range derived {
			in.SourceType = domain.SourceEvaluation
			in.SourceID = id
			s, err := buildSignal(tenantID, cur.ApplicationID, actor.ID, now, in)
			if err != nil {
				return err
			}
			if err := e.recordSignal(ctx, tx, s); err != nil {
				return err
			}
		}
		cur.Status = domain.EvaluationCompleted
		cur.CompletedAt = &now
		ev = cur
		return e.Events.Append(ctx, tx, events.TypeEvaluationCompleted, tenantID, "evaluation", id, actor.ID, events.EventPayload{
			"application_id": cur.ApplicationID, "template_id": cur.TemplateID, "signals": len(derived),
		})
	})
	return ev, err
}

type FeedbackInput struct {
	StageLabel string
	Rating     *int
	Notes      string
}

// SubmitFeedback records feedback under a stage label, defaulting to the current stage name.
func (e Engine) SubmitFeedback(ctx context.Context, tenantID string, actor Actor, applicationID string, in FeedbackInput) (f domain.Feedback, err error) {
	defer func() { e.observe(err) }()
	if err := validateID("application", applicationID); err != nil {
		return f, err
	}
	if in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5) {
		return f, newError(CodeValidation, "rating must be between 1 and 5")
	}
	f = domain.Feedback{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		ApplicationID: applicationID,
		StageLabel:    strings.TrimSpace(in.StageLabel),
		SubmittedBy:   actor.ID,
		Rating:        in.Rating,
		Notes:         strings.TrimSpace(in.Notes),
		SubmittedAt:   e.timestamp(),
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadApplication(ctx, tx, tenantID, applicationID); err != nil {
			return err
		}
		if f.StageLabel == "" {
			st, err := e.loadState(ctx, tx, tenantID, applicationID, false)
			if err != nil {
				return err
			}
			stage, err := e.Repo.GetStage(ctx, tx, st.CurrentStageID)
			if err != nil {
				return err
			}
			f.StageLabel = stage.Name
		}
		if err := e.Repo.InsertFeedback(ctx, tx, f); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeFeedbackSubmitted, tenantID, "application", applicationID, actor.ID, events.EventPayload{
			"stage_label": f.StageLabel,
		})
	})
	return f, err
}
