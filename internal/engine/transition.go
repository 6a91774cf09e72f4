package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/engine/conditions"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// StateView is the API projection of an application's pipeline state.
type StateView struct {
	ID                string `json:"id"`
	ApplicationID     string `json:"applicationId"`
	JobID             string `json:"jobId"`
	PipelineID        string `json:"pipelineId"`
	CurrentStageID    string `json:"currentStageId"`
	CurrentStageName  string `json:"currentStageName"`
	CurrentStageIndex int    `json:"currentStageIndex"`
	Status            string `json:"status"`
	OutcomeType       string `json:"outcomeType"`
	IsTerminal        bool   `json:"isTerminal"`
	EnteredStageAt    string `json:"enteredStageAt"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

func newStateView(st domain.PipelineState, app domain.Application, stage domain.Stage) StateView {
	return StateView{
		ID:                st.ID,
		ApplicationID:     st.ApplicationID,
		JobID:             app.JobID,
		PipelineID:        st.PipelineID,
		CurrentStageID:    st.CurrentStageID,
		CurrentStageName:  stage.Name,
		CurrentStageIndex: stage.OrderIndex,
		Status:            st.Status,
		OutcomeType:       st.OutcomeType,
		IsTerminal:        st.IsTerminal,
		EnteredStageAt:    st.EnteredStageAt,
		CreatedAt:         st.CreatedAt,
		UpdatedAt:         st.UpdatedAt,
	}
}

// GetState returns the state projection for an application.
func (e Engine) GetState(ctx context.Context, tenantID, applicationID string) (StateView, error) {
	if err := requireTenant(tenantID); err != nil {
		return StateView{}, err
	}
	if err := validateID("application", applicationID); err != nil {
		return StateView{}, err
	}
	app, err := e.loadApplication(ctx, nil, tenantID, applicationID)
	if err != nil {
		return StateView{}, err
	}
	st, err := e.loadState(ctx, nil, tenantID, applicationID, false)
	if err != nil {
		return StateView{}, err
	}
	stage, err := e.Repo.GetStage(ctx, nil, st.CurrentStageID)
	if err != nil {
		return StateView{}, err
	}
	return newStateView(st, app, stage), nil
}

// transition is one committed state change with its audit rows.
type transition struct {
	kind       string
	actor      Actor
	app        domain.Application
	before     *domain.PipelineState
	after      domain.PipelineState
	actionCode string
	reason     string
	snapshot   map[string]domain.SignalView
	results    []domain.ConditionResult
	log        domain.ActionExecutionLog
}

// commit writes state, one history row, one execution log row and the outbox event.
func (e Engine) commit(ctx context.Context, tx *sql.Tx, t transition) error {
	now := t.after.UpdatedAt
	var from, to *string
	if t.before != nil {
		f := t.before.CurrentStageID
		from = &f
	}
	if t.kind != domain.HistoryStatusChange {
		s := t.after.CurrentStageID
		to = &s
	}
	if t.before == nil {
		if err := e.Repo.InsertState(ctx, tx, t.after); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return newError(CodeConflict, "application %s is already attached", t.app.ID)
			}
			return err
		}
	} else if err := e.Repo.UpdateState(ctx, tx, t.after); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return newError(CodeTerminalStatus, "application %s is in a terminal status", t.app.ID)
		}
		return err
	}
	if err := e.Repo.InsertHistory(ctx, tx, domain.StageHistory{
		ID:            uuid.NewString(),
		TenantID:      t.after.TenantID,
		ApplicationID: t.app.ID,
		FromStageID:   from,
		ToStageID:     to,
		Action:        t.actionCode,
		ChangedBy:     t.actor.ID,
		ChangedAt:     now,
		Reason:        t.reason,
	}); err != nil {
		return err
	}
	log := t.log
	log.ID = uuid.NewString()
	log.TenantID = t.after.TenantID
	log.ApplicationID = t.app.ID
	log.ActionCode = t.actionCode
	log.ExecutedBy = t.actor.ID
	log.ExecutedAt = now
	log.SignalSnapshot = t.snapshot
	log.ConditionsEvaluated = t.results
	log.OutcomeType = t.after.OutcomeType
	log.IsTerminal = t.after.IsTerminal
	log.FromStageID = from
	log.ToStageID = to
	if log.StageID == "" {
		log.StageID = t.after.CurrentStageID
	}
	if err := e.Repo.InsertExecutionLog(ctx, tx, log); err != nil {
		return err
	}
	evtType := events.TypeApplicationTransitioned
	if t.before == nil {
		evtType = events.TypeApplicationAttached
	}
	return e.Events.Append(ctx, tx, evtType, t.after.TenantID, "application", t.app.ID, t.actor.ID, events.EventPayload{
		"kind":          t.kind,
		"action":        t.actionCode,
		"from_stage_id": from,
		"to_stage_id":   to,
		"status":        t.after.Status,
		"outcome_type":  t.after.OutcomeType,
		"is_terminal":   t.after.IsTerminal,
		"override":      log.OverrideReason != "",
	})
}

type AttachRequest struct {
	TenantID      string
	ApplicationID string
	// PipelineID overrides the job's assigned pipeline.
	PipelineID string
	Actor      Actor
}

// Attach creates the application's state at the first stage of its pipeline. Exactly
// one attach succeeds per application; later ones fail with CONFLICT.
func (e Engine) Attach(ctx context.Context, req AttachRequest) (view StateView, err error) {
	ctx, span := startSpan(ctx, "engine.Attach", req.TenantID, req.ApplicationID)
	defer func() { endSpan(span, err); e.observe(err) }()
	if err := requireTenant(req.TenantID); err != nil {
		return view, err
	}
	if err := validateID("application", req.ApplicationID); err != nil {
		return view, err
	}
	if req.PipelineID != "" {
		if err := validateID("pipeline", req.PipelineID); err != nil {
			return view, err
		}
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		app, err := e.loadApplication(ctx, tx, req.TenantID, req.ApplicationID)
		if err != nil {
			return err
		}
		if _, err := e.Repo.GetState(ctx, tx, req.TenantID, req.ApplicationID, true); err == nil {
			return newError(CodeConflict, "application %s is already attached", req.ApplicationID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		pipelineID := req.PipelineID
		if pipelineID == "" {
			job, err := e.Repo.GetJob(ctx, tx, app.JobID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if job.PipelineID != nil {
				pipelineID = *job.PipelineID
			}
		}
		if pipelineID == "" {
			return newError(CodeNotFound, "no pipeline given and job %s has none assigned", app.JobID)
		}
		if _, err := e.loadPipeline(ctx, tx, req.TenantID, pipelineID); err != nil {
			return err
		}
		stages, err := e.Repo.ListStages(ctx, tx, pipelineID)
		if err != nil {
			return err
		}
		if len(stages) == 0 {
			return newError(CodeNotFound, "pipeline %s has no stages", pipelineID)
		}
		first := stages[0]
		status, outcome := domain.OutcomeActive, domain.OutcomeActive
		if initial, err := e.Repo.InitialStatus(ctx, tx, req.TenantID); err == nil {
			status, outcome = initial.Code, initial.OutcomeType
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		snapshot, _, err := e.signalSnapshot(ctx, tx, req.TenantID, req.ApplicationID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		st := domain.PipelineState{
			ID:             uuid.NewString(),
			TenantID:       req.TenantID,
			ApplicationID:  req.ApplicationID,
			PipelineID:     pipelineID,
			CurrentStageID: first.ID,
			Status:         status,
			OutcomeType:    outcome,
			EnteredStageAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.commit(ctx, tx, transition{
			kind:       domain.HistoryAttach,
			actor:      req.Actor,
			app:        app,
			after:      st,
			actionCode: domain.HistoryAttach,
			snapshot:   snapshot,
			results:    []domain.ConditionResult{},
			log:        domain.ActionExecutionLog{StageID: first.ID},
		}); err != nil {
			return err
		}
		view = newStateView(st, app, first)
		return nil
	})
	if err == nil {
		e.Metrics.Transition("attach", view.OutcomeType)
	}
	return view, err
}

type ActRequest struct {
	TenantID       string
	ApplicationID  string
	Action         string
	Notes          string
	OverrideReason string
	ReviewedBy     string
	ApprovedBy     string
	Actor          Actor
}

// ExecuteAction applies a stage action after re-validating every gate. State, history
// and the execution log commit together or not at all.
func (e Engine) ExecuteAction(ctx context.Context, req ActRequest) (view StateView, err error) {
	ctx, span := startSpan(ctx, "engine.ExecuteAction", req.TenantID, req.ApplicationID)
	defer func() { endSpan(span, err); e.observe(err) }()
	if err := requireTenant(req.TenantID); err != nil {
		return view, err
	}
	if err := validateID("application", req.ApplicationID); err != nil {
		return view, err
	}
	if strings.TrimSpace(req.Action) == "" {
		return view, newError(CodeValidation, "action is required")
	}
	code, err := NormalizeCode(req.Action)
	if err != nil {
		return view, err
	}
	override := strings.TrimSpace(req.OverrideReason)
	notes := strings.TrimSpace(req.Notes)

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		// a. ownership
		app, err := e.loadApplication(ctx, tx, req.TenantID, req.ApplicationID)
		if err != nil {
			return err
		}
		st, err := e.loadState(ctx, tx, req.TenantID, req.ApplicationID, true)
		if err != nil {
			return err
		}
		// b. terminal is absorbing
		if st.IsTerminal {
			return newError(CodeTerminalStatus, "application %s is in terminal status %s", app.ID, st.Status)
		}
		// c. catalog
		action, err := e.Repo.GetActionByCode(ctx, tx, req.TenantID, st.CurrentStageID, code)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && !action.IsActive) {
			return newError(CodeInvalidAction, "action %s is not available at the current stage", code)
		}
		if err != nil {
			return err
		}
		// d. capability
		if err := e.requireCapability(ctx, tx, req.TenantID, req.Actor, action.RequiredCapability); err != nil {
			return err
		}
		if override != "" && e.OverrideCapability != "" {
			if err := e.requireCapability(ctx, tx, req.TenantID, req.Actor, e.OverrideCapability); err != nil {
				return err
			}
		}
		if !outcomeGuard(action, st.OutcomeType) {
			return newError(CodeInvalidAction, "action %s is not available while the application is %s", code, st.OutcomeType)
		}
		if action.RequiresNotes && notes == "" {
			return newError(CodeValidation, "action %s requires notes", code)
		}
		stage, err := e.Repo.GetStage(ctx, tx, st.CurrentStageID)
		if err != nil {
			return err
		}
		// e. required evaluations
		gate, err := e.evaluationGate(ctx, tx, req.TenantID, app.ID, st.CurrentStageID)
		if err != nil {
			return err
		}
		if !gate.Complete && override == "" {
			return newError(CodeEvaluationsIncomplete, "required evaluations are not complete").
				with(map[string]any{"missing": gate.missing()})
		}
		// f. signal conditions
		snapshot, observed, err := e.signalSnapshot(ctx, tx, req.TenantID, app.ID)
		if err != nil {
			return err
		}
		set, err := conditions.Parse(action.SignalConditions)
		if err != nil {
			return err
		}
		res := conditions.Evaluate(set, observed)
		if !res.Met && override == "" {
			return newError(CodeSignalsNotMet, "signal conditions for %s are not met", code).
				with(map[string]any{"conditions": res.Conditions})
		}
		// g. feedback
		if action.RequiresFeedback && override == "" {
			n, err := e.Repo.CountFeedback(ctx, tx, req.TenantID, app.ID, stage.Name)
			if err != nil {
				return err
			}
			if n == 0 {
				return newError(CodeFeedbackRequired, "action %s requires feedback for stage %s", code, stage.Name)
			}
		}
		// h. destination
		dest := stage
		if action.MovesToNextStage {
			next, err := e.nextStage(ctx, tx, st.PipelineID, stage)
			if err != nil {
				return err
			}
			dest = next
		}
		status := code
		if catalog, err := e.Repo.GetStatusForAction(ctx, tx, req.TenantID, code); err == nil {
			status = catalog.Code
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		// i. apply
		now := e.timestamp()
		after := st
		after.Status = status
		after.OutcomeType = action.OutcomeType
		after.IsTerminal = action.IsTerminal
		after.UpdatedAt = now
		if dest.ID != st.CurrentStageID {
			after.CurrentStageID = dest.ID
			after.EnteredStageAt = now
		}
		reason := notes
		if reason == "" {
			reason = override
		}
		if err := e.commit(ctx, tx, transition{
			kind:       "ACT",
			actor:      req.Actor,
			app:        app,
			before:     &st,
			after:      after,
			actionCode: code,
			reason:     reason,
			snapshot:   snapshot,
			results:    res.Conditions,
			log: domain.ActionExecutionLog{
				StageID:        st.CurrentStageID,
				DecisionNote:   notes,
				OverrideReason: override,
				ReviewedBy:     strings.TrimSpace(req.ReviewedBy),
				ApprovedBy:     strings.TrimSpace(req.ApprovedBy),
			},
		}); err != nil {
			return err
		}
		if override != "" {
			e.logger().Info("gates overridden", "tenant_id", req.TenantID, "application_id", app.ID, "action", code, "actor", req.Actor.ID)
		}
		view = newStateView(after, app, dest)
		return nil
	})
	if err == nil {
		e.Metrics.Transition("act", view.OutcomeType)
	}
	return view, err
}

func (e Engine) nextStage(ctx context.Context, tx *sql.Tx, pipelineID string, current domain.Stage) (domain.Stage, error) {
	stages, err := e.Repo.ListStages(ctx, tx, pipelineID)
	if err != nil {
		return domain.Stage{}, err
	}
	for _, s := range stages {
		if s.OrderIndex > current.OrderIndex {
			return s, nil
		}
	}
	return domain.Stage{}, newError(CodeNoNextStage, "stage %s is the last stage of the pipeline", current.Name)
}

type MoveRequest struct {
	TenantID      string
	ApplicationID string
	ToStageID     string
	Reason        string
	Actor         Actor
}

// MoveStage moves an application to another stage of its pipeline without catalog gating.
func (e Engine) MoveStage(ctx context.Context, req MoveRequest) (view StateView, err error) {
	ctx, span := startSpan(ctx, "engine.MoveStage", req.TenantID, req.ApplicationID)
	defer func() { endSpan(span, err); e.observe(err) }()
	if err := requireTenant(req.TenantID); err != nil {
		return view, err
	}
	if err := validateID("application", req.ApplicationID); err != nil {
		return view, err
	}
	if err := validateID("stage", req.ToStageID); err != nil {
		return view, err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		app, err := e.loadApplication(ctx, tx, req.TenantID, req.ApplicationID)
		if err != nil {
			return err
		}
		st, err := e.loadState(ctx, tx, req.TenantID, req.ApplicationID, true)
		if err != nil {
			return err
		}
		if st.IsTerminal {
			return newError(CodeTerminalStatus, "application %s is in terminal status %s", app.ID, st.Status)
		}
		dest, err := e.Repo.GetStage(ctx, tx, req.ToStageID)
		if errors.Is(err, repo.ErrNotFound) {
			return newError(CodeNotFound, "stage %s not found", req.ToStageID)
		}
		if err != nil {
			return err
		}
		if dest.PipelineID != st.PipelineID {
			return newError(CodeValidation, "stage %s is not part of the application's pipeline", req.ToStageID)
		}
		if dest.ID == st.CurrentStageID {
			return newError(CodeValidation, "application is already at stage %s", dest.Name)
		}
		snapshot, _, err := e.signalSnapshot(ctx, tx, req.TenantID, app.ID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		after := st
		after.CurrentStageID = dest.ID
		after.EnteredStageAt = now
		after.UpdatedAt = now
		if err := e.commit(ctx, tx, transition{
			kind:       domain.HistoryMove,
			actor:      req.Actor,
			app:        app,
			before:     &st,
			after:      after,
			actionCode: domain.HistoryMove,
			reason:     strings.TrimSpace(req.Reason),
			snapshot:   snapshot,
			results:    []domain.ConditionResult{},
			log:        domain.ActionExecutionLog{StageID: st.CurrentStageID, DecisionNote: strings.TrimSpace(req.Reason)},
		}); err != nil {
			return err
		}
		view = newStateView(after, app, dest)
		return nil
	})
	if err == nil {
		e.Metrics.Transition("move", view.OutcomeType)
	}
	return view, err
}

type StatusRequest struct {
	TenantID      string
	ApplicationID string
	Status        string
	Reason        string
	Actor         Actor
}

// SetStatus assigns an active catalog status directly, copying its outcome and terminal flag.
func (e Engine) SetStatus(ctx context.Context, req StatusRequest) (view StateView, err error) {
	ctx, span := startSpan(ctx, "engine.SetStatus", req.TenantID, req.ApplicationID)
	defer func() { endSpan(span, err); e.observe(err) }()
	if err := requireTenant(req.TenantID); err != nil {
		return view, err
	}
	if err := validateID("application", req.ApplicationID); err != nil {
		return view, err
	}
	code, err := NormalizeCode(req.Status)
	if err != nil {
		return view, newError(CodeInvalidStatus, "status %q is not a valid status code", req.Status)
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		app, err := e.loadApplication(ctx, tx, req.TenantID, req.ApplicationID)
		if err != nil {
			return err
		}
		st, err := e.loadState(ctx, tx, req.TenantID, req.ApplicationID, true)
		if err != nil {
			return err
		}
		if st.IsTerminal {
			return newError(CodeTerminalStatus, "application %s is in terminal status %s", app.ID, st.Status)
		}
		target, err := e.Repo.GetStatusByCode(ctx, tx, req.TenantID, code)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && !target.IsActive) {
			return newError(CodeInvalidStatus, "status %s is not an active status", code)
		}
		if err != nil {
			return err
		}
		stage, err := e.Repo.GetStage(ctx, tx, st.CurrentStageID)
		if err != nil {
			return err
		}
		snapshot, _, err := e.signalSnapshot(ctx, tx, req.TenantID, app.ID)
		if err != nil {
			return err
		}
		after := st
		after.Status = target.Code
		after.OutcomeType = target.OutcomeType
		after.IsTerminal = target.IsTerminal
		after.UpdatedAt = e.timestamp()
		if err := e.commit(ctx, tx, transition{
			kind:       domain.HistoryStatusChange,
			actor:      req.Actor,
			app:        app,
			before:     &st,
			after:      after,
			actionCode: domain.HistoryStatusChange,
			reason:     strings.TrimSpace(req.Reason),
			snapshot:   snapshot,
			results:    []domain.ConditionResult{},
			log:        domain.ActionExecutionLog{StageID: st.CurrentStageID, DecisionNote: strings.TrimSpace(req.Reason)},
		}); err != nil {
			return err
		}
		view = newStateView(after, app, stage)
		return nil
	})
	if err == nil {
		e.Metrics.Transition("status", view.OutcomeType)
	}
	return view, err
}
