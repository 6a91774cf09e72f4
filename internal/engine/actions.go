package engine

import (
	"context"
	"fmt"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/engine/conditions"
	"stageline/internal/repo"
)

type AvailableActionsRequest struct {
	TenantID      string
	ApplicationID string
	Actor         Actor
}

// AvailableAction is one entry of the action menu with its gating breakdown.
type AvailableAction struct {
	ActionCode         string                   `json:"actionCode"`
	DisplayName        string                   `json:"displayName"`
	OutcomeType        string                   `json:"outcomeType"`
	IsTerminal         bool                     `json:"isTerminal"`
	MovesToNextStage   bool                     `json:"movesToNextStage"`
	RequiresNotes      bool                     `json:"requiresNotes"`
	RequiresFeedback   bool                     `json:"requiresFeedback"`
	RequiredCapability string                   `json:"requiredCapability"`
	SignalConditions   *conditions.Set          `json:"signalConditions,omitempty"`
	SignalsMet         bool                     `json:"signalsMet"`
	SignalWarning      bool                     `json:"signalWarning,omitempty"`
	Conditions         []domain.ConditionResult `json:"conditions"`
	FeedbackSubmitted  *bool                    `json:"feedbackSubmitted,omitempty"`
}

// ActionMenu is the advisory list of actions the caller can execute right now.
type ActionMenu struct {
	ApplicationID       string                     `json:"applicationId"`
	CurrentStageID      string                     `json:"currentStageId"`
	CurrentStageName    string                     `json:"currentStageName"`
	Status              string                     `json:"status"`
	OutcomeType         string                     `json:"outcomeType"`
	IsTerminal          bool                       `json:"isTerminal"`
	EvaluationsComplete bool                       `json:"evaluationsComplete"`
	RequiredEvaluations []RequiredEvaluationStatus `json:"requiredEvaluations"`
	AvailableActions    []AvailableAction          `json:"availableActions"`
}

// outcomeGuard hides HOLD actions unless the application is ACTIVE, and resume actions
// (ACTIVE outcome, staying on the stage) unless it is on HOLD.
func outcomeGuard(action domain.StageAction, currentOutcome string) bool {
	switch action.OutcomeType {
	case domain.OutcomeHold:
		return currentOutcome == domain.OutcomeActive
	case domain.OutcomeActive:
		if action.MovesToNextStage {
			return true
		}
		return currentOutcome == domain.OutcomeHold
	default:
		return true
	}
}

// AvailableActions computes the action menu. It never mutates state.
func (e Engine) AvailableActions(ctx context.Context, req AvailableActionsRequest) (menu ActionMenu, err error) {
	ctx, span := startSpan(ctx, "engine.AvailableActions", req.TenantID, req.ApplicationID)
	defer func() { endSpan(span, err) }()
	if err := requireTenant(req.TenantID); err != nil {
		return menu, err
	}
	if err := validateID("application", req.ApplicationID); err != nil {
		return menu, err
	}
	if _, err := e.loadApplication(ctx, nil, req.TenantID, req.ApplicationID); err != nil {
		return menu, err
	}
	st, err := e.loadState(ctx, nil, req.TenantID, req.ApplicationID, false)
	if err != nil {
		return menu, err
	}
	menu = ActionMenu{
		ApplicationID:       req.ApplicationID,
		CurrentStageID:      st.CurrentStageID,
		Status:              st.Status,
		OutcomeType:         st.OutcomeType,
		IsTerminal:          st.IsTerminal,
		EvaluationsComplete: true,
		RequiredEvaluations: []RequiredEvaluationStatus{},
		AvailableActions:    []AvailableAction{},
	}
	stage, err := e.Repo.GetStage(ctx, nil, st.CurrentStageID)
	if err != nil {
		return menu, err
	}
	menu.CurrentStageName = stage.Name
	if st.IsTerminal {
		return menu, nil
	}

	actions, err := e.Repo.ListActions(ctx, nil, req.TenantID, repo.ActionFilters{StageID: st.CurrentStageID, ActiveOnly: true})
	if err != nil {
		return menu, err
	}
	caps := auth.CapabilitySet{}
	if !req.Actor.System {
		if caps, err = e.Auth.Resolve(ctx, nil, req.TenantID, req.Actor.Roles); err != nil {
			return menu, err
		}
	}
	var allowed []domain.StageAction
	for _, a := range actions {
		if !req.Actor.System && !caps.Has(a.RequiredCapability) {
			continue
		}
		if !outcomeGuard(a, st.OutcomeType) {
			continue
		}
		allowed = append(allowed, a)
	}

	gate, err := e.evaluationGate(ctx, nil, req.TenantID, req.ApplicationID, st.CurrentStageID)
	if err != nil {
		return menu, err
	}
	menu.EvaluationsComplete = gate.Complete
	menu.RequiredEvaluations = gate.Required

	_, observed, err := e.signalSnapshot(ctx, nil, req.TenantID, req.ApplicationID)
	if err != nil {
		return menu, err
	}
	var feedback *bool
	for _, a := range allowed {
		item, err := e.menuItem(ctx, req, stage, a, observed, &feedback)
		if err != nil {
			return menu, err
		}
		menu.AvailableActions = append(menu.AvailableActions, item)
	}
	return menu, nil
}

func (e Engine) menuItem(ctx context.Context, req AvailableActionsRequest, stage domain.Stage, a domain.StageAction, observed map[string]conditions.Observed, feedback **bool) (AvailableAction, error) {
	item := AvailableAction{
		ActionCode:         a.Code,
		DisplayName:        a.DisplayName,
		OutcomeType:        a.OutcomeType,
		IsTerminal:         a.IsTerminal,
		MovesToNextStage:   a.MovesToNextStage,
		RequiresNotes:      a.RequiresNotes,
		RequiresFeedback:   a.RequiresFeedback,
		RequiredCapability: a.RequiredCapability,
		SignalsMet:         true,
		Conditions:         []domain.ConditionResult{},
	}
	set, err := conditions.Parse(a.SignalConditions)
	if err != nil {
		return item, fmt.Errorf("action %s has invalid stored conditions: %w", a.Code, err)
	}
	if set != nil {
		res := conditions.Evaluate(set, observed)
		item.SignalConditions = set
		item.SignalsMet = res.Met
		item.SignalWarning = res.Warning
		item.Conditions = res.Conditions
	}
	if a.RequiresFeedback {
		if *feedback == nil {
			n, err := e.Repo.CountFeedback(ctx, nil, req.TenantID, req.ApplicationID, stage.Name)
			if err != nil {
				return item, err
			}
			submitted := n > 0
			*feedback = &submitted
		}
		v := **feedback
		item.FeedbackSubmitted = &v
	}
	return item, nil
}
