package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

// SeedResult counts what a catalog import created; existing rows are left untouched.
type SeedResult struct {
	TenantID         string `json:"tenant_id"`
	StatusesCreated  int    `json:"statuses_created"`
	GrantsApplied    int    `json:"grants_applied"`
	PipelinesCreated int    `json:"pipelines_created"`
	ActionsCreated   int    `json:"actions_created"`
}

// SeedCatalog imports every tenant of the catalog. Re-running it is safe: statuses,
// pipelines and actions are matched by code or name and only missing ones are created.
func SeedCatalog(ctx context.Context, eng engine.Engine, cat *config.Catalog, actorID string) ([]SeedResult, error) {
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	var results []SeedResult
	for _, t := range cat.Tenants {
		res, err := SeedTenant(ctx, eng, t, actorID)
		if err != nil {
			return results, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// SeedTenant imports one tenant's statuses, role capabilities and pipelines.
func SeedTenant(ctx context.Context, eng engine.Engine, t config.TenantCatalog, actorID string) (SeedResult, error) {
	actor := engine.SystemActor(actorID)
	res := SeedResult{TenantID: t.ID}
	for _, s := range t.Statuses {
		code, err := engine.NormalizeCode(s.Code)
		if err != nil {
			return res, err
		}
		if _, err := eng.Repo.GetStatusByCode(ctx, nil, t.ID, code); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return res, err
		}
		if _, err := eng.CreateStatus(ctx, t.ID, actor, engine.StatusInput{
			Code:        code,
			DisplayName: s.DisplayName,
			ActionCode:  s.ActionCode,
			OutcomeType: s.OutcomeType,
			IsTerminal:  s.Terminal,
			SortOrder:   s.SortOrder,
			Color:       s.Color,
		}); err != nil {
			return res, fmt.Errorf("status %s: %w", code, err)
		}
		res.StatusesCreated++
	}
	for role, caps := range t.Roles {
		for _, c := range caps {
			if err := eng.GrantCapability(ctx, t.ID, actor, role, c); err != nil {
				return res, fmt.Errorf("grant %s to %s: %w", c, role, err)
			}
			res.GrantsApplied++
		}
	}
	for _, p := range t.Pipelines {
		created, actions, err := seedPipeline(ctx, eng, t.ID, actor, p)
		if err != nil {
			return res, fmt.Errorf("pipeline %s: %w", p.Name, err)
		}
		if created {
			res.PipelinesCreated++
		}
		res.ActionsCreated += actions
	}
	return res, nil
}

func seedPipeline(ctx context.Context, eng engine.Engine, tenantID string, actor engine.Actor, spec config.PipelineSpec) (bool, int, error) {
	created := false
	p, err := eng.Repo.FindPipelineByName(ctx, nil, tenantID, spec.Name)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		in := engine.PipelineInput{Name: spec.Name, Description: spec.Description}
		for _, st := range spec.Stages {
			si := engine.StageInput{Name: st.Name, Type: st.Type, Metadata: st.Metadata}
			for _, ev := range st.RequiredEvaluations {
				si.RequiredEvaluations = append(si.RequiredEvaluations, engine.RequiredEvaluationInput{TemplateID: ev.TemplateID, TemplateName: ev.Name})
			}
			in.Stages = append(in.Stages, si)
		}
		if p, err = eng.CreatePipeline(ctx, tenantID, actor, in); err != nil {
			return false, 0, err
		}
		created = true
	case err != nil:
		return false, 0, err
	default:
		if p.Stages, err = eng.Repo.ListStages(ctx, nil, p.ID); err != nil {
			return false, 0, err
		}
	}
	byName := make(map[string]domain.Stage, len(p.Stages))
	for _, s := range p.Stages {
		byName[s.Name] = s
	}
	actions := 0
	for _, st := range spec.Stages {
		stage, ok := byName[st.Name]
		if !ok {
			return created, actions, fmt.Errorf("stage %s missing from existing pipeline", st.Name)
		}
		for _, a := range st.Actions {
			code, err := engine.NormalizeCode(a.Code)
			if err != nil {
				return created, actions, err
			}
			if _, err := eng.Repo.GetActionByCode(ctx, nil, tenantID, stage.ID, code); err == nil {
				continue
			} else if !errors.Is(err, repo.ErrNotFound) {
				return created, actions, err
			}
			var conds json.RawMessage
			if a.SignalConditions != nil {
				if conds, err = a.SignalConditions.JSON(); err != nil {
					return created, actions, err
				}
			}
			if _, err := eng.CreateAction(ctx, tenantID, actor, engine.ActionInput{
				StageID:            stage.ID,
				Code:               code,
				DisplayName:        a.DisplayName,
				OutcomeType:        a.OutcomeType,
				MovesToNextStage:   a.MovesToNextStage,
				IsTerminal:         a.Terminal,
				RequiresFeedback:   a.RequiresFeedback,
				RequiresNotes:      a.RequiresNotes,
				RequiredCapability: a.Capability,
				SignalConditions:   conds,
				SortOrder:          a.SortOrder,
			}); err != nil {
				return created, actions, fmt.Errorf("action %s at %s: %w", code, st.Name, err)
			}
			actions++
		}
	}
	return created, actions, nil
}
