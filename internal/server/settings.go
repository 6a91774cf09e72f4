package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

type idPath struct {
	ID string `path:"id"`
}

func (h handlers) registerPipelines(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Create a pipeline with ordered stages",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest `json:"body"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		in := engine.PipelineInput{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Shared:      input.Body.Shared,
		}
		for _, s := range input.Body.Stages {
			stage := engine.StageInput{Name: s.StageName, Type: s.StageType, Metadata: s.Metadata}
			for _, re := range s.RequiredEvaluations {
				stage.RequiredEvaluations = append(stage.RequiredEvaluations, engine.RequiredEvaluationInput{
					TemplateID:   re.TemplateID,
					TemplateName: re.TemplateName,
				})
			}
			in.Stages = append(in.Stages, stage)
		}
		p, err := h.e.CreatePipeline(ctx, tenantID, actor, in)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "Pipelines visible to the tenant",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PipelineList `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		items, err := h.e.ListPipelines(ctx, tenantID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body PipelineList `json:"body"`
		}{Body: PipelineList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Pipeline with stages and required evaluations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		p, err := h.e.GetPipeline(ctx, tenantID, input.PipelineID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-required-evaluation",
		Method:        http.MethodPost,
		Path:          "/stages/{id}/required-evaluations",
		Summary:       "Require an evaluation template at a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		idPath
		Body RequiredEvaluationRequest `json:"body"`
	}) (*struct {
		Body domain.RequiredEvaluation `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		re, err := h.e.AddRequiredEvaluation(ctx, tenantID, actor, input.ID, engine.RequiredEvaluationInput{
			TemplateID:   input.Body.TemplateID,
			TemplateName: input.Body.TemplateName,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.RequiredEvaluation `json:"body"`
		}{Body: re}, nil
	})
}

// registerCollaborators exposes the mirrors of jobs and applications owned by the
// job service.
func (h handlers) registerCollaborators(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "put-job",
		Method:      http.MethodPut,
		Path:        "/jobs/{id}",
		Summary:     "Create or update a job mirror",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		idPath
		Body JobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		job := domain.Job{ID: input.ID, Title: input.Body.Title}
		if input.Body.PipelineID != "" {
			pid := input.Body.PipelineID
			job.PipelineID = &pid
		}
		job, err := h.e.UpsertJob(ctx, tenantID, actor, job)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-application",
		Method:      http.MethodPut,
		Path:        "/applications/{application_id}",
		Summary:     "Create or update an application mirror",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		applicationPath
		Body ApplicationRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		app, err := h.e.UpsertApplication(ctx, tenantID, actor, domain.Application{
			ID:            input.ApplicationID,
			JobID:         input.Body.JobID,
			CandidateName: input.Body.CandidateName,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})
}

func (h handlers) registerStatuses(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-statuses",
		Method:      http.MethodGet,
		Path:        "/settings/statuses",
		Summary:     "Tenant status catalog",
	}, func(ctx context.Context, input *struct {
		IncludeInactive bool `query:"include_inactive"`
	}) (*struct {
		Body StatusList `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		items, err := h.e.ListStatuses(ctx, tenantID, input.IncludeInactive)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body StatusList `json:"body"`
		}{Body: StatusList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-status",
		Method:        http.MethodPost,
		Path:          "/settings/statuses",
		Summary:       "Define a status",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateStatusRequest `json:"body"`
	}) (*struct {
		Body domain.ApplicationStatus `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		st, err := h.e.CreateStatus(ctx, tenantID, actor, engine.StatusInput{
			Code:        input.Body.StatusCode,
			DisplayName: input.Body.DisplayName,
			ActionCode:  input.Body.ActionCode,
			OutcomeType: input.Body.OutcomeType,
			IsTerminal:  input.Body.IsTerminal,
			SortOrder:   input.Body.SortOrder,
			Color:       input.Body.Color,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.ApplicationStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-status",
		Method:      http.MethodPatch,
		Path:        "/settings/statuses/{id}",
		Summary:     "Update a status; the code is immutable",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		idPath
		Body UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body domain.ApplicationStatus `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		b := input.Body
		st, err := h.e.UpdateStatus(ctx, tenantID, actor, input.ID, engine.StatusPatch{
			DisplayName: b.DisplayName,
			ActionCode:  b.ActionCode,
			OutcomeType: b.OutcomeType,
			IsTerminal:  b.IsTerminal,
			SortOrder:   b.SortOrder,
			Color:       b.Color,
			IsActive:    b.IsActive,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.ApplicationStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-status",
		Method:        http.MethodDelete,
		Path:          "/settings/statuses/{id}",
		Summary:       "Delete a status no live application uses",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		if err := h.e.DeleteStatus(ctx, tenantID, actor, input.ID); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerActions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stage-actions",
		Method:      http.MethodGet,
		Path:        "/settings/actions",
		Summary:     "Tenant stage action catalog",
	}, func(ctx context.Context, input *struct {
		StageID         string `query:"stage_id"`
		IncludeInactive bool   `query:"include_inactive"`
	}) (*struct {
		Body ActionList `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		items, err := h.e.ListActions(ctx, tenantID, repo.ActionFilters{StageID: input.StageID, ActiveOnly: !input.IncludeInactive})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body ActionList `json:"body"`
		}{Body: ActionList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-stage-action",
		Method:        http.MethodPost,
		Path:          "/settings/actions",
		Summary:       "Define a stage action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateActionRequest `json:"body"`
	}) (*struct {
		Body domain.StageAction `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		b := input.Body
		in := engine.ActionInput{
			StageID:            b.StageID,
			Code:               b.ActionCode,
			DisplayName:        b.DisplayName,
			OutcomeType:        b.OutcomeType,
			MovesToNextStage:   b.MovesToNextStage,
			IsTerminal:         b.IsTerminal,
			RequiresFeedback:   b.RequiresFeedback,
			RequiresNotes:      b.RequiresNotes,
			RequiredCapability: b.RequiredCapability,
			SortOrder:          b.SortOrder,
		}
		if raw, ok := rawField(ctx, "signal_conditions"); ok && string(raw) != "null" {
			in.SignalConditions = raw
		}
		a, err := h.e.CreateAction(ctx, tenantID, actor, in)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.StageAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage-action",
		Method:      http.MethodPatch,
		Path:        "/settings/actions/{id}",
		Summary:     "Update a stage action",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		idPath
		Body UpdateActionRequest `json:"body"`
	}) (*struct {
		Body domain.StageAction `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		b := input.Body
		patch := engine.ActionPatch{
			DisplayName:        b.DisplayName,
			OutcomeType:        b.OutcomeType,
			MovesToNextStage:   b.MovesToNextStage,
			IsTerminal:         b.IsTerminal,
			RequiresFeedback:   b.RequiresFeedback,
			RequiresNotes:      b.RequiresNotes,
			RequiredCapability: b.RequiredCapability,
			SortOrder:          b.SortOrder,
			IsActive:           b.IsActive,
		}
		if raw, ok := rawField(ctx, "signal_conditions"); ok {
			patch.SignalConditions = json.RawMessage(strings.TrimSpace(string(raw)))
		}
		a, err := h.e.UpdateAction(ctx, tenantID, actor, input.ID, patch)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.StageAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-stage-action",
		Method:        http.MethodDelete,
		Path:          "/settings/actions/{id}",
		Summary:       "Deactivate a stage action",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		if err := h.e.DeleteAction(ctx, tenantID, actor, input.ID); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerCapabilities(api huma.API) {
	type capabilitiesBody struct {
		Body CapabilitiesResponse `json:"body"`
	}
	list := func(ctx context.Context, tenantID string) (*capabilitiesBody, error) {
		roles, err := h.e.ListCapabilities(ctx, tenantID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &capabilitiesBody{Body: CapabilitiesResponse{Roles: nonNilSlice(roles)}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-capabilities",
		Method:      http.MethodGet,
		Path:        "/settings/capabilities",
		Summary:     "Capabilities granted to each role",
	}, func(ctx context.Context, _ *struct{}) (*capabilitiesBody, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		return list(ctx, tenantID)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-capability",
		Method:        http.MethodPost,
		Path:          "/settings/capabilities",
		Summary:       "Grant a capability to a role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CapabilityGrantRequest `json:"body"`
	}) (*capabilitiesBody, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		if err := h.e.GrantCapability(ctx, tenantID, actor, input.Body.Role, input.Body.Capability); err != nil {
			return nil, h.fail(err)
		}
		return list(ctx, tenantID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-capability",
		Method:      http.MethodDelete,
		Path:        "/settings/capabilities",
		Summary:     "Revoke a capability from a role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Role       string `query:"role" required:"true"`
		Capability string `query:"capability" required:"true"`
	}) (*capabilitiesBody, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		if err := h.e.RevokeCapability(ctx, tenantID, actor, input.Role, input.Capability); err != nil {
			return nil, h.fail(err)
		}
		return list(ctx, tenantID)
	})
}

func (h handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/settings/api-keys",
		Summary:       "Issue an API key; the secret is returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" {
			actorID = actor.ID
		}
		key, secret, err := h.e.CreateAPIKey(ctx, tenantID, actor, actorID, input.Body.Name, input.Body.Roles)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{APIKey: key, Key: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/settings/api-keys",
		Summary:     "API keys of the tenant",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body APIKeyList `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		keys, err := h.e.ListAPIKeys(ctx, tenantID, input.ActorID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body APIKeyList `json:"body"`
		}{Body: APIKeyList{Items: nonNilSlice(keys)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/settings/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		if err := h.e.RevokeAPIKey(ctx, tenantID, actor, input.ID); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})
}
