package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

type applicationPath struct {
	ApplicationID string `path:"application_id"`
}

type stateBody struct {
	Body engine.StateView `json:"body"`
}

func (h handlers) registerApplications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-application",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/attach",
		Summary:       "Attach an application to a pipeline at its first stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		applicationPath
		Body *AttachRequest `json:"body,omitempty" required:"false"`
	}) (*stateBody, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		req := engine.AttachRequest{TenantID: tenantID, ApplicationID: input.ApplicationID, Actor: actor}
		if input.Body != nil {
			req.PipelineID = input.Body.PipelineID
		}
		view, err := h.e.Attach(ctx, req)
		if err != nil {
			return nil, h.fail(err)
		}
		return &stateBody{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application-state",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}",
		Summary:     "Current pipeline state of an application",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationPath) (*stateBody, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		view, err := h.e.GetState(ctx, tenantID, input.ApplicationID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &stateBody{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-available-actions",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/actions",
		Summary:     "Actions the caller can take at the current stage, with gate breakdown",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body engine.ActionMenu `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		menu, err := h.e.AvailableActions(ctx, engine.AvailableActionsRequest{
			TenantID:      tenantID,
			ApplicationID: input.ApplicationID,
			Actor:         actor,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.ActionMenu `json:"body"`
		}{Body: menu}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-action",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/act",
		Summary:     "Execute a stage action",
		Errors: []int{
			http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		applicationPath
		Body ActRequest `json:"body"`
	}) (*stateBody, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		view, err := h.e.ExecuteAction(ctx, engine.ActRequest{
			TenantID:       tenantID,
			ApplicationID:  input.ApplicationID,
			Action:         input.Body.Action,
			Notes:          input.Body.Notes,
			OverrideReason: input.Body.OverrideReason,
			ReviewedBy:     input.Body.ReviewedBy,
			ApprovedBy:     input.Body.ApprovedBy,
			Actor:          actor,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &stateBody{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-stage",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/move",
		Summary:     "Move an application to another stage of its pipeline (legacy)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		applicationPath
		Body MoveRequest `json:"body"`
	}) (*stateBody, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		view, err := h.e.MoveStage(ctx, engine.MoveRequest{
			TenantID:      tenantID,
			ApplicationID: input.ApplicationID,
			ToStageID:     input.Body.ToStageID,
			Reason:        input.Body.Reason,
			Actor:         actor,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &stateBody{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-status",
		Method:      http.MethodPatch,
		Path:        "/applications/{application_id}/status",
		Summary:     "Set an application's status directly (legacy)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		applicationPath
		Body StatusChangeRequest `json:"body"`
	}) (*stateBody, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		view, err := h.e.SetStatus(ctx, engine.StatusRequest{
			TenantID:      tenantID,
			ApplicationID: input.ApplicationID,
			Status:        input.Body.Status,
			Reason:        input.Body.Reason,
			Actor:         actor,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &stateBody{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "application-history",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/history",
		Summary:     "Stage history, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		applicationPath
		Limit  int `query:"limit" doc:"Page size, default 50, max 200"`
		Offset int `query:"offset"`
	}) (*struct {
		Body engine.HistoryPage `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		page, err := h.e.History(ctx, tenantID, input.ApplicationID, input.Limit, input.Offset)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.HistoryPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "application-executions",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/executions",
		Summary:     "Action execution logs with signal snapshots",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body ExecutionLogList `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		logs, err := h.e.ExecutionLogs(ctx, tenantID, input.ApplicationID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body ExecutionLogList `json:"body"`
		}{Body: ExecutionLogList{Items: nonNilSlice(logs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline-board",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/board",
		Summary:     "Applications grouped by stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
		Status     string `query:"status"`
		JobID      string `query:"jobId"`
	}) (*struct {
		Body engine.BoardView `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		board, err := h.e.Board(ctx, tenantID, input.PipelineID, engine.BoardFilters{Status: input.Status, JobID: input.JobID})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.BoardView `json:"body"`
		}{Body: board}, nil
	})
}

func (h handlers) registerSignals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/signals",
		Summary:     "Current signals of an application",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body SignalList `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		signals, err := h.e.ListSignals(ctx, tenantID, input.ApplicationID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body SignalList `json:"body"`
		}{Body: SignalList{Items: nonNilSlice(signals)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-signal",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/signals",
		Summary:       "Set the current value of a signal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		applicationPath
		Body SignalRequest `json:"body"`
	}) (*struct {
		Body domain.Signal `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		value, ok := rawField(ctx, "value")
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "", "value is required", nil)
		}
		s, err := h.e.RecordSignal(ctx, tenantID, actor, input.ApplicationID, signalInput(input.Body, value))
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Signal `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signal-history",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/signals/{signal_key}/history",
		Summary:     "Every recorded value of a signal, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		applicationPath
		SignalKey string `path:"signal_key"`
	}) (*struct {
		Body SignalList `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		signals, err := h.e.SignalHistory(ctx, tenantID, input.ApplicationID, input.SignalKey)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body SignalList `json:"body"`
		}{Body: SignalList{Items: nonNilSlice(signals)}}, nil
	})
}

func signalInput(req SignalRequest, value json.RawMessage) engine.SignalInput {
	return engine.SignalInput{
		Key:        req.SignalKey,
		Value:      value,
		ValueType:  req.ValueType,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
	}
}

func (h handlers) registerEvaluations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluation-status",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/evaluations",
		Summary:     "Required evaluation completeness for a stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		applicationPath
		StageID string `query:"stage_id" doc:"Defaults to the current stage"`
	}) (*struct {
		Body engine.EvaluationGate `json:"body"`
	}, error) {
		tenantID, _, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		gate, err := h.e.EvaluationStatus(ctx, tenantID, input.ApplicationID, input.StageID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.EvaluationGate `json:"body"`
		}{Body: gate}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-evaluation",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/evaluations",
		Summary:       "Record an evaluation instance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		applicationPath
		Body CreateEvaluationRequest `json:"body"`
	}) (*struct {
		Body domain.EvaluationInstance `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		ev, err := h.e.CreateEvaluation(ctx, tenantID, actor, input.ApplicationID, engine.EvaluationInput{
			TemplateID: input.Body.TemplateID,
			StageID:    input.Body.StageID,
			Status:     input.Body.Status,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.EvaluationInstance `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-evaluation",
		Method:      http.MethodPost,
		Path:        "/evaluations/{evaluation_id}/complete",
		Summary:     "Complete an evaluation and record its derived signals",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EvaluationID string                     `path:"evaluation_id"`
		Body         *CompleteEvaluationRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.EvaluationInstance `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		var derived []engine.SignalInput
		if input.Body != nil {
			for _, s := range input.Body.Signals {
				value, err := json.Marshal(s.Value)
				if err != nil {
					return nil, newAPIError(http.StatusBadRequest, "", "signal value is not valid JSON", nil)
				}
				derived = append(derived, signalInput(s, value))
			}
		}
		ev, err := h.e.CompleteEvaluation(ctx, tenantID, actor, input.EvaluationID, derived)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.EvaluationInstance `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-feedback",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/feedback",
		Summary:       "Submit interview feedback for a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		applicationPath
		Body FeedbackRequest `json:"body"`
	}) (*struct {
		Body domain.Feedback `json:"body"`
	}, error) {
		tenantID, actor, serr := requestScope(ctx)
		if serr != nil {
			return nil, serr
		}
		f, err := h.e.SubmitFeedback(ctx, tenantID, actor, input.ApplicationID, engine.FeedbackInput{
			StageLabel: input.Body.StageLabel,
			Rating:     input.Body.Rating,
			Notes:      input.Body.Notes,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Feedback `json:"body"`
		}{Body: f}, nil
	})
}
