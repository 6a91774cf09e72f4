package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

type StageInput struct {
	Name                string
	Type                string
	Metadata            map[string]any
	RequiredEvaluations []RequiredEvaluationInput
}

type RequiredEvaluationInput struct {
	TemplateID   string
	TemplateName string
}

type PipelineInput struct {
	Name        string
	Description string
	// Shared pipelines have no tenant and are visible to every tenant.
	Shared bool
	Stages []StageInput
}

// CreatePipeline stores a pipeline with stages numbered from zero in the given order.
func (e Engine) CreatePipeline(ctx context.Context, tenantID string, actor Actor, in PipelineInput) (p domain.Pipeline, err error) {
	defer func() { e.observe(err) }()
	if err := requireTenant(tenantID); err != nil {
		return p, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return p, newError(CodeValidation, "pipeline name is required")
	}
	if len(in.Stages) == 0 {
		return p, newError(CodeValidation, "pipeline needs at least one stage")
	}
	if in.Shared && !actor.System {
		return p, newError(CodeForbidden, "only system actors can create shared pipelines")
	}
	p = domain.Pipeline{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		CreatedAt:   e.timestamp(),
	}
	if !in.Shared {
		tid := tenantID
		p.TenantID = &tid
	}
	for i, s := range in.Stages {
		stageName := strings.TrimSpace(s.Name)
		if stageName == "" {
			return p, newError(CodeValidation, "stage %d needs a name", i)
		}
		stageType := strings.TrimSpace(s.Type)
		if stageType == "" {
			stageType = "standard"
		}
		meta := "{}"
		if len(s.Metadata) > 0 {
			data, err := json.Marshal(s.Metadata)
			if err != nil {
				return p, newError(CodeValidation, "stage %s metadata: %v", stageName, err)
			}
			meta = string(data)
		}
		stage := domain.Stage{ID: uuid.NewString(), PipelineID: p.ID, Name: stageName, Type: stageType, OrderIndex: i, MetadataJSON: meta}
		for _, re := range s.RequiredEvaluations {
			tpl := strings.TrimSpace(re.TemplateID)
			if tpl == "" {
				return p, newError(CodeValidation, "stage %s has a required evaluation without template id", stageName)
			}
			tplName := strings.TrimSpace(re.TemplateName)
			if tplName == "" {
				tplName = tpl
			}
			stage.RequiredEvaluations = append(stage.RequiredEvaluations, domain.RequiredEvaluation{StageID: stage.ID, TemplateID: tpl, TemplateName: tplName})
		}
		p.Stages = append(p.Stages, stage)
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		if err := e.Repo.InsertPipeline(ctx, tx, p); err != nil {
			return err
		}
		for _, s := range p.Stages {
			if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
				return err
			}
			for _, re := range s.RequiredEvaluations {
				if err := e.Repo.InsertRequiredEvaluation(ctx, tx, re); err != nil {
					return err
				}
			}
		}
		return e.Events.Append(ctx, tx, events.TypePipelineCreated, tenantID, "pipeline", p.ID, actor.ID, events.EventPayload{
			"name": p.Name, "stages": len(p.Stages), "shared": in.Shared,
		})
	})
	return p, err
}

// AddRequiredEvaluation requires a template to be completed before gated actions at the stage.
func (e Engine) AddRequiredEvaluation(ctx context.Context, tenantID string, actor Actor, stageID string, in RequiredEvaluationInput) (re domain.RequiredEvaluation, err error) {
	defer func() { e.observe(err) }()
	if err := validateID("stage", stageID); err != nil {
		return re, err
	}
	re = domain.RequiredEvaluation{StageID: stageID, TemplateID: strings.TrimSpace(in.TemplateID), TemplateName: strings.TrimSpace(in.TemplateName)}
	if re.TemplateID == "" {
		return re, newError(CodeValidation, "template id is required")
	}
	if re.TemplateName == "" {
		re.TemplateName = re.TemplateID
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		if _, err := e.visibleStage(ctx, tx, tenantID, stageID); err != nil {
			return err
		}
		return e.Repo.InsertRequiredEvaluation(ctx, tx, re)
	})
	return re, err
}

// GetPipeline returns a visible pipeline with its ordered stages and required evaluations.
func (e Engine) GetPipeline(ctx context.Context, tenantID, id string) (domain.Pipeline, error) {
	if err := validateID("pipeline", id); err != nil {
		return domain.Pipeline{}, err
	}
	p, err := e.loadPipeline(ctx, nil, tenantID, id)
	if err != nil {
		return p, err
	}
	stages, err := e.Repo.ListStages(ctx, nil, id)
	if err != nil {
		return p, err
	}
	for i := range stages {
		req, err := e.Repo.ListRequiredEvaluations(ctx, nil, stages[i].ID)
		if err != nil {
			return p, err
		}
		stages[i].RequiredEvaluations = req
	}
	p.Stages = stages
	return p, nil
}

func (e Engine) ListPipelines(ctx context.Context, tenantID string) ([]domain.Pipeline, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return e.Repo.ListPipelines(ctx, tenantID)
}

// UpsertJob mirrors a job owned by the job service.
func (e Engine) UpsertJob(ctx context.Context, tenantID string, actor Actor, j domain.Job) (job domain.Job, err error) {
	defer func() { e.observe(err) }()
	if err := requireTenant(tenantID); err != nil {
		return job, err
	}
	if err := validateID("job", j.ID); err != nil {
		return job, err
	}
	if strings.TrimSpace(j.Title) == "" {
		return job, newError(CodeValidation, "job title is required")
	}
	if j.PipelineID != nil && *j.PipelineID == "" {
		j.PipelineID = nil
	}
	j.TenantID = tenantID
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := e.Repo.GetJob(ctx, tx, j.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			j.CreatedAt = e.timestamp()
		case err != nil:
			return err
		case existing.TenantID != tenantID:
			return newError(CodeTenantMismatch, "job %s belongs to another tenant", j.ID)
		default:
			j.CreatedAt = existing.CreatedAt
		}
		if j.PipelineID != nil {
			if err := validateID("pipeline", *j.PipelineID); err != nil {
				return err
			}
			if _, err := e.loadPipeline(ctx, tx, tenantID, *j.PipelineID); err != nil {
				return err
			}
		}
		return e.Repo.UpsertJob(ctx, tx, j)
	})
	return j, err
}

// UpsertApplication mirrors an application owned by the job service.
func (e Engine) UpsertApplication(ctx context.Context, tenantID string, actor Actor, a domain.Application) (app domain.Application, err error) {
	defer func() { e.observe(err) }()
	if err := requireTenant(tenantID); err != nil {
		return app, err
	}
	if err := validateID("application", a.ID); err != nil {
		return app, err
	}
	if err := validateID("job", a.JobID); err != nil {
		return app, err
	}
	a.TenantID = tenantID
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		job, err := e.Repo.GetJob(ctx, tx, a.JobID)
		if errors.Is(err, repo.ErrNotFound) {
			return newError(CodeNotFound, "job %s not found", a.JobID)
		}
		if err != nil {
			return err
		}
		if job.TenantID != tenantID {
			return newError(CodeTenantMismatch, "job %s belongs to another tenant", a.JobID)
		}
		existing, err := e.Repo.GetApplication(ctx, tx, a.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			a.CreatedAt = e.timestamp()
		case err != nil:
			return err
		case existing.TenantID != tenantID:
			return newError(CodeTenantMismatch, "application %s belongs to another tenant", a.ID)
		default:
			a.CreatedAt = existing.CreatedAt
		}
		return e.Repo.UpsertApplication(ctx, tx, a)
	})
	return a, err
}
