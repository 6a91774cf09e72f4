package engine

import (
	"context"

	"stageline/internal/repo"
)

type BoardFilters struct {
	Status string
	JobID  string
}

type BoardApplication struct {
	ApplicationID  string `json:"applicationId"`
	JobID          string `json:"jobId"`
	CandidateName  string `json:"candidateName,omitempty"`
	Status         string `json:"status"`
	OutcomeType    string `json:"outcomeType"`
	IsTerminal     bool   `json:"isTerminal"`
	EnteredStageAt string `json:"enteredStageAt"`
}

type BoardStage struct {
	StageID      string             `json:"stageId"`
	StageName    string             `json:"stageName"`
	StageType    string             `json:"stageType,omitempty"`
	OrderIndex   int                `json:"orderIndex"`
	Applications []BoardApplication `json:"applications"`
	Count        int                `json:"count"`
}

// BoardView groups a pipeline's applications by their current stage.
type BoardView struct {
	PipelineID        string       `json:"pipelineId"`
	PipelineName      string       `json:"pipelineName"`
	Stages            []BoardStage `json:"stages"`
	TotalApplications int          `json:"totalApplications"`
}

// Board returns the pipeline's stages in order with the tenant's applications in each.
func (e Engine) Board(ctx context.Context, tenantID, pipelineID string, f BoardFilters) (BoardView, error) {
	if err := requireTenant(tenantID); err != nil {
		return BoardView{}, err
	}
	if err := validateID("pipeline", pipelineID); err != nil {
		return BoardView{}, err
	}
	p, err := e.loadPipeline(ctx, nil, tenantID, pipelineID)
	if err != nil {
		return BoardView{}, err
	}
	stages, err := e.Repo.ListStages(ctx, nil, pipelineID)
	if err != nil {
		return BoardView{}, err
	}
	filters := repo.BoardFilters{JobID: f.JobID}
	if f.Status != "" {
		code, err := NormalizeCode(f.Status)
		if err != nil {
			return BoardView{}, err
		}
		filters.Status = code
	}
	rows, err := e.Repo.ListBoardStates(ctx, tenantID, pipelineID, filters)
	if err != nil {
		return BoardView{}, err
	}
	byStage := make(map[string][]BoardApplication, len(stages))
	for _, r := range rows {
		byStage[r.State.CurrentStageID] = append(byStage[r.State.CurrentStageID], boardApplication(r))
	}
	view := BoardView{PipelineID: p.ID, PipelineName: p.Name, Stages: make([]BoardStage, 0, len(stages))}
	for _, s := range stages {
		apps := byStage[s.ID]
		if apps == nil {
			apps = []BoardApplication{}
		}
		view.Stages = append(view.Stages, BoardStage{
			StageID:      s.ID,
			StageName:    s.Name,
			StageType:    s.Type,
			OrderIndex:   s.OrderIndex,
			Applications: apps,
			Count:        len(apps),
		})
		view.TotalApplications += len(apps)
	}
	return view, nil
}

func boardApplication(r repo.BoardRow) BoardApplication {
	return BoardApplication{
		ApplicationID:  r.State.ApplicationID,
		JobID:          r.JobID,
		CandidateName:  r.CandidateName,
		Status:         r.State.Status,
		OutcomeType:    r.State.OutcomeType,
		IsTerminal:     r.State.IsTerminal,
		EnteredStageAt: r.State.EnteredStageAt,
	}
}
