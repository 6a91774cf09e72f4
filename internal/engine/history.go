package engine

import (
	"context"

	"stageline/internal/domain"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// NormalizeLimit applies the default page size and caps it.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

type HistoryEntry struct {
	ID            string  `json:"id"`
	FromStageID   *string `json:"fromStageId"`
	FromStageName *string `json:"fromStageName"`
	ToStageID     *string `json:"toStageId"`
	ToStageName   *string `json:"toStageName"`
	Action        string  `json:"action"`
	ChangedBy     string  `json:"changedBy"`
	ChangedAt     string  `json:"changedAt"`
	Reason        string  `json:"reason,omitempty"`
}

type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type HistoryPage struct {
	Data       []HistoryEntry `json:"data"`
	Pagination Pagination     `json:"pagination"`
}

// History returns an application's stage history newest first.
func (e Engine) History(ctx context.Context, tenantID, applicationID string, limit, offset int) (HistoryPage, error) {
	if err := requireTenant(tenantID); err != nil {
		return HistoryPage{}, err
	}
	if err := validateID("application", applicationID); err != nil {
		return HistoryPage{}, err
	}
	if offset < 0 {
		return HistoryPage{}, newError(CodeValidation, "offset must be >= 0")
	}
	limit = NormalizeLimit(limit)
	if _, err := e.loadApplication(ctx, nil, tenantID, applicationID); err != nil {
		return HistoryPage{}, err
	}
	total, err := e.Repo.CountHistory(ctx, tenantID, applicationID)
	if err != nil {
		return HistoryPage{}, err
	}
	var rows []domain.StageHistory
	if offset < total {
		if rows, err = e.Repo.ListHistory(ctx, tenantID, applicationID, limit, offset); err != nil {
			return HistoryPage{}, err
		}
	}
	seen := map[string]bool{}
	var ids []string
	for _, h := range rows {
		for _, id := range []*string{h.FromStageID, h.ToStageID} {
			if id != nil && !seen[*id] {
				seen[*id] = true
				ids = append(ids, *id)
			}
		}
	}
	names, err := e.Repo.StageNames(ctx, nil, ids)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{
		Data:       make([]HistoryEntry, 0, len(rows)),
		Pagination: Pagination{Total: total, Limit: limit, Offset: offset, HasMore: offset < total-limit},
	}
	for _, h := range rows {
		page.Data = append(page.Data, HistoryEntry{
			ID:            h.ID,
			FromStageID:   h.FromStageID,
			FromStageName: stageName(names, h.FromStageID),
			ToStageID:     h.ToStageID,
			ToStageName:   stageName(names, h.ToStageID),
			Action:        h.Action,
			ChangedBy:     h.ChangedBy,
			ChangedAt:     h.ChangedAt,
			Reason:        h.Reason,
		})
	}
	return page, nil
}

func stageName(names map[string]string, id *string) *string {
	if id == nil {
		return nil
	}
	if n, ok := names[*id]; ok {
		return &n
	}
	return nil
}

// ExecutionLogs returns the audit log of every transition, oldest first.
func (e Engine) ExecutionLogs(ctx context.Context, tenantID, applicationID string) ([]domain.ActionExecutionLog, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := validateID("application", applicationID); err != nil {
		return nil, err
	}
	if _, err := e.loadApplication(ctx, nil, tenantID, applicationID); err != nil {
		return nil, err
	}
	logs, err := e.Repo.ListExecutionLogs(ctx, tenantID, applicationID)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []domain.ActionExecutionLog{}
	}
	return logs, nil
}
