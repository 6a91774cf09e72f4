package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/engine/conditions"
	"stageline/internal/events"
	"stageline/internal/repo"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	codePattern   = regexp.MustCompile(`^[A-Z0-9_]{2,50}$`)
	capPattern    = regexp.MustCompile(`^[a-z0-9_\-]+:([a-z0-9_\-]+|\*)$`)
)

// NormalizeCode uppercases a status or action code and joins words with underscores.
// The result must be 2-50 characters of A-Z, 0-9 and underscore.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(whitespaceRun.ReplaceAllString(strings.TrimSpace(raw), "_"))
	if !codePattern.MatchString(code) {
		return "", newError(CodeValidation, "code %q must be 2-50 characters of A-Z, 0-9 or _", raw)
	}
	return code, nil
}

func validateOutcome(v string) (string, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	if !domain.ValidOutcomeType(v) {
		return "", newError(CodeValidation, "outcome_type %q must be one of %s", v, strings.Join(domain.OutcomeTypes, ", "))
	}
	return v, nil
}

// ValidateCapability checks the ns:verb form, allowing ns:* grants.
func ValidateCapability(capability string) error {
	if !capPattern.MatchString(capability) {
		return newError(CodeValidation, "capability %q must look like namespace:verb", capability)
	}
	return nil
}

func inUseDetails(n int) string {
	return fmt.Sprintf("%d application(s) use this status", n)
}

type StatusInput struct {
	Code        string
	DisplayName string
	ActionCode  string
	OutcomeType string
	IsTerminal  bool
	SortOrder   int
	Color       string
}

// StatusPatch holds optional updates; nil fields are left unchanged.
type StatusPatch struct {
	DisplayName *string
	ActionCode  *string
	OutcomeType *string
	IsTerminal  *bool
	SortOrder   *int
	Color       *string
	IsActive    *bool
}

func (e Engine) CreateStatus(ctx context.Context, tenantID string, actor Actor, in StatusInput) (st domain.ApplicationStatus, err error) {
	defer func() { e.observe(err) }()
	if err := requireTenant(tenantID); err != nil {
		return st, err
	}
	code, err := NormalizeCode(in.Code)
	if err != nil {
		return st, err
	}
	outcome, err := validateOutcome(in.OutcomeType)
	if err != nil {
		return st, err
	}
	actionCode := ""
	if strings.TrimSpace(in.ActionCode) != "" {
		if actionCode, err = NormalizeCode(in.ActionCode); err != nil {
			return st, err
		}
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = code
	}
	now := e.timestamp()
	st = domain.ApplicationStatus{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Code:        code,
		DisplayName: display,
		ActionCode:  actionCode,
		OutcomeType: outcome,
		IsTerminal:  in.IsTerminal,
		SortOrder:   in.SortOrder,
		Color:       strings.TrimSpace(in.Color),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		if err := e.Repo.InsertStatus(ctx, tx, st); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return newError(CodeConflict, "status %s already exists", code)
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeStatusCreated, tenantID, "status", st.ID, actor.ID, events.EventPayload{
			"status_code": st.Code, "outcome_type": st.OutcomeType, "is_terminal": st.IsTerminal,
		})
	})
	return st, err
}

func (e Engine) UpdateStatus(ctx context.Context, tenantID string, actor Actor, id string, patch StatusPatch) (st domain.ApplicationStatus, err error) {
	defer func() { e.observe(err) }()
	if err := validateID("status", id); err != nil {
		return st, err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		cur, err := e.Repo.GetStatus(ctx, tx, tenantID, id)
		if errors.Is(err, repo.ErrNotFound) {
			return newError(CodeNotFound, "status %s not found", id)
		}
		if err != nil {
			return err
		}
		next := cur
		if patch.DisplayName != nil {
			if next.DisplayName = strings.TrimSpace(*patch.DisplayName); next.DisplayName == "" {
				return newError(CodeValidation, "display_name cannot be empty")
			}
		}
		if patch.ActionCode != nil {
			next.ActionCode = ""
			if strings.TrimSpace(*patch.ActionCode) != "" {
				if next.ActionCode, err = NormalizeCode(*patch.ActionCode); err != nil {
					return err
				}
			}
		}
		if patch.OutcomeType != nil {
			if next.OutcomeType, err = validateOutcome(*patch.OutcomeType); err != nil {
				return err
			}
		}
		if patch.IsTerminal != nil {
			next.IsTerminal = *patch.IsTerminal
		}
		if patch.SortOrder != nil {
			next.SortOrder = *patch.SortOrder
		}
		if patch.Color != nil {
			next.Color = strings.TrimSpace(*patch.Color)
		}
		if patch.IsActive != nil {
			next.IsActive = *patch.IsActive
		}
		unterminating := cur.IsTerminal && !next.IsTerminal
		deactivating := cur.IsActive && !next.IsActive
		if unterminating || deactivating {
			n, err := e.Repo.CountStatesWithStatus(ctx, tx, tenantID, cur.Code)
			if err != nil {
				return err
			}
			if n > 0 {
				what := "made non-terminal"
				if !unterminating {
					what = "deactivated"
				}
				return newError(CodeForbidden, "status %s cannot be %s while in use", cur.Code, what).with(inUseDetails(n))
			}
		}
		next.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateStatus(ctx, tx, next); err != nil {
			return err
		}
		st = next
		return e.Events.Append(ctx, tx, events.TypeStatusUpdated, tenantID, "status", st.ID, actor.ID, events.EventPayload{
			"status_code": st.Code, "is_terminal": st.IsTerminal, "is_active": st.IsActive,
		})
	})
	return st, err
}

// DeleteStatus soft-deletes a status that no live application uses.
func (e Engine) DeleteStatus(ctx context.Context, tenantID string, actor Actor, id string) (err error) {
	defer func() { e.observe(err) }()
	if err := validateID("status", id); err != nil {
		return err
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		cur, err := e.Repo.GetStatus(ctx, tx, tenantID, id)
		if errors.Is(err, repo.ErrNotFound) {
			return newError(CodeNotFound, "status %s not found", id)
		}
		if err != nil {
			return err
		}
		n, err := e.Repo.CountStatesWithStatus(ctx, tx, tenantID, cur.Code)
		if err != nil {
			return err
		}
		if n > 0 {
			return newError(CodeForbidden, "status %s is in use and cannot be deleted", cur.Code).with(inUseDetails(n))
		}
		cur.IsActive = false
		cur.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateStatus(ctx, tx, cur); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeStatusDeleted, tenantID, "status", cur.ID, actor.ID, events.EventPayload{"status_code": cur.Code})
	})
}

func (e Engine) ListStatuses(ctx context.Context, tenantID string, includeInactive bool) ([]domain.ApplicationStatus, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return e.Repo.ListStatuses(ctx, tenantID, !includeInactive)
}

type ActionInput struct {
	StageID            string
	Code               string
	DisplayName        string
	OutcomeType        string
	MovesToNextStage   bool
	IsTerminal         bool
	RequiresFeedback   bool
	RequiresNotes      bool
	RequiredCapability string
	SignalConditions   json.RawMessage
	SortOrder          int
}

type ActionPatch struct {
	DisplayName        *string
	OutcomeType        *string
	MovesToNextStage   *bool
	IsTerminal         *bool
	RequiresFeedback   *bool
	RequiresNotes      *bool
	RequiredCapability *string
	// SignalConditions replaces the stored set; JSON null clears it.
	SignalConditions json.RawMessage
	SortOrder        *int
	IsActive         *bool
}

// canonicalConditions validates a condition set and returns its stored form.
func canonicalConditions(raw json.RawMessage) (json.RawMessage, error) {
	set, err := conditions.Parse(raw)
	if err != nil {
		return nil, newError(CodeValidation, "%v", err)
	}
	if set == nil {
		return nil, nil
	}
	return set.JSON()
}

// visibleStage returns a stage whose pipeline the tenant can see.
func (e Engine) visibleStage(ctx context.Context, tx *sql.Tx, tenantID, stageID string) (domain.Stage, error) {
	stage, err := e.Repo.GetStage(ctx, tx, stageID)
	if errors.Is(err, repo.ErrNotFound) {
		return stage, newError(CodeNotFound, "stage %s not found", stageID)
	}
	if err != nil {
		return stage, err
	}
	if _, err := e.loadPipeline(ctx, tx, tenantID, stage.PipelineID); err != nil {
		var engErr *Error
		if errors.As(err, &engErr) {
			return stage, newError(CodeNotFound, "stage %s not found", stageID)
		}
		return stage, err
	}
	return stage, nil
}

func (e Engine) CreateAction(ctx context.Context, tenantID string, actor Actor, in ActionInput) (a domain.StageAction, err error) {
	defer func() { e.observe(err) }()
	if err := requireTenant(tenantID); err != nil {
		return a, err
	}
	if err := validateID("stage", in.StageID); err != nil {
		return a, err
	}
	code, err := NormalizeCode(in.Code)
	if err != nil {
		return a, err
	}
	outcome, err := validateOutcome(in.OutcomeType)
	if err != nil {
		return a, err
	}
	capability := strings.TrimSpace(in.RequiredCapability)
	if err := ValidateCapability(capability); err != nil {
		return a, err
	}
	conds, err := canonicalConditions(in.SignalConditions)
	if err != nil {
		return a, err
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = code
	}
	now := e.timestamp()
	a = domain.StageAction{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		StageID:            in.StageID,
		Code:               code,
		DisplayName:        display,
		OutcomeType:        outcome,
		MovesToNextStage:   in.MovesToNextStage,
		IsTerminal:         in.IsTerminal,
		RequiresFeedback:   in.RequiresFeedback,
		RequiresNotes:      in.RequiresNotes,
		RequiredCapability: capability,
		SignalConditions:   conds,
		SortOrder:          in.SortOrder,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		if _, err := e.visibleStage(ctx, tx, tenantID, in.StageID); err != nil {
			return err
		}
		if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return newError(CodeConflict, "action %s already exists for stage %s", code, in.StageID)
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeActionCreated, tenantID, "action", a.ID, actor.ID, events.EventPayload{
			"action_code": a.Code, "stage_id": a.StageID, "required_capability": a.RequiredCapability,
		})
	})
	return a, err
}

func (e Engine) UpdateAction(ctx context.Context, tenantID string, actor Actor, id string, patch ActionPatch) (domain.StageAction, error) {
	return e.updateAction(ctx, tenantID, actor, id, patch, events.TypeActionUpdated)
}

func (e Engine) updateAction(ctx context.Context, tenantID string, actor Actor, id string, patch ActionPatch, evtType string) (a domain.StageAction, err error) {
	defer func() { e.observe(err) }()
	if err := validateID("action", id); err != nil {
		return a, err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		cur, err := e.Repo.GetAction(ctx, tx, tenantID, id)
		if errors.Is(err, repo.ErrNotFound) {
			return newError(CodeNotFound, "action %s not found", id)
		}
		if err != nil {
			return err
		}
		if patch.DisplayName != nil {
			if cur.DisplayName = strings.TrimSpace(*patch.DisplayName); cur.DisplayName == "" {
				return newError(CodeValidation, "display_name cannot be empty")
			}
		}
		if patch.OutcomeType != nil {
			if cur.OutcomeType, err = validateOutcome(*patch.OutcomeType); err != nil {
				return err
			}
		}
		if patch.RequiredCapability != nil {
			capability := strings.TrimSpace(*patch.RequiredCapability)
			if err := ValidateCapability(capability); err != nil {
				return err
			}
			cur.RequiredCapability = capability
		}
		if patch.SignalConditions != nil {
			if cur.SignalConditions, err = canonicalConditions(patch.SignalConditions); err != nil {
				return err
			}
		}
		setBool(&cur.MovesToNextStage, patch.MovesToNextStage)
		setBool(&cur.IsTerminal, patch.IsTerminal)
		setBool(&cur.RequiresFeedback, patch.RequiresFeedback)
		setBool(&cur.RequiresNotes, patch.RequiresNotes)
		setBool(&cur.IsActive, patch.IsActive)
		if patch.SortOrder != nil {
			cur.SortOrder = *patch.SortOrder
		}
		cur.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateAction(ctx, tx, cur); err != nil {
			return err
		}
		a = cur
		return e.Events.Append(ctx, tx, evtType, tenantID, "action", a.ID, actor.ID, events.EventPayload{
			"action_code": a.Code, "is_active": a.IsActive,
		})
	})
	return a, err
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// DeleteAction soft-deletes a stage action.
func (e Engine) DeleteAction(ctx context.Context, tenantID string, actor Actor, id string) error {
	off := false
	_, err := e.updateAction(ctx, tenantID, actor, id, ActionPatch{IsActive: &off}, events.TypeActionDeleted)
	return err
}

func (e Engine) ListActions(ctx context.Context, tenantID string, f repo.ActionFilters) ([]domain.StageAction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if f.StageID != "" {
		if err := validateID("stage", f.StageID); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListActions(ctx, nil, tenantID, f)
}

// RoleCapabilities is a role with its granted capabilities.
type RoleCapabilities struct {
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
}

// ListCapabilities groups the tenant's grants by role.
func (e Engine) ListCapabilities(ctx context.Context, tenantID string) ([]RoleCapabilities, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := e.Repo.ListRoleCapabilities(ctx, nil, tenantID)
	if err != nil {
		return nil, err
	}
	byRole := map[string][]string{}
	for _, rc := range rows {
		byRole[rc.Role] = append(byRole[rc.Role], rc.Capability)
	}
	out := make([]RoleCapabilities, 0, len(byRole))
	for role, caps := range byRole {
		out = append(out, RoleCapabilities{Role: role, Capabilities: caps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (e Engine) GrantCapability(ctx context.Context, tenantID string, actor Actor, role, capability string) (err error) {
	defer func() { e.observe(err) }()
	role, capability = strings.TrimSpace(role), strings.TrimSpace(capability)
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if role == "" {
		return newError(CodeValidation, "role is required")
	}
	if err := ValidateCapability(capability); err != nil {
		return err
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		if err := e.Repo.GrantCapability(ctx, tx, tenantID, role, capability); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeCapabilityGranted, tenantID, "role", role, actor.ID, events.EventPayload{"capability": capability})
	})
}

func (e Engine) RevokeCapability(ctx context.Context, tenantID string, actor Actor, role, capability string) (err error) {
	defer func() { e.observe(err) }()
	role, capability = strings.TrimSpace(role), strings.TrimSpace(capability)
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		if err := e.Repo.RevokeCapability(ctx, tx, tenantID, role, capability); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return newError(CodeNotFound, "role %s does not hold %s", role, capability)
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeCapabilityRevoked, tenantID, "role", role, actor.ID, events.EventPayload{"capability": capability})
	})
}
