package domain

import "encoding/json"

// Outcome types classify statuses and actions.
const (
	OutcomeActive  = "ACTIVE"
	OutcomeHold    = "HOLD"
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
	OutcomeNeutral = "NEUTRAL"
)

var OutcomeTypes = []string{OutcomeActive, OutcomeHold, OutcomeSuccess, OutcomeFailure, OutcomeNeutral}

func ValidOutcomeType(v string) bool {
	for _, o := range OutcomeTypes {
		if o == v {
			return true
		}
	}
	return false
}

// Signal sources.
const (
	SourceEvaluation = "EVALUATION"
	SourceManual     = "MANUAL"
	SourceSystem     = "SYSTEM"
)

// Evaluation instance statuses.
const (
	EvaluationPending    = "PENDING"
	EvaluationInProgress = "IN_PROGRESS"
	EvaluationCompleted  = "COMPLETED"
	EvaluationCancelled  = "CANCELLED"
)

// History action labels for transitions that do not come from the catalog.
const (
	HistoryAttach       = "ATTACH"
	HistoryMove         = "MOVE"
	HistoryStatusChange = "STATUS_CHANGE"
)

type Pipeline struct {
	ID          string  `json:"id"`
	TenantID    *string `json:"tenant_id,omitempty"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	Stages      []Stage `json:"stages,omitempty"`
}

type Stage struct {
	ID                  string               `json:"id"`
	PipelineID          string               `json:"pipeline_id"`
	Name                string               `json:"stage_name"`
	Type                string               `json:"stage_type"`
	OrderIndex          int                  `json:"order_index"`
	MetadataJSON        string               `json:"metadata_json,omitempty"`
	RequiredEvaluations []RequiredEvaluation `json:"required_evaluations,omitempty"`
}

type RequiredEvaluation struct {
	StageID      string `json:"stage_id"`
	TemplateID   string `json:"template_id"`
	TemplateName string `json:"template_name"`
}

type Job struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	Title      string  `json:"title"`
	PipelineID *string `json:"pipeline_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Application struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	JobID         string `json:"job_id"`
	CandidateName string `json:"candidate_name,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type ApplicationStatus struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Code        string `json:"status_code"`
	DisplayName string `json:"display_name"`
	ActionCode  string `json:"action_code,omitempty"`
	OutcomeType string `json:"outcome_type" enum:"ACTIVE,HOLD,SUCCESS,FAILURE,NEUTRAL"`
	IsTerminal  bool   `json:"is_terminal"`
	SortOrder   int    `json:"sort_order"`
	Color       string `json:"color,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type StageAction struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	StageID            string          `json:"stage_id"`
	Code               string          `json:"action_code"`
	DisplayName        string          `json:"display_name"`
	OutcomeType        string          `json:"outcome_type" enum:"ACTIVE,HOLD,SUCCESS,FAILURE,NEUTRAL"`
	MovesToNextStage   bool            `json:"moves_to_next_stage"`
	IsTerminal         bool            `json:"is_terminal"`
	RequiresFeedback   bool            `json:"requires_feedback"`
	RequiresNotes      bool            `json:"requires_notes"`
	RequiredCapability string          `json:"required_capability"`
	SignalConditions   json.RawMessage `json:"signal_conditions,omitempty"`
	SortOrder          int             `json:"sort_order"`
	IsActive           bool            `json:"is_active"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
}

type RoleCapability struct {
	TenantID   string `json:"tenant_id"`
	Role       string `json:"role_name"`
	Capability string `json:"capability"`
}

// PipelineState is the single live row for an application.
type PipelineState struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	ApplicationID  string `json:"application_id"`
	PipelineID     string `json:"pipeline_id"`
	CurrentStageID string `json:"current_stage_id"`
	Status         string `json:"status"`
	OutcomeType    string `json:"outcome_type"`
	IsTerminal     bool   `json:"is_terminal"`
	EnteredStageAt string `json:"entered_stage_at" format:"date-time"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type StageHistory struct {
	Seq           int64   `json:"-"`
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	ApplicationID string  `json:"application_id"`
	FromStageID   *string `json:"from_stage_id"`
	ToStageID     *string `json:"to_stage_id"`
	Action        string  `json:"action"`
	ChangedBy     string  `json:"changed_by"`
	ChangedAt     string  `json:"changed_at" format:"date-time"`
	Reason        string  `json:"reason,omitempty"`
}

type ActionExecutionLog struct {
	ID                  string                `json:"id"`
	TenantID            string                `json:"tenant_id"`
	ApplicationID       string                `json:"application_id"`
	ActionCode          string                `json:"action_code"`
	StageID             string                `json:"stage_id"`
	ExecutedBy          string                `json:"executed_by"`
	ExecutedAt          string                `json:"executed_at" format:"date-time"`
	SignalSnapshot      map[string]SignalView `json:"signal_snapshot"`
	ConditionsEvaluated []ConditionResult     `json:"conditions_evaluated"`
	DecisionNote        string                `json:"decision_note,omitempty"`
	OverrideReason      string                `json:"override_reason,omitempty"`
	ReviewedBy          string                `json:"reviewed_by,omitempty"`
	ApprovedBy          string                `json:"approved_by,omitempty"`
	OutcomeType         string                `json:"outcome_type"`
	IsTerminal          bool                  `json:"is_terminal"`
	FromStageID         *string               `json:"from_stage_id"`
	ToStageID           *string               `json:"to_stage_id"`
}

type Signal struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	ApplicationID string          `json:"application_id"`
	Key           string          `json:"signal_key"`
	Value         json.RawMessage `json:"value"`
	ValueType     string          `json:"value_type"`
	SourceType    string          `json:"source_type" enum:"EVALUATION,MANUAL,SYSTEM"`
	SourceID      string          `json:"source_id,omitempty"`
	SetBy         string          `json:"set_by"`
	SetAt         string          `json:"set_at" format:"date-time"`
	SupersededAt  *string         `json:"superseded_at,omitempty"`
	SupersededBy  *string         `json:"superseded_by,omitempty"`
}

// SignalView is the point-in-time copy of a signal stored in execution logs.
type SignalView struct {
	Value  json.RawMessage `json:"value"`
	Type   string          `json:"type"`
	SetAt  string          `json:"set_at"`
	SetBy  string          `json:"set_by"`
	Source string          `json:"source"`
}

// ConditionResult records how one signal condition evaluated.
type ConditionResult struct {
	Signal   string          `json:"signal"`
	Operator string          `json:"operator"`
	Expected json.RawMessage `json:"expected"`
	Actual   json.RawMessage `json:"actual"`
	Met      bool            `json:"met"`
	Warning  bool            `json:"warning,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

type EvaluationInstance struct {
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	ApplicationID string  `json:"application_id"`
	TemplateID    string  `json:"template_id"`
	StageID       *string `json:"stage_id,omitempty"`
	Status        string  `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED,CANCELLED"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

type Feedback struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	ApplicationID string `json:"application_id"`
	StageLabel    string `json:"stage_label"`
	SubmittedBy   string `json:"submitted_by"`
	Rating        *int   `json:"rating,omitempty"`
	Notes         string `json:"notes,omitempty"`
	SubmittedAt   string `json:"submitted_at" format:"date-time"`
}

type APIKey struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles"`
	KeyHash   string   `json:"-"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload" jsonschema:"type=object"`
}
