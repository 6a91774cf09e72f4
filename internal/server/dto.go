package server

import (
	"stageline/internal/domain"
	"stageline/internal/engine"
)

// Request payloads

type AttachRequest struct {
	PipelineID string `json:"pipeline_id,omitempty" doc:"Pipeline to attach to; defaults to the job's pipeline"`
}

type ActRequest struct {
	Action         string `json:"action" minLength:"1" example:"ADVANCE"`
	Notes          string `json:"notes,omitempty"`
	OverrideReason string `json:"override_reason,omitempty" doc:"Bypasses evaluation, signal and feedback gates"`
	ReviewedBy     string `json:"reviewed_by,omitempty"`
	ApprovedBy     string `json:"approved_by,omitempty"`
}

type MoveRequest struct {
	ToStageID string `json:"to_stage_id" minLength:"1"`
	Reason    string `json:"reason,omitempty"`
}

type StatusChangeRequest struct {
	Status string `json:"status" minLength:"1" example:"ON_HOLD"`
	Reason string `json:"reason,omitempty"`
}

type CreateStatusRequest struct {
	StatusCode  string `json:"status_code" minLength:"1" example:"OFFER_ACCEPTED"`
	DisplayName string `json:"display_name" minLength:"1"`
	ActionCode  string `json:"action_code,omitempty"`
	OutcomeType string `json:"outcome_type" enum:"ACTIVE,HOLD,SUCCESS,FAILURE,NEUTRAL"`
	IsTerminal  bool   `json:"is_terminal,omitempty"`
	SortOrder   int    `json:"sort_order,omitempty"`
	Color       string `json:"color,omitempty"`
}

type UpdateStatusRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	ActionCode  *string `json:"action_code,omitempty"`
	OutcomeType *string `json:"outcome_type,omitempty" enum:"ACTIVE,HOLD,SUCCESS,FAILURE,NEUTRAL"`
	IsTerminal  *bool   `json:"is_terminal,omitempty"`
	SortOrder   *int    `json:"sort_order,omitempty"`
	Color       *string `json:"color,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

type CreateActionRequest struct {
	StageID            string `json:"stage_id" minLength:"1"`
	ActionCode         string `json:"action_code" minLength:"1" example:"HIRE"`
	DisplayName        string `json:"display_name" minLength:"1"`
	OutcomeType        string `json:"outcome_type" enum:"ACTIVE,HOLD,SUCCESS,FAILURE,NEUTRAL"`
	MovesToNextStage   bool   `json:"moves_to_next_stage,omitempty"`
	IsTerminal         bool   `json:"is_terminal,omitempty"`
	RequiresFeedback   bool   `json:"requires_feedback,omitempty"`
	RequiresNotes      bool   `json:"requires_notes,omitempty"`
	RequiredCapability string `json:"required_capability" minLength:"1" example:"pipeline:hire"`
	SignalConditions   any    `json:"signal_conditions,omitempty" doc:"{logic, conditions[]}"`
	SortOrder          int    `json:"sort_order,omitempty"`
}

type UpdateActionRequest struct {
	DisplayName        *string `json:"display_name,omitempty"`
	OutcomeType        *string `json:"outcome_type,omitempty" enum:"ACTIVE,HOLD,SUCCESS,FAILURE,NEUTRAL"`
	MovesToNextStage   *bool   `json:"moves_to_next_stage,omitempty"`
	IsTerminal         *bool   `json:"is_terminal,omitempty"`
	RequiresFeedback   *bool   `json:"requires_feedback,omitempty"`
	RequiresNotes      *bool   `json:"requires_notes,omitempty"`
	RequiredCapability *string `json:"required_capability,omitempty"`
	SignalConditions   any     `json:"signal_conditions,omitempty" doc:"Replaces the condition set; null clears it"`
	SortOrder          *int    `json:"sort_order,omitempty"`
	IsActive           *bool   `json:"is_active,omitempty"`
}

type CapabilityGrantRequest struct {
	Role       string `json:"role" minLength:"1" example:"recruiter"`
	Capability string `json:"capability" minLength:"1" example:"pipeline:advance"`
}

type SignalRequest struct {
	SignalKey  string `json:"signal_key" minLength:"1" example:"background_check"`
	Value      any    `json:"value,omitempty"`
	ValueType  string `json:"value_type,omitempty" enum:"string,number,boolean,date,list"`
	SourceType string `json:"source_type,omitempty" enum:"EVALUATION,MANUAL,SYSTEM"`
	SourceID   string `json:"source_id,omitempty"`
}

type CreateEvaluationRequest struct {
	TemplateID string `json:"template_id" minLength:"1"`
	StageID    string `json:"stage_id,omitempty"`
	Status     string `json:"status,omitempty" enum:"PENDING,IN_PROGRESS,COMPLETED,CANCELLED"`
}

type CompleteEvaluationRequest struct {
	Signals []SignalRequest `json:"signals,omitempty" doc:"Signals derived from the completed evaluation"`
}

type FeedbackRequest struct {
	StageLabel string `json:"stage_label,omitempty" doc:"Defaults to the current stage name"`
	Rating     *int   `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Notes      string `json:"notes,omitempty"`
}

type CreatePipelineRequest struct {
	Name        string         `json:"name" minLength:"1"`
	Description string         `json:"description,omitempty"`
	Shared      bool           `json:"shared,omitempty"`
	Stages      []StageRequest `json:"stages" minItems:"1"`
}

type StageRequest struct {
	StageName           string                      `json:"stage_name" minLength:"1"`
	StageType           string                      `json:"stage_type,omitempty"`
	Metadata            map[string]any              `json:"metadata,omitempty"`
	RequiredEvaluations []RequiredEvaluationRequest `json:"required_evaluations,omitempty"`
}

type RequiredEvaluationRequest struct {
	TemplateID   string `json:"template_id" minLength:"1"`
	TemplateName string `json:"template_name,omitempty"`
}

type JobRequest struct {
	Title      string `json:"title" minLength:"1"`
	PipelineID string `json:"pipeline_id,omitempty"`
}

type ApplicationRequest struct {
	JobID         string `json:"job_id" minLength:"1"`
	CandidateName string `json:"candidate_name,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string   `json:"actor_id,omitempty" doc:"Defaults to the caller"`
	Name    string   `json:"name,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginRequest struct {
	ActorID  string   `json:"actor_id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID      string   `json:"actor_id"`
	TenantID     string   `json:"tenant_id,omitempty"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
	Source       string   `json:"source"`
}

type APIKeyCreatedResponse struct {
	domain.APIKey
	Key string `json:"key" doc:"Shown once"`
}

type StatusList struct {
	Items []domain.ApplicationStatus `json:"items"`
}

type ActionList struct {
	Items []domain.StageAction `json:"items"`
}

type PipelineList struct {
	Items []domain.Pipeline `json:"items"`
}

type SignalList struct {
	Items []domain.Signal `json:"items"`
}

type ExecutionLogList struct {
	Items []domain.ActionExecutionLog `json:"items"`
}

type APIKeyList struct {
	Items []domain.APIKey `json:"items"`
}

type CapabilitiesResponse struct {
	Roles []engine.RoleCapabilities `json:"roles"`
}
