package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
	"stageline/internal/engine/conditions"
)

// Catalog models stageline.yml: per-tenant statuses, role capabilities and pipelines
// with their stage actions.
type Catalog struct {
	Tenants []TenantCatalog `yaml:"tenants"`
}

type TenantCatalog struct {
	ID        string              `yaml:"id"`
	Statuses  []StatusSpec        `yaml:"statuses"`
	Roles     map[string][]string `yaml:"roles"`
	Pipelines []PipelineSpec      `yaml:"pipelines"`
}

type StatusSpec struct {
	Code        string `yaml:"code"`
	DisplayName string `yaml:"display_name"`
	ActionCode  string `yaml:"action_code"`
	OutcomeType string `yaml:"outcome_type"`
	Terminal    bool   `yaml:"terminal"`
	SortOrder   int    `yaml:"sort_order"`
	Color       string `yaml:"color"`
}

type PipelineSpec struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Stages      []StageSpec `yaml:"stages"`
}

type StageSpec struct {
	Name                string           `yaml:"name"`
	Type                string           `yaml:"type"`
	Metadata            map[string]any   `yaml:"metadata"`
	RequiredEvaluations []EvaluationSpec `yaml:"required_evaluations"`
	Actions             []ActionSpec     `yaml:"actions"`
}

type EvaluationSpec struct {
	TemplateID string `yaml:"template_id"`
	Name       string `yaml:"name"`
}

type ActionSpec struct {
	Code             string          `yaml:"code"`
	DisplayName      string          `yaml:"display_name"`
	OutcomeType      string          `yaml:"outcome_type"`
	MovesToNextStage bool            `yaml:"moves_to_next_stage"`
	Terminal         bool            `yaml:"terminal"`
	RequiresFeedback bool            `yaml:"requires_feedback"`
	RequiresNotes    bool            `yaml:"requires_notes"`
	Capability       string          `yaml:"capability"`
	SignalConditions *conditions.Set `yaml:"signal_conditions"`
	SortOrder        int             `yaml:"sort_order"`
}

// Validate ensures the catalog meets required structure. Code normalization is left to
// the engine, which applies the same rules as the HTTP surface.
func (c *Catalog) Validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("catalog.tenants is required")
	}
	seen := map[string]bool{}
	for _, t := range c.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("catalog.tenants contains empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("tenant %s declared twice", t.ID)
		}
		seen[t.ID] = true
		for _, s := range t.Statuses {
			if s.Code == "" {
				return fmt.Errorf("tenant %s has a status without code", t.ID)
			}
			if !domain.ValidOutcomeType(s.OutcomeType) {
				return fmt.Errorf("status %s has invalid outcome_type %q", s.Code, s.OutcomeType)
			}
		}
		for role, caps := range t.Roles {
			if role == "" {
				return fmt.Errorf("tenant %s has empty role name", t.ID)
			}
			for _, capability := range caps {
				if capability == "" {
					return fmt.Errorf("role %s has empty capability", role)
				}
			}
		}
		for _, p := range t.Pipelines {
			if err := p.validate(); err != nil {
				return fmt.Errorf("tenant %s: %w", t.ID, err)
			}
		}
	}
	return nil
}

func (p PipelineSpec) validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s has no stages", p.Name)
	}
	for _, st := range p.Stages {
		if st.Name == "" {
			return fmt.Errorf("pipeline %s has a stage without name", p.Name)
		}
		for _, ev := range st.RequiredEvaluations {
			if ev.TemplateID == "" {
				return fmt.Errorf("stage %s has a required evaluation without template_id", st.Name)
			}
		}
		for _, a := range st.Actions {
			if a.Code == "" {
				return fmt.Errorf("stage %s has an action without code", st.Name)
			}
			if !domain.ValidOutcomeType(a.OutcomeType) {
				return fmt.Errorf("action %s has invalid outcome_type %q", a.Code, a.OutcomeType)
			}
			if a.Capability == "" {
				return fmt.Errorf("action %s requires a capability", a.Code)
			}
			if a.SignalConditions != nil {
				a.SignalConditions.Normalize()
				if err := a.SignalConditions.Validate(); err != nil {
					return fmt.Errorf("action %s: %w", a.Code, err)
				}
			}
		}
	}
	return nil
}

// Tenant returns the catalog for one tenant.
func (c *Catalog) Tenant(id string) (TenantCatalog, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantCatalog{}, false
}

// CatalogPath returns the catalog file path for a workspace.
func CatalogPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefaultCatalog returns the starter catalog YAML for a tenant.
func GenerateDefaultCatalog(tenantID string) string {
	return fmt.Sprintf(defaultCatalogTemplate, tenantID)
}

// DefaultCatalog returns the starter catalog for a tenant.
func DefaultCatalog(tenantID string) *Catalog {
	var c Catalog
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefaultCatalog(tenantID))).Decode(&c)
	return &c
}

// CatalogFromYAML parses and validates a catalog from raw YAML bytes.
func CatalogFromYAML(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// CatalogFromFile reads a YAML catalog from the given path.
func CatalogFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return CatalogFromYAML(data)
}

const defaultCatalogTemplate = `tenants:
  - id: %s
    statuses:
      - {code: IN_PROGRESS, display_name: "In progress", action_code: ADVANCE, outcome_type: ACTIVE, sort_order: 1, color: "#2f80ed"}
      - {code: ON_HOLD, display_name: "On hold", action_code: HOLD, outcome_type: HOLD, sort_order: 2, color: "#f2c94c"}
      - {code: OFFER_ACCEPTED, display_name: "Offer accepted", action_code: HIRE, outcome_type: SUCCESS, terminal: true, sort_order: 10, color: "#27ae60"}
      - {code: REJECTED, display_name: "Rejected", action_code: REJECT, outcome_type: FAILURE, terminal: true, sort_order: 11, color: "#eb5757"}
      - {code: WITHDRAWN, display_name: "Withdrawn", action_code: WITHDRAW, outcome_type: NEUTRAL, terminal: true, sort_order: 12}
    roles:
      recruiter: ["pipeline:advance", "pipeline:reject", "pipeline:hold", "signals:*"]
      hiring_manager: ["pipeline:*", "settings:read"]
      admin: ["pipeline:*", "settings:*", "signals:*"]
    pipelines:
      - name: Standard hiring
        description: Default pipeline for new jobs
        stages:
          - name: Applied
            type: intake
            actions:
              - {code: ADVANCE, display_name: "Move to screen", outcome_type: ACTIVE, moves_to_next_stage: true, capability: "pipeline:advance", sort_order: 1}
              - {code: REJECT, display_name: "Reject", outcome_type: FAILURE, terminal: true, requires_notes: true, capability: "pipeline:reject", sort_order: 9}
          - name: Screen
            type: screen
            required_evaluations:
              - {template_id: phone-screen, name: "Phone screen"}
            actions:
              - {code: ADVANCE, display_name: "Move to interview", outcome_type: ACTIVE, moves_to_next_stage: true, capability: "pipeline:advance", sort_order: 1}
              - {code: HOLD, display_name: "Put on hold", outcome_type: HOLD, capability: "pipeline:hold", sort_order: 5}
              - {code: RESUME, display_name: "Resume", outcome_type: ACTIVE, capability: "pipeline:hold", sort_order: 6}
              - {code: REJECT, display_name: "Reject", outcome_type: FAILURE, terminal: true, requires_notes: true, capability: "pipeline:reject", sort_order: 9}
          - name: Interview
            type: interview
            actions:
              - {code: ADVANCE, display_name: "Move to offer", outcome_type: ACTIVE, moves_to_next_stage: true, requires_feedback: true, capability: "pipeline:advance", sort_order: 1}
              - {code: REJECT, display_name: "Reject", outcome_type: FAILURE, terminal: true, requires_notes: true, capability: "pipeline:reject", sort_order: 9}
          - name: Offer
            type: offer
            actions:
              - code: HIRE
                display_name: Hire
                outcome_type: SUCCESS
                terminal: true
                capability: "pipeline:hire"
                sort_order: 1
                signal_conditions:
                  logic: ALL
                  conditions:
                    - {signal: background_check, operator: "=", value: true, onMissing: BLOCK}
              - {code: WITHDRAW, display_name: "Candidate withdrew", outcome_type: NEUTRAL, terminal: true, capability: "pipeline:advance", sort_order: 8}
              - {code: REJECT, display_name: "Reject", outcome_type: FAILURE, terminal: true, requires_notes: true, capability: "pipeline:reject", sort_order: 9}
`
