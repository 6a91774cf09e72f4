package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g.
// http://localhost:8080/v1.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// State is an application's current pipeline position.
type State struct {
	ID                string `json:"id"`
	ApplicationID     string `json:"applicationId"`
	JobID             string `json:"jobId"`
	PipelineID        string `json:"pipelineId"`
	CurrentStageID    string `json:"currentStageId"`
	CurrentStageName  string `json:"currentStageName"`
	CurrentStageIndex int    `json:"currentStageIndex"`
	Status            string `json:"status"`
	OutcomeType       string `json:"outcomeType"`
	IsTerminal        bool   `json:"isTerminal"`
	EnteredStageAt    string `json:"enteredStageAt"`
}

// Action is one entry of an application's action menu (partial).
type Action struct {
	ActionCode         string `json:"actionCode"`
	DisplayName        string `json:"displayName"`
	OutcomeType        string `json:"outcomeType"`
	IsTerminal         bool   `json:"isTerminal"`
	MovesToNextStage   bool   `json:"movesToNextStage"`
	RequiresNotes      bool   `json:"requiresNotes"`
	RequiresFeedback   bool   `json:"requiresFeedback"`
	RequiredCapability string `json:"requiredCapability"`
	SignalsMet         bool   `json:"signalsMet"`
	FeedbackSubmitted  *bool  `json:"feedbackSubmitted,omitempty"`
}

type ActionMenu struct {
	ApplicationID       string   `json:"applicationId"`
	CurrentStageID      string   `json:"currentStageId"`
	CurrentStageName    string   `json:"currentStageName"`
	Status              string   `json:"status"`
	EvaluationsComplete bool     `json:"evaluationsComplete"`
	AvailableActions    []Action `json:"availableActions"`
}

// ActOptions carries the optional fields of an action execution.
type ActOptions struct {
	Notes          string `json:"notes,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`
	ReviewedBy     string `json:"reviewed_by,omitempty"`
	ApprovedBy     string `json:"approved_by,omitempty"`
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

// HistoryPage wraps a page of history with offset pagination.
type HistoryPage struct {
	Data       []HistoryEntry `json:"data"`
	Pagination struct {
		Total   int  `json:"total"`
		Limit   int  `json:"limit"`
		Offset  int  `json:"offset"`
		HasMore bool `json:"hasMore"`
	} `json:"pagination"`
}

// Signal is the current value of an application signal.
type Signal struct {
	ID         string          `json:"id"`
	Key        string          `json:"signal_key"`
	Value      json.RawMessage `json:"value"`
	ValueType  string          `json:"value_type"`
	SourceType string          `json:"source_type"`
	SetBy      string          `json:"set_by"`
	SetAt      string          `json:"set_at"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Attach places an application at the first stage of a pipeline. An empty pipelineID
// uses the job's pipeline.
func (c *Client) Attach(ctx context.Context, applicationID, pipelineID string) (State, error) {
	var body any
	if pipelineID != "" {
		body = map[string]any{"pipeline_id": pipelineID}
	}
	var resp State
	err := c.do(ctx, http.MethodPost, applicationPath(applicationID, "attach"), body, &resp)
	return resp, err
}

// State returns an application's current state.
func (c *Client) State(ctx context.Context, applicationID string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, applicationPath(applicationID, ""), nil, &resp)
	return resp, err
}

// Actions returns the action menu for the caller.
func (c *Client) Actions(ctx context.Context, applicationID string) (ActionMenu, error) {
	var resp ActionMenu
	err := c.do(ctx, http.MethodGet, applicationPath(applicationID, "actions"), nil, &resp)
	return resp, err
}

// Act executes a stage action.
func (c *Client) Act(ctx context.Context, applicationID, action string, opts ActOptions) (State, error) {
	body := struct {
		Action string `json:"action"`
		ActOptions
	}{Action: action, ActOptions: opts}
	var resp State
	err := c.do(ctx, http.MethodPost, applicationPath(applicationID, "act"), body, &resp)
	return resp, err
}

// Move moves an application to another stage of its pipeline.
func (c *Client) Move(ctx context.Context, applicationID, toStageID, reason string) (State, error) {
	body := map[string]any{"to_stage_id": toStageID, "reason": reason}
	var resp State
	err := c.do(ctx, http.MethodPost, applicationPath(applicationID, "move"), body, &resp)
	return resp, err
}

// SetStatus assigns a catalog status directly.
func (c *Client) SetStatus(ctx context.Context, applicationID, status, reason string) (State, error) {
	body := map[string]any{"status": status, "reason": reason}
	var resp State
	err := c.do(ctx, http.MethodPatch, applicationPath(applicationID, "status"), body, &resp)
	return resp, err
}

// History returns a page of stage history, newest first.
func (c *Client) History(ctx context.Context, applicationID string, limit, offset int) (HistoryPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	endpoint := applicationPath(applicationID, "history")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp HistoryPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetSignal records a signal value; the type is inferred when valueType is empty.
func (c *Client) SetSignal(ctx context.Context, applicationID, key string, value any, valueType string) (Signal, error) {
	body := map[string]any{"signal_key": key, "value": value}
	if valueType != "" {
		body["value_type"] = valueType
	}
	var resp Signal
	err := c.do(ctx, http.MethodPost, applicationPath(applicationID, "signals"), body, &resp)
	return resp, err
}

// Signals returns the current signals of an application.
func (c *Client) Signals(ctx context.Context, applicationID string) ([]Signal, error) {
	var resp struct {
		Items []Signal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, applicationPath(applicationID, "signals"), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.TenantID != "" {
		req.Header.Set("X-Tenant-Id", c.TenantID)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func applicationPath(applicationID, p string) string {
	endpoint := "applications/" + url.PathEscape(applicationID)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
