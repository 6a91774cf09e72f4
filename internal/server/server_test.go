package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/telemetry"
)

const (
	testTenant = "acme"
	testSecret = "test-secret"
)

type testServer struct {
	URL      string
	client   *http.Client
	engine   engine.Engine
	pipeline domain.Pipeline
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, dialect))
	e := engine.New(conn, dialect, engine.Options{
		OverrideCapability: config.DefaultOverrideCapability,
		Metrics:            telemetry.NewMetrics(),
	})
	_, err = app.SeedCatalog(ctx, e, config.DefaultCatalog(testTenant), "seed")
	require.NoError(t, err)
	pipelines, err := e.ListPipelines(ctx, testTenant)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	pipeline, err := e.GetPipeline(ctx, testTenant, pipelines[0].ID)
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevHeaders: true},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{Timeout: 10 * time.Second},
		engine:   e,
		pipeline: pipeline,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(actor, roles string) map[string]string {
	return map[string]string{headerActor: actor, headerRoles: roles, headerTenant: testTenant}
}

var (
	recruiter = as("rita", "recruiter")
	manager   = as("hank", "hiring_manager")
	admin     = as("ada", "admin")
)

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func requireAPIError(t *testing.T, res *http.Response, data []byte, status int, code string) apiError {
	t.Helper()
	require.Equal(t, status, res.StatusCode, string(data))
	body := decode[apiError](t, data)
	assert.Equal(t, code, body.Code)
	assert.Equal(t, status, body.StatusCode)
	assert.NotEmpty(t, body.Message)
	return body
}

// mirror registers a job on the seeded pipeline and an application for it.
func (s *testServer) mirror(t *testing.T, jobID, appID string) {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPut, s.URL+"/v1/jobs/"+jobID, map[string]any{
		"title": "Backend engineer", "pipeline_id": s.pipeline.ID,
	}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, s.Client(), http.MethodPut, s.URL+"/v1/applications/"+appID, map[string]any{
		"job_id": jobID, "candidate_name": "Grace",
	}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func (s *testServer) act(t *testing.T, appID string, body map[string]any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/applications/"+appID+"/act", body, headers)
}

func findAction(menu engine.ActionMenu, code string) (engine.AvailableAction, bool) {
	for _, a := range menu.AvailableActions {
		if a.ActionCode == code {
			return a, true
		}
	}
	return engine.AvailableAction{}, false
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
		Components struct {
			SecuritySchemes map[string]struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &oas))
	act, ok := oas.Paths["/v1/applications/{application_id}/act"]["post"]
	require.True(t, ok)
	assert.Equal(t, []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}, act.Security)
	assert.Equal(t, []map[string][]string{{}}, oas.Paths["/v1/health"]["get"].Security)
	assert.Equal(t, "http", oas.Components.SecuritySchemes["bearerAuth"].Type)
	assert.Equal(t, headerAPIKey, oas.Components.SecuritySchemes["apiKeyAuth"].Name)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/docs", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestMissingCredentialsAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/settings/statuses", nil, nil)
	requireAPIError(t, res, data, http.StatusUnauthorized, "UNAUTHORIZED")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/settings/statuses", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	requireAPIError(t, res, data, http.StatusUnauthorized, "UNAUTHORIZED")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/settings/statuses", nil,
		map[string]string{headerActor: "rita"})
	requireAPIError(t, res, data, http.StatusBadRequest, "VALIDATION")
}

func TestJWTTenantScoping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token, err := signDevToken(testSecret, "hank", testTenant, []string{"hiring_manager"}, time.Hour)
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "hank", me.ActorID)
	assert.Equal(t, testTenant, me.TenantID)
	assert.Equal(t, "jwt", me.Source)
	assert.Contains(t, me.Capabilities, "pipeline:*")

	bearer[headerTenant] = "globex"
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer)
	requireAPIError(t, res, data, http.StatusForbidden, "TENANT_MISMATCH")

	bearer[headerTenant] = testTenant
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "ada", "tenant_id": testTenant, "roles": []string{"admin"},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	login := decode[DevLoginResponse](t, data)
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/settings/capabilities", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	caps := decode[CapabilitiesResponse](t, data)
	assert.Len(t, caps.Roles, 3)
}

func TestAPIKeyLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/settings/api-keys", map[string]any{
		"actor_id": "ats-sync", "name": "sync job", "roles": []string{"recruiter"},
	}, recruiter)
	requireAPIError(t, res, data, http.StatusForbidden, "FORBIDDEN")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/settings/api-keys", map[string]any{
		"actor_id": "ats-sync", "name": "sync job", "roles": []string{"recruiter"},
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[APIKeyCreatedResponse](t, data)
	require.NotEmpty(t, created.Key)

	keyHeader := map[string]string{headerAPIKey: created.Key}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, keyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "ats-sync", me.ActorID)
	assert.Equal(t, testTenant, me.TenantID)
	assert.Contains(t, me.Capabilities, "pipeline:advance")

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/settings/api-keys/"+created.ID, nil, admin)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, keyHeader)
	requireAPIError(t, res, data, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestHireFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	base := srv.URL + "/v1/applications/app-1"
	srv.mirror(t, "job-1", "app-1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/attach", nil, recruiter)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	state := decode[engine.StateView](t, data)
	assert.Equal(t, "Applied", state.CurrentStageName)
	assert.Equal(t, "IN_PROGRESS", state.Status)
	assert.Equal(t, domain.OutcomeActive, state.OutcomeType)

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/attach", nil, recruiter)
	requireAPIError(t, res, data, http.StatusConflict, "CONFLICT")

	res, data = srv.act(t, "app-1", map[string]any{"action": "ADVANCE"}, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	state = decode[engine.StateView](t, data)
	assert.Equal(t, "Screen", state.CurrentStageName)
	assert.Equal(t, 1, state.CurrentStageIndex)

	res, data = srv.act(t, "app-1", map[string]any{"action": "ADVANCE"}, recruiter)
	apiErr := requireAPIError(t, res, data, http.StatusForbidden, "EVALUATIONS_INCOMPLETE")
	assert.Contains(t, string(data), "phone-screen")
	assert.NotNil(t, apiErr.Details)

	screen := srv.pipeline.Stages[1]
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/evaluations", map[string]any{
		"template_id": "phone-screen", "stage_id": screen.ID,
	}, recruiter)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	ev := decode[domain.EvaluationInstance](t, data)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/evaluations/"+ev.ID+"/complete", map[string]any{
		"signals": []map[string]any{{"signal_key": "screen_score", "value": 4}},
	}, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.EvaluationCompleted, decode[domain.EvaluationInstance](t, data).Status)

	res, data = srv.act(t, "app-1", map[string]any{"action": "ADVANCE"}, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "Interview", decode[engine.StateView](t, data).CurrentStageName)

	res, data = srv.act(t, "app-1", map[string]any{"action": "ADVANCE"}, recruiter)
	requireAPIError(t, res, data, http.StatusForbidden, "FEEDBACK_REQUIRED")

	rating := 4
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/feedback", map[string]any{
		"rating": rating, "notes": "strong systems design",
	}, manager)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.Equal(t, "Interview", decode[domain.Feedback](t, data).StageLabel)

	res, data = srv.act(t, "app-1", map[string]any{"action": "ADVANCE"}, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "Offer", decode[engine.StateView](t, data).CurrentStageName)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/actions", nil, manager)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	hire, ok := findAction(decode[engine.ActionMenu](t, data), "HIRE")
	require.True(t, ok)
	assert.False(t, hire.SignalsMet)
	require.Len(t, hire.Conditions, 1)
	assert.False(t, hire.Conditions[0].Met)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/actions", nil, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	_, ok = findAction(decode[engine.ActionMenu](t, data), "HIRE")
	assert.False(t, ok, "recruiters lack pipeline:hire")

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/signals", map[string]any{
		"signal_key": "background_check", "value": true,
	}, recruiter)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	sig := decode[domain.Signal](t, data)
	assert.Equal(t, "boolean", sig.ValueType)
	assert.Equal(t, domain.SourceManual, sig.SourceType)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/actions", nil, manager)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	hire, ok = findAction(decode[engine.ActionMenu](t, data), "HIRE")
	require.True(t, ok)
	assert.True(t, hire.SignalsMet)

	res, data = srv.act(t, "app-1", map[string]any{"action": "HIRE", "approved_by": "vp-eng"}, manager)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	state = decode[engine.StateView](t, data)
	assert.True(t, state.IsTerminal)
	assert.Equal(t, domain.OutcomeSuccess, state.OutcomeType)
	assert.Equal(t, "OFFER_ACCEPTED", state.Status)

	res, data = srv.act(t, "app-1", map[string]any{"action": "REJECT", "notes": "late"}, manager)
	requireAPIError(t, res, data, http.StatusForbidden, "TERMINAL_STATUS")

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/history?limit=2", nil, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[engine.HistoryPage](t, data)
	assert.Equal(t, 5, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.Limit)
	assert.True(t, page.Pagination.HasMore)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "HIRE", page.Data[0].Action)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/executions", nil, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	logs := decode[ExecutionLogList](t, data)
	require.Len(t, logs.Items, 5)
	var hireLog domain.ActionExecutionLog
	for _, l := range logs.Items {
		if l.ActionCode == "HIRE" {
			hireLog = l
		}
	}
	assert.Equal(t, "vp-eng", hireLog.ApprovedBy)
	assert.Contains(t, hireLog.SignalSnapshot, "background_check")
}

func TestLegacyMoveAndStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	base := srv.URL + "/v1/applications/app-2"
	srv.mirror(t, "job-2", "app-2")
	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/attach", map[string]any{"pipeline_id": srv.pipeline.ID}, recruiter)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/move", map[string]any{
		"to_stage_id": srv.pipeline.Stages[2].ID, "reason": "fast track",
	}, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "Interview", decode[engine.StateView](t, data).CurrentStageName)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, base+"/status", map[string]any{"status": "on_hold"}, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	state := decode[engine.StateView](t, data)
	assert.Equal(t, "ON_HOLD", state.Status)
	assert.Equal(t, domain.OutcomeHold, state.OutcomeType)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, base+"/status", map[string]any{"status": "NOPE"}, recruiter)
	requireAPIError(t, res, data, http.StatusBadRequest, "INVALID_STATUS")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines/"+srv.pipeline.ID+"/board?status=ON_HOLD", nil, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	board := decode[engine.BoardView](t, data)
	assert.Equal(t, 1, board.TotalApplications)
	require.Len(t, board.Stages, 4)
	assert.Equal(t, 1, board.Stages[2].Count)
	assert.Empty(t, board.Stages[0].Applications)
}

func TestStatusCatalogOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.mirror(t, "job-3", "app-3")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/applications/app-3/attach", nil, recruiter)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/settings/statuses", map[string]any{
		"status_code": "ON_HOLD", "display_name": "Dup", "outcome_type": "HOLD",
	}, admin)
	requireAPIError(t, res, data, http.StatusConflict, "CONFLICT")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/settings/statuses", map[string]any{
		"status_code": "OFFER_DECLINED", "display_name": "Offer declined", "outcome_type": "NEUTRAL", "is_terminal": true,
	}, recruiter)
	requireAPIError(t, res, data, http.StatusForbidden, "FORBIDDEN")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/settings/statuses", nil, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var inProgress domain.ApplicationStatus
	for _, s := range decode[StatusList](t, data).Items {
		if s.Code == "IN_PROGRESS" {
			inProgress = s
		}
	}
	require.NotEmpty(t, inProgress.ID)

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/settings/statuses/"+inProgress.ID, nil, admin)
	apiErr := requireAPIError(t, res, data, http.StatusForbidden, "FORBIDDEN")
	assert.Contains(t, apiErr.Details, "1 application")

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/applications/app-3/status", map[string]any{"status": "ON_HOLD"}, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/settings/statuses/"+inProgress.ID, nil, admin)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestActionCatalogOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	offer := srv.pipeline.Stages[3]

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/settings/actions", map[string]any{
		"stage_id": offer.ID, "action_code": "escalate", "display_name": "Escalate", "outcome_type": "ACTIVE",
		"required_capability": "pipeline:escalate",
		"signal_conditions": map[string]any{
			"logic":      "ANY",
			"conditions": []map[string]any{{"signal": "visa", "operator": "in", "value": []string{"approved"}}},
		},
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[domain.StageAction](t, data)
	assert.Equal(t, "ESCALATE", created.Code)
	assert.Contains(t, string(created.SignalConditions), `"ANY"`)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/settings/actions", map[string]any{
		"stage_id": offer.ID, "action_code": "BAD", "display_name": "Bad", "outcome_type": "ACTIVE",
		"required_capability": "pipeline:bad",
		"signal_conditions":   map[string]any{"logic": "SOME", "conditions": []any{}},
	}, admin)
	requireAPIError(t, res, data, http.StatusBadRequest, "VALIDATION")

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/settings/actions/"+created.ID, map[string]any{
		"signal_conditions": nil, "display_name": "Escalate to VP",
	}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	updated := decode[domain.StageAction](t, data)
	assert.Equal(t, "Escalate to VP", updated.DisplayName)
	assert.Empty(t, updated.SignalConditions)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/settings/actions?stage_id="+offer.ID, nil, recruiter)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[ActionList](t, data).Items, 4)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/settings/capabilities", map[string]any{
		"role": "recruiter", "capability": "pipeline:escalate",
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.Contains(t, string(data), "pipeline:escalate")

	res, data = doJSON(t, srv.Client(), http.MethodDelete,
		srv.URL+"/v1/settings/capabilities?role=recruiter&capability=pipeline:escalate", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotContains(t, string(data), "pipeline:escalate")
}

func TestRequestValidationUsesEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.mirror(t, "job-4", "app-4")

	res, data := srv.act(t, "app-4", map[string]any{}, recruiter)
	requireAPIError(t, res, data, http.StatusBadRequest, "VALIDATION")

	res, data = srv.act(t, "app-4", map[string]any{"action": "ADVANCE"}, recruiter)
	requireAPIError(t, res, data, http.StatusNotFound, "NOT_FOUND")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/applications/app-4/history?offset=-1", nil, recruiter)
	requireAPIError(t, res, data, http.StatusBadRequest, "VALIDATION")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "stageline_http_request_duration_seconds")
}
