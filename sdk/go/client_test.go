package stagelinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActSendsTenantAndCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/applications/app-1/act", r.URL.Path)
		assert.Equal(t, "acme", r.Header.Get("X-Tenant-Id"))
		assert.Equal(t, "sl_secret", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ADVANCE", body["action"])
		assert.Equal(t, "strong", body["notes"])
		_, hasOverride := body["override_reason"]
		assert.False(t, hasOverride)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"applicationId":    "app-1",
			"currentStageName": "Screen",
			"status":           "IN_PROGRESS",
			"outcomeType":      "ACTIVE",
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "acme")
	c.APIKey = "sl_secret"
	state, err := c.Act(context.Background(), "app-1", "ADVANCE", ActOptions{Notes: "strong"})
	require.NoError(t, err)
	assert.Equal(t, "Screen", state.CurrentStageName)
	assert.Equal(t, "ACTIVE", state.OutcomeType)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"TERMINAL_STATUS","message":"application is in a terminal status","status_code":403}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme")
	c.BearerToken = "tok"
	_, err := c.Move(context.Background(), "app-1", "stage-2", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "TERMINAL_STATUS", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "TERMINAL_STATUS")
}

func TestHistoryQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/applications/app%201/history", r.URL.EscapedPath())
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "4", r.URL.Query().Get("offset"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"id":"h1","action":"ADVANCE","changedBy":"u1","changedAt":"2024-01-01T00:00:00Z"}],"pagination":{"total":5,"limit":2,"offset":4,"hasMore":false}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme")
	c.BearerToken = "tok"
	page, err := c.History(context.Background(), "app 1", 2, 4)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "ADVANCE", page.Data[0].Action)
	assert.Equal(t, 5, page.Pagination.Total)
	assert.False(t, page.Pagination.HasMore)
}

func TestSetSignalOmitsEmptyType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "background_check", body["signal_key"])
		assert.Equal(t, true, body["value"])
		_, hasType := body["value_type"]
		assert.False(t, hasType)
		_, _ = w.Write([]byte(`{"id":"s1","signal_key":"background_check","value":true,"value_type":"boolean"}`))
	}))
	defer srv.Close()

	sig, err := New(srv.URL, "acme").SetSignal(context.Background(), "app-1", "background_check", true, "")
	require.NoError(t, err)
	assert.Equal(t, "boolean", sig.ValueType)
	assert.JSONEq(t, "true", string(sig.Value))
}
