package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogValidates(t *testing.T) {
	c := DefaultCatalog("acme")
	require.NoError(t, c.Validate())
	tenant, ok := c.Tenant("acme")
	require.True(t, ok)
	assert.NotEmpty(t, tenant.Statuses)
	require.Len(t, tenant.Pipelines, 1)
	offer := tenant.Pipelines[0].Stages[3]
	assert.Equal(t, "Offer", offer.Name)
	hire := offer.Actions[0]
	assert.Equal(t, "HIRE", hire.Code)
	require.NotNil(t, hire.SignalConditions)
	assert.Equal(t, "background_check", hire.SignalConditions.Conditions[0].Signal)
}

func TestCatalogValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no tenants": `tenants: []`,
		"bad outcome": `tenants:
  - id: acme
    statuses:
      - {code: X1, outcome_type: DONE}`,
		"stage without name": `tenants:
  - id: acme
    pipelines:
      - name: P
        stages:
          - {type: intake}`,
		"action without capability": `tenants:
  - id: acme
    pipelines:
      - name: P
        stages:
          - name: S
            actions:
              - {code: GO, outcome_type: ACTIVE}`,
		"bad condition": `tenants:
  - id: acme
    pipelines:
      - name: P
        stages:
          - name: S
            actions:
              - code: GO
                outcome_type: ACTIVE
                capability: "pipeline:go"
                signal_conditions:
                  logic: ALL
                  conditions:
                    - {signal: a, operator: "~", value: 1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CatalogFromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestCatalogFromFile(t *testing.T) {
	path := CatalogPath(t.TempDir())
	require.NoError(t, os.WriteFile(path, []byte(GenerateDefaultCatalog("globex")), 0o644))
	c, err := CatalogFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "globex", c.Tenants[0].ID)
	assert.Equal(t, "stageline.yml", filepath.Base(path))
}

func TestLoadSettingsFromEnvAndFile(t *testing.T) {
	t.Setenv("STAGELINE_HTTP_ADDR", "0.0.0.0:9999")
	dir := t.TempDir()
	cfg := filepath.Join(dir, "stageline.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(strings.TrimSpace(`
db:
  driver: sqlite
auth:
  jwt_secret: s3cret
events:
  webhooks:
    - id: audit
      url: http://127.0.0.1:9/hook
      events: [application.transitioned]
`)), 0o644))

	s, err := Load(NewViper(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", s.HTTP.Addr)
	assert.Equal(t, "/v1", s.HTTP.BasePath)
	assert.Equal(t, "s3cret", s.Auth.JWTSecret)
	assert.Equal(t, DefaultOverrideCapability, s.Engine.OverrideCapability)
	require.Len(t, s.Events.Webhooks, 1)
	assert.Equal(t, []string{"application.transitioned"}, s.Events.Webhooks[0].Events)
}

func TestSettingsValidate(t *testing.T) {
	assert.Error(t, Settings{DB: DBSettings{Driver: "mysql"}}.Validate())
	assert.Error(t, Settings{DB: DBSettings{Driver: "postgres"}}.Validate())
	assert.Error(t, Settings{Auth: AuthSettings{OIDCIssuer: "https://idp"}}.Validate())
	assert.Error(t, Settings{Log: LogSettings{Format: "xml"}}.Validate())
	assert.NoError(t, Settings{DB: DBSettings{Driver: "postgres", DSN: "postgres://x"}}.Validate())
}
