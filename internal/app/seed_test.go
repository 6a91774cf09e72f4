package app

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return engine.New(conn, dialect, engine.Options{})
}

func TestSeedCatalogIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	cat := config.DefaultCatalog("acme")

	results, err := SeedCatalog(ctx, eng, cat, "seed")
	require.NoError(t, err)
	require.Len(t, results, 1)
	first := results[0]
	assert.Equal(t, "acme", first.TenantID)
	assert.Equal(t, 5, first.StatusesCreated)
	assert.Equal(t, 1, first.PipelinesCreated)
	assert.Equal(t, 11, first.ActionsCreated)
	assert.Equal(t, 9, first.GrantsApplied)

	results, err = SeedCatalog(ctx, eng, cat, "seed")
	require.NoError(t, err)
	again := results[0]
	assert.Zero(t, again.StatusesCreated)
	assert.Zero(t, again.PipelinesCreated)
	assert.Zero(t, again.ActionsCreated)

	pipelines, err := eng.ListPipelines(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	p, err := eng.GetPipeline(ctx, "acme", pipelines[0].ID)
	require.NoError(t, err)
	require.Len(t, p.Stages, 4)
	assert.Equal(t, "Screen", p.Stages[1].Name)
	require.Len(t, p.Stages[1].RequiredEvaluations, 1)
	assert.Equal(t, "phone-screen", p.Stages[1].RequiredEvaluations[0].TemplateID)

	hire, err := eng.Repo.GetActionByCode(ctx, nil, "acme", p.Stages[3].ID, "HIRE")
	require.NoError(t, err)
	assert.Equal(t, "pipeline:hire", hire.RequiredCapability)
	assert.JSONEq(t, `{"logic":"ALL","conditions":[{"signal":"background_check","operator":"=","value":true,"onMissing":"BLOCK"}]}`, string(hire.SignalConditions))

	actions, err := eng.ListActions(ctx, "acme", repo.ActionFilters{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, actions, 11)
}

func TestSeededCatalogDrivesTransitions(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	_, err := SeedCatalog(ctx, eng, config.DefaultCatalog("acme"), "seed")
	require.NoError(t, err)
	pipelines, err := eng.ListPipelines(ctx, "acme")
	require.NoError(t, err)

	sys := engine.SystemActor("ats")
	jobID, appID := uuid.NewString(), uuid.NewString()
	_, err = eng.UpsertJob(ctx, "acme", sys, domain.Job{ID: jobID, Title: "SRE", PipelineID: &pipelines[0].ID})
	require.NoError(t, err)
	_, err = eng.UpsertApplication(ctx, "acme", sys, domain.Application{ID: appID, JobID: jobID, CandidateName: "Grace"})
	require.NoError(t, err)
	_, err = eng.Attach(ctx, engine.AttachRequest{TenantID: "acme", ApplicationID: appID, Actor: sys})
	require.NoError(t, err)

	recruiter := engine.Actor{ID: "rita", Roles: []string{"recruiter"}}
	st, err := eng.ExecuteAction(ctx, engine.ActRequest{TenantID: "acme", ApplicationID: appID, Action: "ADVANCE", Actor: recruiter})
	require.NoError(t, err)
	assert.Equal(t, "Screen", st.CurrentStageName)

	menu, err := eng.AvailableActions(ctx, engine.AvailableActionsRequest{TenantID: "acme", ApplicationID: appID, Actor: recruiter})
	require.NoError(t, err)
	assert.False(t, menu.EvaluationsComplete)
	codes := []string{}
	for _, a := range menu.AvailableActions {
		codes = append(codes, a.ActionCode)
	}
	assert.Equal(t, []string{"ADVANCE", "HOLD", "REJECT"}, codes)
}

func TestSeedCatalogRejectsInvalid(t *testing.T) {
	eng := newEngine(t)
	_, err := SeedCatalog(context.Background(), eng, &config.Catalog{}, "seed")
	assert.Error(t, err)
	_, err = SeedCatalog(context.Background(), eng, nil, "seed")
	assert.Error(t, err)
}
