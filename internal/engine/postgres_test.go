package engine_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

// Runs against a real Postgres container. Set STAGELINE_PG_TESTS=1 and have docker available.
func newPostgresEngine(t *testing.T) engine.Engine {
	t.Helper()
	if os.Getenv("STAGELINE_PG_TESTS") != "1" {
		t.Skip("set STAGELINE_PG_TESTS=1 to run postgres tests")
	}
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("stageline"),
		postgres.WithUsername("stageline"),
		postgres.WithPassword("stageline"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})
	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, dialect, err := db.Open(db.Config{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Equal(t, db.Postgres, dialect)
	require.NoError(t, migrate.Migrate(conn, dialect))
	// Migrations are idempotent.
	require.NoError(t, migrate.Migrate(conn, dialect))
	return engine.New(conn, dialect, engine.Options{OverrideCapability: config.DefaultOverrideCapability})
}

func TestPostgresConcurrentTransitions(t *testing.T) {
	e := newPostgresEngine(t)
	ctx := context.Background()
	sys := engine.SystemActor("seed")

	_, err := app.SeedCatalog(ctx, e, config.DefaultCatalog(tenant), "seed")
	require.NoError(t, err)
	pipelines, err := e.ListPipelines(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	pipelineID := pipelines[0].ID

	_, err = e.UpsertJob(ctx, tenant, sys, domain.Job{ID: "job-pg", Title: "Backend engineer", PipelineID: &pipelineID})
	require.NoError(t, err)
	_, err = e.UpsertApplication(ctx, tenant, sys, domain.Application{ID: "app-pg", JobID: "job-pg", CandidateName: "Grace"})
	require.NoError(t, err)

	const workers = 8
	recruiter := engine.Actor{ID: "rita", Roles: []string{"recruiter"}}

	var attached int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Attach(ctx, engine.AttachRequest{TenantID: tenant, ApplicationID: "app-pg", Actor: recruiter}); err == nil {
				atomic.AddInt32(&attached, 1)
			} else {
				assert.Equal(t, engine.CodeConflict, engine.CodeOf(err))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), attached)

	var advanced int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteAction(ctx, engine.ActRequest{TenantID: tenant, ApplicationID: "app-pg", Action: "ADVANCE", Actor: recruiter})
			if err == nil {
				atomic.AddInt32(&advanced, 1)
			}
		}()
	}
	wg.Wait()
	// Only the first ADVANCE leaves Applied; at Screen the phone screen is still missing.
	assert.Equal(t, int32(1), advanced)

	state, err := e.GetState(ctx, tenant, "app-pg")
	require.NoError(t, err)
	assert.Equal(t, "Screen", state.CurrentStageName)
	assert.Equal(t, 1, state.CurrentStageIndex)

	page, err := e.History(ctx, tenant, "app-pg", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Pagination.Total)
	logs, err := e.ExecutionLogs(ctx, tenant, "app-pg")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
