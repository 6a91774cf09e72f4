package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/repo"
	"stageline/internal/telemetry"
)

// CapSettingsManage guards catalog and pipeline configuration.
const CapSettingsManage = "settings:manage"

var tracer = telemetry.Tracer("engine")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	// OverrideCapability, when set, must be held to bypass gates with an override reason.
	OverrideCapability string
	// MaxRetryElapsed bounds retries of contended transactions.
	MaxRetryElapsed time.Duration
}

type Options struct {
	OverrideCapability string
	Metrics            *telemetry.Metrics
	Logger             *slog.Logger
}

func New(conn *sql.DB, dialect db.Dialect, opts Options) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:                 conn,
		Repo:               r,
		Events:             events.Writer{Dialect: dialect},
		Auth:               auth.Service{Store: r},
		Metrics:            opts.Metrics,
		Logger:             opts.Logger,
		Now:                time.Now,
		OverrideCapability: opts.OverrideCapability,
		MaxRetryElapsed:    5 * time.Second,
	}
}

// Actor is the authenticated caller. Roles are resolved to capabilities per tenant;
// System actors (CLI, seeding) skip capability checks.
type Actor struct {
	ID     string
	Roles  []string
	System bool
}

// SystemActor returns an actor used by trusted local tooling.
func SystemActor(id string) Actor {
	if id == "" {
		id = "system"
	}
	return Actor{ID: id, System: true}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(db.TimeLayout)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// withTx runs fn in a transaction, committing on success. Contention errors from the
// store are retried with exponential backoff; everything else fails immediately.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = e.MaxRetryElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 5 * time.Second
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			e.Metrics.TxRetry()
		}
		err := e.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if db.IsRetryable(err) {
			e.logger().Debug("retrying contended transaction", "attempt", attempt, "err", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func (e Engine) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// requireCapability fails with FORBIDDEN unless the actor holds capability in the tenant.
func (e Engine) requireCapability(ctx context.Context, tx *sql.Tx, tenantID string, actor Actor, capability string) error {
	if actor.System {
		return nil
	}
	err := e.Auth.Require(ctx, tx, tenantID, actor.Roles, capability)
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newError(CodeForbidden, "%s", fe.Error()).with(map[string]string{"required_capability": fe.Capability})
	}
	return err
}

// ResolveCapabilities returns the actor's effective capabilities in the tenant.
func (e Engine) ResolveCapabilities(ctx context.Context, tenantID string, actor Actor) (auth.CapabilitySet, error) {
	return e.Auth.Resolve(ctx, nil, tenantID, actor.Roles)
}

// loadApplication verifies the application exists and belongs to the tenant.
func (e Engine) loadApplication(ctx context.Context, tx *sql.Tx, tenantID, applicationID string) (domain.Application, error) {
	app, err := e.Repo.GetApplication(ctx, tx, applicationID)
	if errors.Is(err, repo.ErrNotFound) {
		return app, newError(CodeNotFound, "application %s not found", applicationID)
	}
	if err != nil {
		return app, err
	}
	if app.TenantID != tenantID {
		return app, newError(CodeTenantMismatch, "application %s belongs to another tenant", applicationID)
	}
	return app, nil
}

// loadState returns the application's live state, locking it when lock is set.
func (e Engine) loadState(ctx context.Context, tx *sql.Tx, tenantID, applicationID string, lock bool) (domain.PipelineState, error) {
	st, err := e.Repo.GetState(ctx, tx, tenantID, applicationID, lock)
	if errors.Is(err, repo.ErrNotFound) {
		return st, newError(CodeNotFound, "application %s is not attached to a pipeline", applicationID)
	}
	return st, err
}

func (e Engine) loadPipeline(ctx context.Context, tx *sql.Tx, tenantID, pipelineID string) (domain.Pipeline, error) {
	p, err := e.Repo.GetPipeline(ctx, tx, tenantID, pipelineID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, newError(CodeNotFound, "pipeline %s not found", pipelineID)
	}
	return p, err
}

func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return newError(CodeValidation, "%s id is required", kind)
	}
	if _, err := uuid.Parse(id); err != nil {
		return newError(CodeValidation, "%s id %q is not a valid UUID", kind, id)
	}
	return nil
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return newError(CodeValidation, "tenant id is required")
	}
	return nil
}

// observe records a rejection metric for engine errors.
func (e Engine) observe(err error) {
	if err == nil {
		return
	}
	e.Metrics.Rejection(string(CodeOf(err)))
}

func startSpan(ctx context.Context, name, tenantID, applicationID string) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if applicationID != "" {
		attrs = append(attrs, attribute.String("stageline.application_id", applicationID))
	}
	return telemetry.Start(ctx, tracer, name, tenantID, attrs...)
}

func endSpan(span trace.Span, err error) {
	telemetry.End(span, err)
}
