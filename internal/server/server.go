package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stageline/internal/engine"
	"stageline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type bodyKey struct{}

// security is required on every operation except the public ones.
var security = []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	Code       string `json:"code" example:"TERMINAL_STATUS"`
	Message    string `json:"message" example:"application is in a terminal status"`
	StatusCode int    `json:"status_code" example:"403"`
	Details    any    `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.StatusCode }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the Stageline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger, cfg.Engine))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyKey{}, body)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Stageline API", "1.0.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = path.Join(basePath, "docs")
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		"apiKeyAuth": {Type: "apiKey", In: "header", Name: headerAPIKey},
	}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)
	group.UseSimpleModifier(func(op *huma.Operation) {
		if op.Security == nil {
			op.Security = security
		}
	})

	h := handlers{e: cfg.Engine, log: logger}
	registerMetrics(router, cfg.Engine)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	h.registerApplications(group)
	h.registerSignals(group)
	h.registerEvaluations(group)
	h.registerPipelines(group)
	h.registerCollaborators(group)
	h.registerStatuses(group)
	h.registerActions(group)
	h.registerCapabilities(group)
	h.registerAPIKeys(group)

	return router, nil
}

// handlers carries the engine into every operation.
type handlers struct {
	e   engine.Engine
	log *slog.Logger
}

func newAPIError(status int, code, message string, details any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		Code:       code,
		Message:    message,
		StatusCode: status,
		Details:    details,
	}
}

func (h handlers) fail(err error) huma.StatusError {
	return handleError(h.log, err)
}

func handleError(log *slog.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(ee.Code.HTTPStatus(), string(ee.Code), ee.Message, ee.Details)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, string(engine.CodeNotFound), "not found", nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, string(engine.CodeConflict), "conflict", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, string(engine.CodeInternal), "request cancelled", nil)
	}
	if log != nil {
		log.Error("request failed", "err", err)
	}
	return newAPIError(http.StatusInternalServerError, string(engine.CodeInternal), "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return string(engine.CodeValidation)
	case http.StatusUnauthorized:
		return string(engine.CodeUnauthorized)
	case http.StatusForbidden:
		return string(engine.CodeForbidden)
	case http.StatusNotFound:
		return string(engine.CodeNotFound)
	case http.StatusConflict:
		return string(engine.CodeConflict)
	case http.StatusInternalServerError:
		return string(engine.CodeInternal)
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requestLogger logs each request and feeds the request metrics.
func requestLogger(log *slog.Logger, e engine.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			e.Metrics.ObserveRequest(r.Method, strconv.Itoa(status), elapsed)
			level := slog.LevelDebug
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", elapsed,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func registerMetrics(r chi.Router, e engine.Engine) {
	if e.Metrics == nil {
		return
	}
	r.Handle("/metrics", e.Metrics.Handler())
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Security:    []map[string][]string{{}},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and effective capabilities",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, string(engine.CodeUnauthorized), "authentication required", nil)
		}
		caps := []string{}
		if principal.TenantID != "" {
			set, err := e.ResolveCapabilities(ctx, principal.TenantID, principal.actor())
			if err != nil {
				return nil, handleError(nil, err)
			}
			caps = set.List()
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:      principal.ActorID,
			TenantID:     principal.TenantID,
			Roles:        nonNilSlice(principal.Roles),
			Capabilities: caps,
			Source:       principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.AllowDevHeaders {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Security:    []map[string][]string{{}},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		tenant := strings.TrimSpace(input.Body.TenantID)
		if actor == "" || tenant == "" {
			return nil, newAPIError(http.StatusBadRequest, "", "actor_id and tenant_id are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, tenant, input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// rawField returns a top-level request body field undecoded, so handlers can tell an
// explicit null from an absent field and keep JSON values byte-exact.
func rawField(ctx context.Context, name string) (json.RawMessage, bool) {
	data, _ := ctx.Value(bodyKey{}).([]byte)
	var fields map[string]json.RawMessage
	if len(data) == 0 || json.Unmarshal(data, &fields) != nil {
		return nil, false
	}
	raw, ok := fields[name]
	return raw, ok
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
