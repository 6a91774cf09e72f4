package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"stageline/internal/engine"
)

const (
	headerTenant = "X-Tenant-Id"
	headerAPIKey = "X-Api-Key"
	headerActor  = "X-Actor-Id"
	headerRoles  = "X-Roles"
)

// TokenVerifier checks bearer tokens issued by an external identity provider.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (Principal, error)
}

type AuthConfig struct {
	JWTSecret string
	// OIDC verifies bearer tokens that are not signed with JWTSecret.
	OIDC TokenVerifier
	// AllowDevHeaders accepts X-Actor-Id, X-Roles and X-Tenant-Id without credentials.
	AllowDevHeaders bool
	Logger          *slog.Logger
}

type Principal struct {
	ActorID  string
	TenantID string
	Roles    []string
	Source   string
}

func (p Principal) actor() engine.Actor {
	return engine.Actor{ID: p.ActorID, Roles: p.Roles}
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// requestScope returns the caller's tenant and actor for an authenticated request.
func requestScope(ctx context.Context) (string, engine.Actor, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", engine.Actor{}, newAPIError(http.StatusUnauthorized, string(engine.CodeUnauthorized), "authentication required", nil)
	}
	if p.TenantID == "" {
		return "", engine.Actor{}, newAPIError(http.StatusBadRequest, string(engine.CodeValidation), "tenant required: the credential carries no tenant and no X-Tenant-Id header was sent", nil)
	}
	return p.TenantID, p.actor(), nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID:  claims.Subject,
		TenantID: claims.TenantID,
		Roles:    claims.Roles,
		Source:   "jwt",
	}, nil
}

// signDevToken mints an HS256 token with the same claims authenticateJWT reads.
func signDevToken(secret, actorID, tenantID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "stageline-dev",
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// OIDCVerifier validates ID tokens from an OpenID Connect issuer. The tenant and roles
// come from the tenant_id and roles claims.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, raw string) (Principal, error) {
	token, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return Principal{}, err
	}
	var claims struct {
		Email    string   `json:"email"`
		TenantID string   `json:"tenant_id"`
		Roles    []string `json:"roles"`
	}
	if err := token.Claims(&claims); err != nil {
		return Principal{}, err
	}
	actorID := token.Subject
	if actorID == "" {
		actorID = claims.Email
	}
	return Principal{ActorID: actorID, TenantID: claims.TenantID, Roles: claims.Roles, Source: "oidc"}, nil
}

func authenticateAPIKey(ctx context.Context, e engine.Engine, key string) (Principal, error) {
	apiKey, err := e.AuthenticateAPIKey(ctx, key)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		ActorID:  apiKey.ActorID,
		TenantID: apiKey.TenantID,
		Roles:    apiKey.Roles,
		Source:   "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func splitRoles(v string) []string {
	var roles []string
	for _, r := range strings.Split(v, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// scopeTenant applies the X-Tenant-Id header: it fills a principal without a tenant and
// must match one that has a tenant.
func scopeTenant(p Principal, header string) (Principal, huma.StatusError) {
	header = strings.TrimSpace(header)
	switch {
	case header == "":
	case p.TenantID == "":
		p.TenantID = header
	case p.TenantID != header:
		return p, newAPIError(http.StatusForbidden, string(engine.CodeTenantMismatch), "X-Tenant-Id does not match the credential's tenant", nil)
	}
	return p, nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "openapi.yaml"):   true,
		path.Join(basePath, "docs"):           true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	invalid := newAPIError(http.StatusUnauthorized, string(engine.CodeUnauthorized), "invalid credentials", nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get(headerAPIKey))
			devActor := strings.TrimSpace(req.Header.Get(headerActor))

			var principal Principal
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, invalid)
					return
				}
				p, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil && cfg.OIDC != nil {
					p, err = cfg.OIDC.Verify(req.Context(), token)
				}
				if err != nil {
					cfg.logger().Debug("bearer token rejected", "err", err)
					respondStatusError(w, invalid)
					return
				}
				principal = p
			case apiKeyHeader != "":
				p, err := authenticateAPIKey(req.Context(), e, apiKeyHeader)
				if err != nil {
					respondStatusError(w, invalid)
					return
				}
				principal = p
			case devActor != "" && cfg.AllowDevHeaders:
				cfg.logger().Warn("using development identity headers without credentials", "actor_id", devActor)
				principal = Principal{ActorID: devActor, Roles: splitRoles(req.Header.Get(headerRoles)), Source: "dev_headers"}
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, string(engine.CodeUnauthorized), "authentication required", nil))
				return
			}

			principal, serr := scopeTenant(principal, req.Header.Get(headerTenant))
			if serr != nil {
				respondStatusError(w, serr)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
