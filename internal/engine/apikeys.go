package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

const apiKeyPrefix = "slk_"

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

// CreateAPIKey issues a key bound to a tenant, an actor id and its roles. The plain
// secret is returned once; only its SHA-256 digest is stored.
func (e Engine) CreateAPIKey(ctx context.Context, tenantID string, actor Actor, actorID, name string, roles []string) (domain.APIKey, string, error) {
	if err := requireTenant(tenantID); err != nil {
		return domain.APIKey{}, "", err
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", newError(CodeValidation, "actor id is required")
	}
	secret, err := newAPIKeySecret()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	cleaned := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		Roles:     cleaned,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.timestamp(),
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, tenantID, actorID string) ([]domain.APIKey, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, tenantID, actorID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, tenantID string, actor Actor, id string) error {
	if err := validateID("api key", id); err != nil {
		return err
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCapability(ctx, tx, tenantID, actor, CapSettingsManage); err != nil {
			return err
		}
		err := e.Repo.DeleteAPIKey(ctx, tx, tenantID, id)
		if errors.Is(err, repo.ErrNotFound) {
			return newError(CodeNotFound, "api key %s not found", id)
		}
		return err
	})
}

// AuthenticateAPIKey resolves a presented key to its stored record.
func (e Engine) AuthenticateAPIKey(ctx context.Context, secret string) (domain.APIKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return domain.APIKey{}, newError(CodeUnauthorized, "api key required")
	}
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.APIKey{}, newError(CodeUnauthorized, "invalid api key")
	}
	return key, err
}
