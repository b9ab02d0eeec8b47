// Package auth validates gateway API keys and produces the per-request
// AuthContext consumed by the orchestrator.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/securetag/ai-gateway/internal/domain"
	"github.com/securetag/ai-gateway/internal/storage"
)

// Error is an authentication failure with its HTTP mapping.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Store is the persistence surface the authenticator reads from.
type Store interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*storage.APIKeyAuthRow, error)
	IsBanned(ctx context.Context, tenantID, keyHash string) (bool, error)
}

// Authenticator validates raw API keys against the store.
type Authenticator struct {
	store Store
}

func New(store Store) *Authenticator {
	return &Authenticator{store: store}
}

// HashAPIKey is the storage representation of an API key.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a raw credential to an AuthContext. Failures carry
// their HTTP status: 401 for missing/invalid/expired/revoked/banned
// credentials, 403 when the gateway is disabled for the tenant or key.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (*domain.AuthContext, error) {
	if apiKey == "" {
		return nil, &Error{Status: http.StatusUnauthorized, Message: "Missing X-API-Key header"}
	}

	keyHash := HashAPIKey(apiKey)
	row, err := a.store.GetAPIKeyByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &Error{Status: http.StatusUnauthorized, Message: "Invalid API key"}
	}

	if !row.IsActive {
		return nil, &Error{Status: http.StatusUnauthorized, Message: "API key has been revoked"}
	}
	if row.ExpiresAt.Valid && row.ExpiresAt.Time.Before(time.Now()) {
		return nil, &Error{Status: http.StatusUnauthorized, Message: "API key expired"}
	}

	if !row.TenantAIEnabled {
		return nil, &Error{Status: http.StatusForbidden, Message: "AI gateway is not enabled for this tenant"}
	}
	if !row.KeyAIEnabled {
		return nil, &Error{Status: http.StatusForbidden, Message: "AI gateway is not enabled for this API key"}
	}

	banned, err := a.store.IsBanned(ctx, row.TenantID, keyHash)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, &Error{Status: http.StatusUnauthorized, Message: "Access denied due to security violations"}
	}

	authCtx := &domain.AuthContext{
		TenantID:       row.TenantID,
		APIKeyID:       row.APIKeyID,
		KeyHash:        keyHash,
		GatewayEnabled: true,
	}
	if row.UserID.Valid {
		authCtx.UserID = row.UserID.String
	}
	return authCtx, nil
}
