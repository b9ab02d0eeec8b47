// Package policy provides cached reads of tenant and per-key gateway policy.
//
// Reads go through a TTL cache; invalidation drops entries and relies on the
// next reader to repopulate. Stale reads for up to the TTL are an accepted
// tradeoff.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/securetag/ai-gateway/internal/domain"
	"github.com/securetag/ai-gateway/internal/encryption"
	"github.com/securetag/ai-gateway/internal/storage"
)

const cacheSize = 4096

// Store is the persistence surface the provider reads from.
type Store interface {
	GetTenantPolicy(ctx context.Context, tenantID string) (*storage.TenantPolicyRow, error)
	GetKeyPolicy(ctx context.Context, apiKeyID string) (*storage.KeyPolicyRow, error)
}

// Provider serves TenantPolicy and KeyPolicy lookups with a TTL cache.
type Provider struct {
	store  Store
	cipher *encryption.Cipher
	logger *slog.Logger

	tenants *expirable.LRU[string, *domain.TenantPolicy]
	// keys caches *domain.KeyPolicy values; a cached nil records that the
	// key has no policy row, which is a valid state.
	keys *expirable.LRU[string, *domain.KeyPolicy]
}

func NewProvider(store Store, cipher *encryption.Cipher, ttl time.Duration, logger *slog.Logger) *Provider {
	return &Provider{
		store:   store,
		cipher:  cipher,
		logger:  logger,
		tenants: expirable.NewLRU[string, *domain.TenantPolicy](cacheSize, nil, ttl),
		keys:    expirable.NewLRU[string, *domain.KeyPolicy](cacheSize, nil, ttl),
	}
}

// TenantPolicy returns the tenant's gateway policy, falling back to the
// default policy when no row is stored.
func (p *Provider) TenantPolicy(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	if cached, ok := p.tenants.Get(tenantID); ok {
		return cached, nil
	}

	row, err := p.store.GetTenantPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var pol *domain.TenantPolicy
	if row == nil {
		pol = domain.DefaultTenantPolicy(tenantID)
	} else {
		pol, err = tenantPolicyFromRow(row)
		if err != nil {
			return nil, err
		}
	}

	p.tenants.Add(tenantID, pol)
	return pol, nil
}

// KeyPolicy returns the per-key policy override, or nil when the key has
// none. BYOK provider credentials are decrypted on load; a credential that
// fails to decrypt is skipped, not fatal.
func (p *Provider) KeyPolicy(ctx context.Context, apiKeyID string) (*domain.KeyPolicy, error) {
	if cached, ok := p.keys.Get(apiKeyID); ok {
		return cached, nil
	}

	row, err := p.store.GetKeyPolicy(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		p.keys.Add(apiKeyID, nil)
		return nil, nil
	}

	pol := &domain.KeyPolicy{
		ID:           row.ID,
		TenantID:     row.TenantID,
		APIKeyID:     row.APIKeyID,
		KeyAlias:     row.KeyAlias,
		RateLimitRPM: row.RateLimitRPM,
		Active:       row.IsActive,
	}

	if row.ProviderKeysEncrypted.Valid && row.ProviderKeysEncrypted.String != "" {
		var encrypted map[string]string
		if err := json.Unmarshal([]byte(row.ProviderKeysEncrypted.String), &encrypted); err != nil {
			return nil, fmt.Errorf("invalid provider_keys_encrypted for key %s: %w", apiKeyID, err)
		}
		pol.ProviderKeys = make(map[string]string, len(encrypted))
		for provider, ciphertext := range encrypted {
			plain, err := p.cipher.Decrypt(ciphertext)
			if err != nil {
				p.logger.Error("failed to decrypt provider credential",
					slog.String("api_key_id", apiKeyID),
					slog.String("provider", provider),
					slog.String("error", err.Error()))
				continue
			}
			pol.ProviderKeys[provider] = plain
		}
	}

	p.keys.Add(apiKeyID, pol)
	return pol, nil
}

// Invalidate drops the cached policy for one tenant. Key policies cannot be
// mapped back to tenants from the cache key, so the key cache is purged
// wholesale.
func (p *Provider) Invalidate(tenantID string) {
	p.tenants.Remove(tenantID)
	p.keys.Purge()
}

// InvalidateAll drops every cached entry.
func (p *Provider) InvalidateAll() {
	p.tenants.Purge()
	p.keys.Purge()
}

func tenantPolicyFromRow(row *storage.TenantPolicyRow) (*domain.TenantPolicy, error) {
	pol := &domain.TenantPolicy{
		TenantID:               row.TenantID,
		Enabled:                row.IsEnabled,
		MaxTokensPerRequest:    row.MaxTokensPerRequest,
		MaxRequestsPerMinute:   row.MaxRequestsPerMinute,
		PiiAction:              domain.PiiAction(row.PiiAction),
		PromptInjectionEnabled: row.PromptInjectionEnabled,
		SecretsScanningEnabled: row.SecretsScanningEnabled,
		OutputScanningEnabled:  row.OutputScanningEnabled,
		PromptLoggingMode:      domain.LoggingMode(row.PromptLoggingMode),
	}

	for _, col := range []struct {
		raw  string
		dest *[]string
		name string
	}{
		{row.AllowedModels, &pol.AllowedModels, "allowed_models"},
		{row.BlockedModels, &pol.BlockedModels, "blocked_models"},
		{row.PiiEntities, &pol.PiiEntities, "pii_entities"},
	} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dest); err != nil {
			return nil, fmt.Errorf("invalid %s for tenant %s: %w", col.name, row.TenantID, err)
		}
	}

	return pol, nil
}
