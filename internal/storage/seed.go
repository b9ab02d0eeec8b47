package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TenantParams creates or replaces a tenant row.
type TenantParams struct {
	ID             string
	Name           string
	GatewayEnabled bool
	CreditsBalance float64
}

// CreateTenant inserts a tenant. Used by the dev seed and by tests.
func (s *Store) CreateTenant(ctx context.Context, p TenantParams) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, ai_gateway_enabled, credits_balance, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.GatewayEnabled, p.CreditsBalance, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// APIKeyParams creates an API key row bound to a tenant.
type APIKeyParams struct {
	ID             string
	TenantID       string
	UserID         string
	KeyHash        string
	Active         bool
	GatewayEnabled bool
	ExpiresAt      *time.Time
}

// CreateAPIKey inserts an API key.
func (s *Store) CreateAPIKey(ctx context.Context, p APIKeyParams) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	var userID any
	if p.UserID != "" {
		userID = p.UserID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, user_id, key_hash, is_active, ai_gateway_enabled, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, userID, p.KeyHash, p.Active, p.GatewayEnabled, p.ExpiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// UpsertTenantPolicy writes a tenant policy row, replacing any existing one.
func (s *Store) UpsertTenantPolicy(ctx context.Context, row TenantPolicyRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tenant_policies
		 (tenant_id, is_enabled, allowed_models, blocked_models,
		  max_tokens_per_request, max_requests_per_minute, pii_action, pii_entities,
		  prompt_injection_enabled, secrets_scanning_enabled, output_scanning_enabled,
		  prompt_logging_mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.TenantID, row.IsEnabled, row.AllowedModels, row.BlockedModels,
		row.MaxTokensPerRequest, row.MaxRequestsPerMinute, row.PiiAction, row.PiiEntities,
		row.PromptInjectionEnabled, row.SecretsScanningEnabled, row.OutputScanningEnabled,
		row.PromptLoggingMode)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant policy: %w", err)
	}
	return nil
}

// UpsertKeyPolicy writes a per-key policy row.
func (s *Store) UpsertKeyPolicy(ctx context.Context, row KeyPolicyRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO key_policies
		 (id, tenant_id, api_key_id, key_alias, rate_limit_rpm, provider_keys_encrypted, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.TenantID, row.APIKeyID, row.KeyAlias, row.RateLimitRPM,
		row.ProviderKeysEncrypted, row.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert key policy: %w", err)
	}
	return nil
}

// Ban inserts an active security ban for a tenant id or api key hash.
func (s *Store) Ban(ctx context.Context, banType, value string, until *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_bans (id, type, value, is_banned, banned_until, created_at)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		uuid.New().String(), banType, value, until, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert ban: %w", err)
	}
	return nil
}
