// Package storage owns the SQLite schema and the row-level queries shared by
// the auth, policy, ledger, and audit components.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store is the SQL store backing the gateway.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent request goroutines.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying sqlx.DB for components that own their own queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	ai_gateway_enabled INTEGER NOT NULL DEFAULT 0,
	credits_balance REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT,
	key_hash TEXT NOT NULL UNIQUE,
	is_active INTEGER NOT NULL DEFAULT 1,
	ai_gateway_enabled INTEGER NOT NULL DEFAULT 0,
	expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
)`,
		`CREATE TABLE IF NOT EXISTS security_bans (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	value TEXT NOT NULL,
	is_banned INTEGER NOT NULL DEFAULT 1,
	banned_until TIMESTAMP,
	created_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS tenant_policies (
	tenant_id TEXT PRIMARY KEY,
	is_enabled INTEGER NOT NULL DEFAULT 0,
	allowed_models TEXT NOT NULL DEFAULT '["*"]',
	blocked_models TEXT NOT NULL DEFAULT '[]',
	max_tokens_per_request INTEGER NOT NULL DEFAULT 4096,
	max_requests_per_minute INTEGER NOT NULL DEFAULT 60,
	pii_action TEXT NOT NULL DEFAULT 'redact',
	pii_entities TEXT NOT NULL DEFAULT '[]',
	prompt_injection_enabled INTEGER NOT NULL DEFAULT 1,
	secrets_scanning_enabled INTEGER NOT NULL DEFAULT 1,
	output_scanning_enabled INTEGER NOT NULL DEFAULT 1,
	prompt_logging_mode TEXT NOT NULL DEFAULT 'hash',
	FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
)`,
		`CREATE TABLE IF NOT EXISTS key_policies (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	api_key_id TEXT NOT NULL UNIQUE,
	key_alias TEXT NOT NULL DEFAULT '',
	rate_limit_rpm INTEGER NOT NULL DEFAULT 0,
	provider_keys_encrypted TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
)`,
		`CREATE TABLE IF NOT EXISTS decision_log (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	api_key_id TEXT,
	request_model TEXT NOT NULL,
	request_provider TEXT NOT NULL,
	prompt_hash TEXT,
	prompt_encrypted TEXT,
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	total_tokens INTEGER,
	cost_usd REAL,
	credits_charged REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER,
	status TEXT NOT NULL,
	pii_detected TEXT,
	secrets_detected TEXT,
	injection_score REAL,
	created_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS pii_incidents (
	id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	action_taken TEXT NOT NULL,
	confidence REAL,
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY (decision_id) REFERENCES decision_log(id) ON DELETE CASCADE
)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_log_tenant ON decision_log(tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_log_status ON decision_log(status)`,
		`CREATE INDEX IF NOT EXISTS idx_pii_incidents_decision ON pii_incidents(decision_id)`,
		`CREATE INDEX IF NOT EXISTS idx_security_bans_value ON security_bans(type, value)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// APIKeyAuthRow is the joined key+tenant row used by the authenticator.
type APIKeyAuthRow struct {
	APIKeyID        string         `db:"api_key_id"`
	TenantID        string         `db:"tenant_id"`
	UserID          sql.NullString `db:"user_id"`
	IsActive        bool           `db:"is_active"`
	KeyAIEnabled    bool           `db:"key_ai_enabled"`
	TenantAIEnabled bool           `db:"tenant_ai_enabled"`
	ExpiresAt       sql.NullTime   `db:"expires_at"`
}

// GetAPIKeyByHash returns the auth row for a hashed credential, or nil when
// no key matches.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKeyAuthRow, error) {
	var row APIKeyAuthRow
	err := s.db.GetContext(ctx, &row,
		`SELECT ak.id AS api_key_id, ak.tenant_id, ak.user_id,
		        ak.is_active, ak.expires_at,
		        ak.ai_gateway_enabled AS key_ai_enabled,
		        t.ai_gateway_enabled AS tenant_ai_enabled
		 FROM api_keys ak
		 JOIN tenants t ON ak.tenant_id = t.id
		 WHERE ak.key_hash = ?`, keyHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &row, nil
}

// IsBanned reports whether the tenant or the key hash has an active ban.
func (s *Store) IsBanned(ctx context.Context, tenantID, keyHash string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(1) FROM security_bans
		 WHERE is_banned = 1
		   AND ((type = 'tenant' AND value = ?) OR (type = 'api_key' AND value = ?))
		   AND (banned_until IS NULL OR banned_until > ?)`,
		tenantID, keyHash, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to check bans: %w", err)
	}
	return count > 0, nil
}

// TenantPolicyRow is the raw tenant policy row; list columns are JSON text.
type TenantPolicyRow struct {
	TenantID               string `db:"tenant_id"`
	IsEnabled              bool   `db:"is_enabled"`
	AllowedModels          string `db:"allowed_models"`
	BlockedModels          string `db:"blocked_models"`
	MaxTokensPerRequest    int    `db:"max_tokens_per_request"`
	MaxRequestsPerMinute   int    `db:"max_requests_per_minute"`
	PiiAction              string `db:"pii_action"`
	PiiEntities            string `db:"pii_entities"`
	PromptInjectionEnabled bool   `db:"prompt_injection_enabled"`
	SecretsScanningEnabled bool   `db:"secrets_scanning_enabled"`
	OutputScanningEnabled  bool   `db:"output_scanning_enabled"`
	PromptLoggingMode      string `db:"prompt_logging_mode"`
}

// GetTenantPolicy returns the stored policy row or nil when absent.
func (s *Store) GetTenantPolicy(ctx context.Context, tenantID string) (*TenantPolicyRow, error) {
	var row TenantPolicyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT tenant_id, is_enabled, allowed_models, blocked_models,
		        max_tokens_per_request, max_requests_per_minute,
		        pii_action, pii_entities, prompt_injection_enabled,
		        secrets_scanning_enabled, output_scanning_enabled,
		        prompt_logging_mode
		 FROM tenant_policies WHERE tenant_id = ?`, tenantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant policy: %w", err)
	}
	return &row, nil
}

// KeyPolicyRow is the raw per-key policy row.
type KeyPolicyRow struct {
	ID                    string         `db:"id"`
	TenantID              string         `db:"tenant_id"`
	APIKeyID              string         `db:"api_key_id"`
	KeyAlias              string         `db:"key_alias"`
	RateLimitRPM          int            `db:"rate_limit_rpm"`
	ProviderKeysEncrypted sql.NullString `db:"provider_keys_encrypted"`
	IsActive              bool           `db:"is_active"`
}

// GetKeyPolicy returns the active policy row for an API key, or nil.
func (s *Store) GetKeyPolicy(ctx context.Context, apiKeyID string) (*KeyPolicyRow, error) {
	var row KeyPolicyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, tenant_id, api_key_id, key_alias, rate_limit_rpm,
		        provider_keys_encrypted, is_active
		 FROM key_policies WHERE api_key_id = ? AND is_active = 1`, apiKeyID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key policy: %w", err)
	}
	return &row, nil
}
