// Package audit persists decision records and their PII incidents, decoupled
// from the request path by a bounded queue and a single writer goroutine.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/securetag/ai-gateway/internal/domain"
)

// Store writes audit rows. Findings reference their parent decision, so the
// decision row is always inserted first.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// InsertDecision writes one decision row and returns its id. A zero-ID
// record gets a fresh UUID.
func (s *Store) InsertDecision(ctx context.Context, rec *domain.DecisionRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	piiJSON, err := json.Marshal(rec.PiiDetected)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pii findings: %w", err)
	}
	secretsJSON, err := json.Marshal(rec.SecretsDetected)
	if err != nil {
		return "", fmt.Errorf("failed to marshal secret findings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_log (
			id, tenant_id, api_key_id, request_model, request_provider,
			prompt_hash, prompt_encrypted, prompt_tokens, completion_tokens,
			total_tokens, cost_usd, credits_charged, latency_ms, status,
			pii_detected, secrets_detected, injection_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.TenantID, rec.APIKeyID, rec.RequestModel, rec.RequestProvider,
		rec.PromptHash, rec.PromptEncrypted, rec.PromptTokens, rec.CompletionTokens,
		rec.TotalTokens, rec.CostUSD, rec.CreditsCharged, rec.LatencyMS, string(rec.Status),
		string(piiJSON), string(secretsJSON), rec.InjectionScore, createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert decision: %w", err)
	}
	return id, nil
}

// InsertPiiFindings writes the incident rows for a persisted decision.
func (s *Store) InsertPiiFindings(ctx context.Context, decisionID, tenantID string, findings []domain.PiiFinding) error {
	for _, f := range findings {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pii_incidents (
				id, decision_id, tenant_id, entity_type, action_taken, confidence, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), decisionID, tenantID, f.EntityType, f.Action, f.Confidence, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert pii incident: %w", err)
		}
	}
	return nil
}

// DecisionRow is the persisted shape, read back by tests and reporting.
type DecisionRow struct {
	ID               string  `db:"id"`
	TenantID         string  `db:"tenant_id"`
	APIKeyID         string  `db:"api_key_id"`
	RequestModel     string  `db:"request_model"`
	RequestProvider  string  `db:"request_provider"`
	PromptHash       string  `db:"prompt_hash"`
	PromptEncrypted  string  `db:"prompt_encrypted"`
	PromptTokens     int     `db:"prompt_tokens"`
	CompletionTokens int     `db:"completion_tokens"`
	TotalTokens      int     `db:"total_tokens"`
	CostUSD          float64 `db:"cost_usd"`
	CreditsCharged   float64 `db:"credits_charged"`
	LatencyMS        int64   `db:"latency_ms"`
	Status           string  `db:"status"`
	PiiDetected      string  `db:"pii_detected"`
	SecretsDetected  string  `db:"secrets_detected"`
	InjectionScore   float64 `db:"injection_score"`
}

// GetDecision reads one decision row by id.
func (s *Store) GetDecision(ctx context.Context, id string) (*DecisionRow, error) {
	var row DecisionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, api_key_id, request_model, request_provider,
		       prompt_hash, prompt_encrypted, prompt_tokens, completion_tokens,
		       total_tokens, cost_usd, credits_charged, latency_ms, status,
		       pii_detected, secrets_detected, injection_score
		FROM decision_log WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CountPiiIncidents reports how many incident rows reference a decision.
func (s *Store) CountPiiIncidents(ctx context.Context, decisionID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pii_incidents WHERE decision_id = ?`, decisionID)
	return n, err
}
