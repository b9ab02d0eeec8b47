package domain

import (
	"fmt"
	"strings"
	"time"
)

// MaxMessageContentLen bounds a single message's content.
const MaxMessageContentLen = 100_000

// MaxMessages bounds the number of messages per request.
const MaxMessages = 200

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
	"tool":      true,
	"function":  true,
}

// ChatMessage is one entry in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the OpenAI-compatible payload accepted by the gateway.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`

	// ProviderKey lets the caller supply their own upstream credential (BYOK).
	ProviderKey string `json:"provider_key,omitempty"`
}

// Validate checks request shape before any pipeline side effect occurs.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if len(r.Messages) > MaxMessages {
		return fmt.Errorf("too many messages: %d (max %d)", len(r.Messages), MaxMessages)
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		if len(m.Content) > MaxMessageContentLen {
			return fmt.Errorf("messages[%d]: content exceeds %d character limit", i, MaxMessageContentLen)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if r.MaxTokens != 0 && (r.MaxTokens < 1 || r.MaxTokens > 128_000) {
		return fmt.Errorf("max_tokens must be between 1 and 128000")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fmt.Errorf("top_p must be between 0 and 1")
	}
	return nil
}

// PromptText joins all message contents for hashing and scanning.
func (r *ChatRequest) PromptText() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, " ")
}

// AuthContext is the result of authenticating a request. Immutable once built.
type AuthContext struct {
	TenantID       string
	APIKeyID       string
	UserID         string
	KeyHash        string
	GatewayEnabled bool
}

// PiiAction controls what the gateway does with detected PII.
type PiiAction string

const (
	PiiRedact  PiiAction = "redact"
	PiiBlock   PiiAction = "block"
	PiiLogOnly PiiAction = "log_only"
)

// ActionLabel is the per-finding label recorded at detection time.
func (a PiiAction) ActionLabel() string {
	switch a {
	case PiiRedact:
		return "redacted"
	case PiiBlock:
		return "blocked"
	default:
		return "logged"
	}
}

// LoggingMode controls how prompts are persisted in the decision log.
type LoggingMode string

const (
	LogHash      LoggingMode = "hash"
	LogEncrypted LoggingMode = "encrypted"
)

// TenantPolicy is the per-tenant gateway configuration. Read-only to the
// orchestrator; loaded through the policy provider's TTL cache.
type TenantPolicy struct {
	TenantID               string
	Enabled                bool
	AllowedModels          []string
	BlockedModels          []string
	MaxTokensPerRequest    int
	MaxRequestsPerMinute   int
	PiiAction              PiiAction
	PiiEntities            []string
	PromptInjectionEnabled bool
	SecretsScanningEnabled bool
	OutputScanningEnabled  bool
	PromptLoggingMode      LoggingMode
}

// DefaultTenantPolicy is returned for tenants with no stored configuration.
func DefaultTenantPolicy(tenantID string) *TenantPolicy {
	return &TenantPolicy{
		TenantID:             tenantID,
		AllowedModels:        []string{"*"},
		MaxTokensPerRequest:  4096,
		MaxRequestsPerMinute: 60,
		PiiAction:            PiiRedact,
		PiiEntities: []string{
			"CREDIT_CARD", "EMAIL_ADDRESS", "PHONE_NUMBER",
			"PERSON", "US_SSN", "IP_ADDRESS",
		},
		PromptInjectionEnabled: true,
		SecretsScanningEnabled: true,
		OutputScanningEnabled:  true,
		PromptLoggingMode:      LogHash,
	}
}

// ModelAllowed applies the blocked list then the allow list ("*" = all).
func (p *TenantPolicy) ModelAllowed(model string) bool {
	for _, m := range p.BlockedModels {
		if m == model {
			return false
		}
	}
	for _, m := range p.AllowedModels {
		if m == "*" || m == model {
			return true
		}
	}
	return false
}

// KeyPolicy is the per-API-key override. Absence is valid; the orchestrator
// then falls back to the tenant policy and request-supplied credentials.
type KeyPolicy struct {
	ID           string
	TenantID     string
	APIKeyID     string
	KeyAlias     string
	RateLimitRPM int
	// ProviderKeys holds decrypted BYOK credentials keyed by provider name.
	ProviderKeys map[string]string
	Active       bool
}

// Status is the terminal outcome of one request, recorded in the decision log.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusBlockedPii       Status = "blocked_pii"
	StatusBlockedInjection Status = "blocked_injection"
	StatusBlockedSecrets   Status = "blocked_secrets"
	StatusBlockedPolicy    Status = "blocked_policy"
	StatusBlockedCredits   Status = "blocked_credits"
	StatusError            Status = "error"
)

// PiiFinding is one detected entity occurrence. The DecisionID is filled in
// by the audit recorder once the parent record's id is known.
type PiiFinding struct {
	DecisionID string  `json:"-"`
	TenantID   string  `json:"-"`
	EntityType string  `json:"entity_type"`
	Confidence float64 `json:"score"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Action     string  `json:"action"`
}

// SecretFinding describes a detected credential by type only; the raw value
// is never retained.
type SecretFinding struct {
	Type string `json:"type"`
}

// DecisionRecord is one immutable audit row per terminal request outcome.
type DecisionRecord struct {
	ID               string
	TenantID         string
	APIKeyID         string
	RequestModel     string
	RequestProvider  string
	PromptHash       string
	PromptEncrypted  string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	CreditsCharged   float64
	LatencyMS        int64
	Status           Status
	PiiDetected      []PiiFinding
	SecretsDetected  []SecretFinding
	InjectionScore   float64
	CreatedAt        time.Time
}

// InferProvider maps a model name onto a known vendor family. Used only to
// select a stored BYOK credential and to label the audit record.
func InferProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case containsAny(m, "gpt", "o1", "o3", "dall-e"):
		return "openai"
	case containsAny(m, "claude", "haiku", "sonnet", "opus"):
		return "anthropic"
	case containsAny(m, "gemini", "palm"):
		return "google"
	case containsAny(m, "llama", "mixtral", "mistral"):
		return "together_ai"
	default:
		return "openai"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
