// Package orchestrator runs the per-request pipeline: policy load, rate
// limit, credit reservation, model validation, content scanning, the
// upstream call, and the audit write.
//
// Policy and content rejections are values, not errors: each checkpoint
// returns a *Rejection carrying its HTTP mapping, which makes the
// compensating refund visible at the call site that decides to abort.
// Errors are reserved for infrastructure failures, which are request-fatal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/securetag/ai-gateway/internal/audit"
	"github.com/securetag/ai-gateway/internal/domain"
	"github.com/securetag/ai-gateway/internal/encryption"
	"github.com/securetag/ai-gateway/internal/guard"
	"github.com/securetag/ai-gateway/internal/ledger"
	"github.com/securetag/ai-gateway/internal/pii"
	"github.com/securetag/ai-gateway/internal/policy"
	"github.com/securetag/ai-gateway/internal/ratelimit"
	"github.com/securetag/ai-gateway/internal/tokens"
	"github.com/securetag/ai-gateway/internal/upstream"
)

// Config carries the pipeline's tunables.
type Config struct {
	// CreditCostProxy is reserved upfront for every proxied request.
	CreditCostProxy float64
	// CreditCostBlocked is the inspection fee retained on content blocks.
	CreditCostBlocked float64
	// InjectionThreshold overrides the guard default when > 0.
	InjectionThreshold float64
	// MaxConcurrentStreams bounds open SSE connections server-wide.
	MaxConcurrentStreams int64
	// StreamAcquireTimeout bounds the wait for a stream slot.
	StreamAcquireTimeout time.Duration
}

// Rejection is a deterministic pipeline abort with its HTTP mapping. The
// compensating ledger action has already happened by the time a Rejection
// is returned.
type Rejection struct {
	HTTPStatus int
	Message    string
	// Fields carries checkpoint-specific diagnostics for the response body.
	Fields map[string]any
}

func reject(status int, message string) *Rejection {
	return &Rejection{HTTPStatus: status, Message: message}
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	policies  *policy.Provider
	limiter   *ratelimit.Limiter
	credits   *ledger.Ledger
	guard     *guard.Guard
	pii       *pii.Scanner
	gateway   upstream.Gateway
	recorder  *audit.Recorder
	cipher    *encryption.Cipher
	estimator *tokens.Estimator
	streams   *semaphore.Weighted
	cfg       Config
	logger    *slog.Logger
}

func New(
	policies *policy.Provider,
	limiter *ratelimit.Limiter,
	credits *ledger.Ledger,
	contentGuard *guard.Guard,
	piiScanner *pii.Scanner,
	gateway upstream.Gateway,
	recorder *audit.Recorder,
	cipher *encryption.Cipher,
	estimator *tokens.Estimator,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = 50
	}
	if cfg.StreamAcquireTimeout <= 0 {
		cfg.StreamAcquireTimeout = 5 * time.Second
	}
	return &Orchestrator{
		policies:  policies,
		limiter:   limiter,
		credits:   credits,
		guard:     contentGuard,
		pii:       piiScanner,
		gateway:   gateway,
		recorder:  recorder,
		cipher:    cipher,
		estimator: estimator,
		streams:   semaphore.NewWeighted(cfg.MaxConcurrentStreams),
		cfg:       cfg,
		logger:    logger,
	}
}

// prechecked is the state accumulated by the shared pre-check sequence.
type prechecked struct {
	policy     *domain.TenantPolicy
	keyPolicy  *domain.KeyPolicy
	start      time.Time
	verdict    guard.InputVerdict
	piiResult  pii.Result
	messages   []domain.ChatMessage
	credential string
}

// runPrechecks executes steps 1-7: policy load, rate limit, credit
// reservation, model validation, input guard, PII scan, credential
// resolution. A returned Rejection has already settled the ledger.
func (o *Orchestrator) runPrechecks(ctx context.Context, auth *domain.AuthContext, req *domain.ChatRequest) (*prechecked, *Rejection, error) {
	start := time.Now()

	tenantPolicy, err := o.policies.TenantPolicy(ctx, auth.TenantID)
	if err != nil {
		return nil, nil, err
	}
	keyPolicy, err := o.policies.KeyPolicy(ctx, auth.APIKeyID)
	if err != nil {
		return nil, nil, err
	}

	keyRPM := 0
	if keyPolicy != nil {
		keyRPM = keyPolicy.RateLimitRPM
	}
	if err := o.limiter.Check(ctx, auth.TenantID, auth.APIKeyID, keyRPM, tenantPolicy.MaxRequestsPerMinute); err != nil {
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			return nil, reject(http.StatusTooManyRequests, exceeded.Error()), nil
		}
		return nil, nil, err
	}

	reserved, err := o.credits.Reserve(ctx, auth.TenantID, o.cfg.CreditCostProxy)
	if err != nil {
		return nil, nil, err
	}
	if !reserved {
		o.record(o.blockedRecord(auth, req, domain.StatusBlockedCredits, start, 0))
		r := reject(http.StatusPaymentRequired, "Insufficient credits")
		r.Fields = map[string]any{
			"required": o.cfg.CreditCostProxy,
			"balance":  o.credits.Balance(ctx, auth.TenantID),
		}
		return nil, r, nil
	}

	if !tenantPolicy.ModelAllowed(req.Model) {
		// Model rejections charge nothing: return the full reservation.
		if _, err := o.credits.Refund(ctx, auth.TenantID, o.cfg.CreditCostProxy, "model not permitted"); err != nil {
			return nil, nil, err
		}
		o.record(o.blockedRecord(auth, req, domain.StatusBlockedPolicy, start, 0))
		return nil, reject(http.StatusForbidden, fmt.Sprintf("Model %q is not permitted for this tenant", req.Model)), nil
	}

	verdict := o.guard.ScanInput(req.Messages, tenantPolicy, o.cfg.InjectionThreshold)
	if verdict.Blocked {
		if err := o.credits.ChargeInspectionFee(ctx, auth.TenantID, o.cfg.CreditCostProxy, o.cfg.CreditCostBlocked); err != nil {
			return nil, nil, err
		}

		switch verdict.BlockReason {
		case guard.BlockReasonInjection:
			rec := o.blockedRecord(auth, req, domain.StatusBlockedInjection, start, o.cfg.CreditCostBlocked)
			rec.InjectionScore = verdict.InjectionScore
			o.record(rec)

			r := reject(http.StatusForbidden, "Prompt injection detected")
			r.Fields = map[string]any{
				"score":    verdict.InjectionScore,
				"patterns": verdict.InjectionPatterns,
			}
			return nil, r, nil

		default:
			rec := o.blockedRecord(auth, req, domain.StatusBlockedSecrets, start, o.cfg.CreditCostBlocked)
			rec.SecretsDetected = verdict.Secrets
			o.record(rec)

			types := make([]string, 0, len(verdict.Secrets))
			for _, s := range verdict.Secrets {
				types = append(types, s.Type)
			}
			r := reject(http.StatusBadRequest, "Secrets/credentials detected in request")
			r.Fields = map[string]any{
				"count": len(verdict.Secrets),
				"types": types,
			}
			return nil, r, nil
		}
	}

	piiResult := o.pii.ScanMessages(req.Messages, tenantPolicy.PiiAction, tenantPolicy.PiiEntities)
	if piiResult.Found && tenantPolicy.PiiAction == domain.PiiBlock {
		if err := o.credits.ChargeInspectionFee(ctx, auth.TenantID, o.cfg.CreditCostProxy, o.cfg.CreditCostBlocked); err != nil {
			return nil, nil, err
		}

		rec := o.blockedRecord(auth, req, domain.StatusBlockedPii, start, o.cfg.CreditCostBlocked)
		rec.PiiDetected = piiResult.Findings
		o.record(rec)

		entities := make([]map[string]any, 0, len(piiResult.Findings))
		for _, f := range piiResult.Findings {
			entities = append(entities, map[string]any{"type": f.EntityType, "score": f.Confidence})
		}
		r := reject(http.StatusBadRequest, "PII detected in request")
		r.Fields = map[string]any{"entities": entities}
		return nil, r, nil
	}

	return &prechecked{
		policy:     tenantPolicy,
		keyPolicy:  keyPolicy,
		start:      start,
		verdict:    verdict,
		piiResult:  piiResult,
		messages:   piiResult.Sanitized,
		credential: resolveCredential(req, keyPolicy),
	}, nil, nil
}

var tracer = otel.Tracer("github.com/securetag/ai-gateway/internal/orchestrator")

// Process runs the non-streaming pipeline end to end.
func (o *Orchestrator) Process(ctx context.Context, auth *domain.AuthContext, req *domain.ChatRequest) (*upstream.CompletionResponse, *Rejection, error) {
	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("tenant.id", auth.TenantID),
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	pre, rej, err := o.runPrechecks(ctx, auth, req)
	if err != nil || rej != nil {
		return nil, rej, err
	}

	upReq := upstream.NewCompletionRequest(req, pre.messages)
	if upReq.MaxTokens == 0 {
		upReq.MaxTokens = pre.policy.MaxTokensPerRequest
	}

	resp, err := o.gateway.Complete(ctx, upReq, pre.credential)
	if err != nil {
		if _, refundErr := o.credits.Refund(ctx, auth.TenantID, o.cfg.CreditCostProxy, "upstream error"); refundErr != nil {
			return nil, nil, refundErr
		}
		o.record(o.errorRecord(auth, req, pre))
		return nil, reject(http.StatusBadGateway, fmt.Sprintf("LLM provider error: %v", err)), nil
	}

	var outputPii []domain.PiiFinding
	var outputSecrets []domain.SecretFinding
	if pre.policy.OutputScanningEnabled && resp.Text() != "" {
		out := o.guard.ScanOutput(resp.Text(), pre.policy)
		if out.Modified {
			resp.Choices[0].Message.Content = out.Sanitized
		}
		outputPii = out.PiiFindings
		outputSecrets = out.Secrets
	}

	rec := o.successRecord(auth, req, pre, o.cfg.CreditCostProxy)
	if resp.Usage != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
	} else {
		est := o.estimator.CountMessages(req.Model, req.Messages)
		rec.PromptTokens = est.Tokens
	}
	rec.PiiDetected = append(rec.PiiDetected, outputPii...)
	rec.SecretsDetected = append(rec.SecretsDetected, outputSecrets...)
	o.record(rec)

	return resp, nil, nil
}

// resolveCredential picks the upstream key: request-supplied first, then the
// key policy's stored credential for the model's inferred provider, then
// none (the client falls back to its system default).
func resolveCredential(req *domain.ChatRequest, keyPolicy *domain.KeyPolicy) string {
	if req.ProviderKey != "" {
		return req.ProviderKey
	}
	if keyPolicy != nil && len(keyPolicy.ProviderKeys) > 0 {
		return keyPolicy.ProviderKeys[domain.InferProvider(req.Model)]
	}
	return ""
}

// record hands the decision to the async recorder.
func (o *Orchestrator) record(rec *domain.DecisionRecord) {
	o.recorder.Record(rec)
}

func (o *Orchestrator) blockedRecord(auth *domain.AuthContext, req *domain.ChatRequest, status domain.Status, start time.Time, charged float64) *domain.DecisionRecord {
	return &domain.DecisionRecord{
		TenantID:        auth.TenantID,
		APIKeyID:        auth.APIKeyID,
		RequestModel:    req.Model,
		RequestProvider: domain.InferProvider(req.Model),
		CreditsCharged:  charged,
		LatencyMS:       time.Since(start).Milliseconds(),
		Status:          status,
		CreatedAt:       time.Now().UTC(),
	}
}

func (o *Orchestrator) errorRecord(auth *domain.AuthContext, req *domain.ChatRequest, pre *prechecked) *domain.DecisionRecord {
	rec := o.blockedRecord(auth, req, domain.StatusError, pre.start, 0)
	rec.InjectionScore = pre.verdict.InjectionScore
	if pre.piiResult.Found {
		rec.PiiDetected = pre.piiResult.Findings
	}
	return rec
}

func (o *Orchestrator) successRecord(auth *domain.AuthContext, req *domain.ChatRequest, pre *prechecked, charged float64) *domain.DecisionRecord {
	prompt := req.PromptText()
	rec := &domain.DecisionRecord{
		TenantID:        auth.TenantID,
		APIKeyID:        auth.APIKeyID,
		RequestModel:    req.Model,
		RequestProvider: domain.InferProvider(req.Model),
		PromptHash:      encryption.HashPrompt(prompt),
		CreditsCharged:  charged,
		LatencyMS:       time.Since(pre.start).Milliseconds(),
		Status:          domain.StatusSuccess,
		InjectionScore:  pre.verdict.InjectionScore,
		CreatedAt:       time.Now().UTC(),
	}
	if pre.piiResult.Found {
		rec.PiiDetected = pre.piiResult.Findings
	}
	if pre.policy.PromptLoggingMode == domain.LogEncrypted {
		encrypted, err := o.cipher.Encrypt(prompt)
		if err != nil {
			o.logger.Warn("prompt encryption for audit failed",
				slog.String("tenant_id", auth.TenantID),
				slog.String("error", err.Error()))
		} else {
			rec.PromptEncrypted = encrypted
		}
	}
	return rec
}
