package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/securetag/ai-gateway/internal/domain"
	"github.com/securetag/ai-gateway/internal/upstream"
)

// streamTerminator closes every SSE response, error or not.
var streamTerminator = []byte("data: [DONE]\n\n")

// StreamSession is an open upstream stream plus the state needed to settle
// the request after the last chunk. The server hands chunks to the client
// through Run and must call Close on every path so the concurrency gate
// slot is returned exactly once.
type StreamSession struct {
	o           *Orchestrator
	auth        *domain.AuthContext
	req         *domain.ChatRequest
	pre         *prechecked
	events      <-chan upstream.StreamResult
	releaseOnce sync.Once
}

// PrepareStream runs the shared pre-checks, acquires a stream slot, and
// opens the upstream stream. Every abort settles the ledger before
// returning, so no model bytes can reach the client after a rejection.
func (o *Orchestrator) PrepareStream(ctx context.Context, auth *domain.AuthContext, req *domain.ChatRequest) (*StreamSession, *Rejection, error) {
	ctx, span := tracer.Start(ctx, "pipeline.stream", trace.WithAttributes(
		attribute.String("tenant.id", auth.TenantID),
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	pre, rej, err := o.runPrechecks(ctx, auth, req)
	if err != nil || rej != nil {
		return nil, rej, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, o.cfg.StreamAcquireTimeout)
	defer cancel()
	if err := o.streams.Acquire(acquireCtx, 1); err != nil {
		if _, refundErr := o.credits.Refund(ctx, auth.TenantID, o.cfg.CreditCostProxy, "stream capacity exceeded"); refundErr != nil {
			return nil, nil, refundErr
		}
		o.record(o.errorRecord(auth, req, pre))
		return nil, reject(http.StatusServiceUnavailable, "Streaming capacity exceeded, retry shortly"), nil
	}

	upReq := upstream.NewCompletionRequest(req, pre.messages)
	if upReq.MaxTokens == 0 {
		upReq.MaxTokens = pre.policy.MaxTokensPerRequest
	}

	events, err := o.gateway.Stream(ctx, upReq, pre.credential)
	if err != nil {
		o.streams.Release(1)
		if _, refundErr := o.credits.Refund(ctx, auth.TenantID, o.cfg.CreditCostProxy, "upstream error"); refundErr != nil {
			return nil, nil, refundErr
		}
		o.record(o.errorRecord(auth, req, pre))
		return nil, reject(http.StatusBadGateway, fmt.Sprintf("LLM provider error: %v", err)), nil
	}

	return &StreamSession{
		o:      o,
		auth:   auth,
		req:    req,
		pre:    pre,
		events: events,
	}, nil, nil
}

// Close returns the session's gate slot. Safe to call multiple times and
// concurrently with Run's own release.
func (s *StreamSession) Close() {
	s.releaseOnce.Do(func() { s.o.streams.Release(1) })
}

// Run forwards chunks to emit as framed SSE events, accumulating assistant
// deltas and the terminal usage chunk along the way, then settles credits
// and writes the decision record. Output scanning on this path is log-only:
// forwarded bytes cannot be redacted after the fact.
func (s *StreamSession) Run(ctx context.Context, emit func([]byte) error) {
	defer s.Close()

	var accumulated string
	var usage *upstream.Usage
	streamErr := false
	clientGone := false

	for res := range s.events {
		if res.Err != nil {
			streamErr = true
			frame, _ := json.Marshal(map[string]any{
				"error": map[string]any{"message": res.Err.Error(), "type": "stream_error"},
			})
			if !clientGone {
				_ = emit(append(append([]byte("data: "), frame...), '\n', '\n'))
			}
			break
		}

		accumulated += res.Chunk.Delta()
		if res.Chunk.Usage != nil {
			usage = res.Chunk.Usage
		}

		if clientGone {
			// Keep draining so the upstream read completes and usage is
			// still captured for the audit record.
			continue
		}

		data, err := json.Marshal(res.Chunk)
		if err != nil {
			continue
		}
		if err := emit(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
			clientGone = true
		}
	}

	if !clientGone {
		_ = emit(streamTerminator)
	}

	s.finalize(accumulated, usage, streamErr)
}

// finalize settles the ledger and emits the decision record after the
// stream ends. Mid-stream failures refund in full and charge nothing. The
// request context may already be canceled (client gone), so settlement runs
// on its own deadline.
func (s *StreamSession) finalize(accumulated string, usage *upstream.Usage, streamErr bool) {
	o := s.o
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if streamErr {
		if _, err := o.credits.Refund(ctx, s.auth.TenantID, o.cfg.CreditCostProxy, "error during streaming"); err != nil {
			o.logger.Error("post-stream refund failed",
				slog.String("tenant_id", s.auth.TenantID),
				slog.String("error", err.Error()))
		}
		o.record(o.errorRecord(s.auth, s.req, s.pre))
		return
	}

	rec := o.successRecord(s.auth, s.req, s.pre, o.cfg.CreditCostProxy)
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	} else {
		promptEst := o.estimator.CountMessages(s.req.Model, s.req.Messages)
		completionEst := o.estimator.CountText(s.req.Model, accumulated)
		rec.PromptTokens = promptEst.Tokens
		rec.CompletionTokens = completionEst.Tokens
		rec.TotalTokens = promptEst.Tokens + completionEst.Tokens
	}

	if s.pre.policy.OutputScanningEnabled && accumulated != "" {
		out := o.guard.ScanOutput(accumulated, s.pre.policy)
		if out.Modified {
			o.logger.Warn("sensitive content detected in streamed output",
				slog.String("tenant_id", s.auth.TenantID),
				slog.Int("pii_findings", len(out.PiiFindings)),
				slog.Int("secret_findings", len(out.Secrets)))
			rec.PiiDetected = append(rec.PiiDetected, out.PiiFindings...)
			rec.SecretsDetected = append(rec.SecretsDetected, out.Secrets...)
		}
	}

	o.record(rec)
}
