package guard

import (
	"log/slog"
	"strings"

	"github.com/securetag/ai-gateway/internal/domain"
	"github.com/securetag/ai-gateway/internal/pii"
)

// Block reasons reported by the input scan.
const (
	BlockReasonInjection = "injection"
	BlockReasonSecrets   = "secrets"
)

// InputVerdict is the combined result of injection and secret scanning over
// a request's non-system content.
type InputVerdict struct {
	Blocked           bool
	BlockReason       string
	InjectionScore    float64
	InjectionPatterns []string
	Secrets           []domain.SecretFinding
}

// OutputResult is the sanitized upstream response text plus the incidents
// recorded while cleaning it.
type OutputResult struct {
	Sanitized   string
	Modified    bool
	PiiFindings []domain.PiiFinding
	Secrets     []domain.SecretFinding
}

// Guard composes the three scanners. The pii scanner is shared with the
// request path.
type Guard struct {
	injection *InjectionScanner
	secrets   *SecretScanner
	pii       *pii.Scanner
	logger    *slog.Logger
}

func New(injection *InjectionScanner, secrets *SecretScanner, piiScanner *pii.Scanner, logger *slog.Logger) *Guard {
	return &Guard{injection: injection, secrets: secrets, pii: piiScanner, logger: logger}
}

// ScanInput runs injection then secret scanning over the concatenated
// non-system message content. An injection block short-circuits the secret
// scan, so a blocked-injection verdict carries no secret findings.
func (g *Guard) ScanInput(messages []domain.ChatMessage, policy *domain.TenantPolicy, threshold float64) InputVerdict {
	var parts []string
	for _, msg := range messages {
		if msg.Role != "system" && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		return InputVerdict{}
	}

	var verdict InputVerdict

	if policy.PromptInjectionEnabled {
		scanner := g.injection
		if threshold > 0 && threshold != scanner.threshold {
			scanner = NewInjectionScanner(scanner.patterns, threshold)
		}
		res := scanner.Scan(text)
		verdict.InjectionScore = res.Score
		verdict.InjectionPatterns = res.MatchedPatterns
		if res.Blocked {
			verdict.Blocked = true
			verdict.BlockReason = BlockReasonInjection
			return verdict
		}
	}

	if policy.SecretsScanningEnabled {
		if findings := g.secrets.Scan(text); len(findings) > 0 {
			verdict.Blocked = true
			verdict.BlockReason = BlockReasonSecrets
			verdict.Secrets = findings
			return verdict
		}
	}

	return verdict
}

// ScanOutput sanitizes upstream response text: PII is always redacted here
// regardless of the tenant's input-side action, then known credential shapes
// are rewritten. A PII engine failure leaves the text unsanitized.
func (g *Guard) ScanOutput(text string, policy *domain.TenantPolicy) OutputResult {
	if text == "" {
		return OutputResult{Sanitized: text}
	}

	result := OutputResult{Sanitized: text}

	piiRes := g.pii.ScanMessages(
		[]domain.ChatMessage{{Role: "assistant", Content: result.Sanitized}},
		domain.PiiRedact,
		policy.PiiEntities,
	)
	if piiRes.Found {
		result.Sanitized = piiRes.Sanitized[0].Content
		result.Modified = true
		result.PiiFindings = piiRes.Findings
	}

	if policy.SecretsScanningEnabled {
		if findings := g.secrets.Scan(result.Sanitized); len(findings) > 0 {
			result.Sanitized = RedactSecrets(result.Sanitized)
			result.Modified = true
			result.Secrets = findings
		}
	}

	return result
}
