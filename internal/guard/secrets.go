package guard

import (
	"regexp"
	"strings"

	"github.com/securetag/ai-gateway/internal/domain"
)

// secretRedaction replaces every detected credential in redacted output.
const secretRedaction = "<SECRET_DETECTED>"

// SecretDetector is a pluggable credential scanner. Extra detectors stack on
// top of the builtin pattern set; failures in one detector are swallowed by
// the caller.
type SecretDetector interface {
	DetectSecrets(text string) ([]domain.SecretFinding, error)
}

type secretPattern struct {
	secretType string
	re         *regexp.Regexp
}

// builtinSecretPatterns cover the credential shapes seen in practice:
// bearer headers, vendor API keys, cloud access keys, VCS tokens, and PEM
// private key headers.
var builtinSecretPatterns = []secretPattern{
	{"bearer_token", regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`)},
	{"openai_api_key", regexp.MustCompile(`sk-[A-Za-z0-9\-_]{20,}`)},
	{"slack_bot_token", regexp.MustCompile(`xoxb-[0-9]{10,}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"github_token", regexp.MustCompile(`gh[pso]_[A-Za-z0-9_]{36,}`)},
	{"github_pat", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`)},
	{"stripe_key", regexp.MustCompile(`sk_live_[A-Za-z0-9]{20,}`)},
	{"private_key", regexp.MustCompile(`-----BEGIN\s+(RSA|DSA|EC|OPENSSH)\s+PRIVATE\s+KEY-----`)},
}

// SecretScanner combines the builtin patterns with any extra detectors.
type SecretScanner struct {
	extra []SecretDetector
}

func NewSecretScanner(extra ...SecretDetector) *SecretScanner {
	return &SecretScanner{extra: extra}
}

// Scan returns the distinct credential types found in the text. Findings
// carry only the type, never the matched value.
func (s *SecretScanner) Scan(text string) []domain.SecretFinding {
	seen := make(map[string]bool)
	var findings []domain.SecretFinding

	add := func(secretType string) {
		key := strings.ToLower(secretType)
		if seen[key] {
			return
		}
		seen[key] = true
		findings = append(findings, domain.SecretFinding{Type: secretType})
	}

	for _, p := range builtinSecretPatterns {
		if p.re.MatchString(text) {
			add(p.secretType)
		}
	}

	for _, d := range s.extra {
		extraFindings, err := d.DetectSecrets(text)
		if err != nil {
			continue
		}
		for _, f := range extraFindings {
			add(f.Type)
		}
	}

	return findings
}

// RedactSecrets rewrites every known credential shape to the redaction
// placeholder. Idempotent: the placeholder matches no pattern.
func RedactSecrets(text string) string {
	result := text
	for _, p := range builtinSecretPatterns {
		result = p.re.ReplaceAllString(result, secretRedaction)
	}
	return result
}
