package tokens

import (
	"testing"

	"github.com/securetag/ai-gateway/internal/domain"
)

func TestCountTextOpenAIModelsAreExact(t *testing.T) {
	e := NewEstimator()

	est := e.CountText("gpt-4o", "Hello, world! This is a token counting test.")
	if est.Estimated {
		t.Error("gpt-4o should use an exact tokenizer")
	}
	if est.Tokens == 0 {
		t.Error("Tokens = 0, want > 0")
	}
}

func TestCountTextUnknownFamilyFallsBack(t *testing.T) {
	e := NewEstimator()

	est := e.CountText("claude-sonnet-4", "Hello, world! This is a token counting test.")
	if !est.Estimated {
		t.Error("non-OpenAI model should report an estimate")
	}
	if est.Tokens == 0 {
		t.Error("Tokens = 0, want heuristic count")
	}
}

func TestCountTextEmpty(t *testing.T) {
	e := NewEstimator()
	if est := e.CountText("claude-3", ""); est.Tokens != 0 {
		t.Errorf("Tokens = %d, want 0 for empty text", est.Tokens)
	}
}

func TestCountMessagesIncludesOverhead(t *testing.T) {
	e := NewEstimator()
	messages := []domain.ChatMessage{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}

	est := e.CountMessages("gpt-4o", messages)
	contentOnly := e.CountText("gpt-4o", "be terse").Tokens + e.CountText("gpt-4o", "hi").Tokens
	if est.Tokens <= contentOnly {
		t.Errorf("CountMessages = %d, want > content-only %d (framing overhead)", est.Tokens, contentOnly)
	}
}

func TestCodecCacheReuse(t *testing.T) {
	e := NewEstimator()
	e.CountText("gpt-4o", "warm the cache")
	if len(e.codecs) != 1 {
		t.Fatalf("codec cache size = %d, want 1", len(e.codecs))
	}
	e.CountText("o3-mini", "same encoding family")
	if len(e.codecs) != 1 {
		t.Errorf("codec cache size = %d, want 1 (shared encoding)", len(e.codecs))
	}
}
