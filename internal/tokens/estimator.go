// Package tokens estimates token usage when the provider does not report
// it, which happens on aborted streams and some OpenAI-compatible backends.
// OpenAI-family models get exact tiktoken counts; everything else falls back
// to a character heuristic.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/securetag/ai-gateway/internal/domain"
)

// Chat models carry per-message framing overhead plus assistant priming.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// heuristicCharsPerToken approximates English prose for non-OpenAI models.
const heuristicCharsPerToken = 4

// Estimate is a token count with its provenance.
type Estimate struct {
	Tokens    int
	Estimated bool
}

// Estimator counts tokens per model family.
type Estimator struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

func NewEstimator() *Estimator {
	return &Estimator{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// CountText counts tokens in a plain string.
func (e *Estimator) CountText(model, text string) Estimate {
	if codec := e.codec(model); codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return Estimate{Tokens: len(ids)}
		}
	}
	return Estimate{Tokens: heuristic(text), Estimated: true}
}

// CountMessages counts a chat request's prompt tokens including message
// framing overhead.
func (e *Estimator) CountMessages(model string, messages []domain.ChatMessage) Estimate {
	codec := e.codec(model)
	total := assistantPriming
	estimated := codec == nil

	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		if codec != nil {
			if ids, _, err := codec.Encode(msg.Content); err == nil {
				total += len(ids)
				continue
			}
			estimated = true
		}
		total += heuristic(msg.Content)
	}
	return Estimate{Tokens: total, Estimated: estimated}
}

// codec resolves a tiktoken codec for OpenAI-family models, nil otherwise.
// Codecs are cached per encoding.
func (e *Estimator) codec(model string) tokenizer.Codec {
	encoding, ok := modelEncoding(model)
	if !ok {
		return nil
	}

	e.mu.RLock()
	cached, hit := e.codecs[encoding]
	e.mu.RUnlock()
	if hit {
		return cached
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	e.codecs[encoding] = codec
	e.mu.Unlock()
	return codec
}

// modelEncoding maps OpenAI-family model names onto tiktoken encodings.
// O200kBase covers gpt-4o and the o-series, Cl100kBase the gpt-4/3.5
// generation. Non-OpenAI families report no encoding.
func modelEncoding(model string) (tokenizer.Encoding, bool) {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-5"), strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return tokenizer.O200kBase, true
	case strings.HasPrefix(m, "gpt-4"), strings.HasPrefix(m, "gpt-3.5"), strings.HasPrefix(m, "text-embedding"):
		return tokenizer.Cl100kBase, true
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "dall-e"):
		return tokenizer.O200kBase, true
	default:
		return "", false
	}
}

func heuristic(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / heuristicCharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}
