package domain

import (
	"strings"
	"testing"
)

func validRequest() *ChatRequest {
	return &ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	}
}

func TestChatRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ChatRequest)
		wantErr bool
	}{
		{"valid", func(r *ChatRequest) {}, false},
		{"missing model", func(r *ChatRequest) { r.Model = "" }, true},
		{"no messages", func(r *ChatRequest) { r.Messages = nil }, true},
		{"bad role", func(r *ChatRequest) { r.Messages[0].Role = "robot" }, true},
		{"content too long", func(r *ChatRequest) {
			r.Messages[0].Content = strings.Repeat("a", MaxMessageContentLen+1)
		}, true},
		{"temperature too high", func(r *ChatRequest) {
			temp := 2.5
			r.Temperature = &temp
		}, true},
		{"max_tokens too high", func(r *ChatRequest) { r.MaxTokens = 200_000 }, true},
		{"top_p negative", func(r *ChatRequest) {
			topP := -0.1
			r.TopP = &topP
		}, true},
		{"tool role allowed", func(r *ChatRequest) { r.Messages[0].Role = "tool" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	t.Run("too many messages", func(t *testing.T) {
		req := validRequest()
		for i := 0; i <= MaxMessages; i++ {
			req.Messages = append(req.Messages, ChatMessage{Role: "user", Content: "x"})
		}
		if err := req.Validate(); err == nil {
			t.Error("Validate() expected error for >200 messages")
		}
	})
}

func TestInferProvider(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "openai"},
		{"o1-preview", "openai"},
		{"claude-sonnet-4-5", "anthropic"},
		{"claude-3-haiku", "anthropic"},
		{"gemini-2.0-flash", "google"},
		{"mixtral-8x7b", "together_ai"},
		{"llama-3.1-70b", "together_ai"},
		{"some-unknown-model", "openai"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := InferProvider(tt.model); got != tt.want {
				t.Errorf("InferProvider(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestModelAllowed(t *testing.T) {
	tests := []struct {
		name    string
		policy  TenantPolicy
		model   string
		allowed bool
	}{
		{"wildcard", TenantPolicy{AllowedModels: []string{"*"}}, "gpt-4o", true},
		{"explicit allow", TenantPolicy{AllowedModels: []string{"gpt-4o"}}, "gpt-4o", true},
		{"not in allow list", TenantPolicy{AllowedModels: []string{"gpt-4o"}}, "gpt-4o-mini", false},
		{"blocked wins over wildcard", TenantPolicy{
			AllowedModels: []string{"*"},
			BlockedModels: []string{"gpt-4o"},
		}, "gpt-4o", false},
		{"empty allow list denies", TenantPolicy{}, "gpt-4o", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.ModelAllowed(tt.model); got != tt.allowed {
				t.Errorf("ModelAllowed(%q) = %v, want %v", tt.model, got, tt.allowed)
			}
		})
	}
}

func TestActionLabel(t *testing.T) {
	if got := PiiRedact.ActionLabel(); got != "redacted" {
		t.Errorf("ActionLabel() = %q, want redacted", got)
	}
	if got := PiiBlock.ActionLabel(); got != "blocked" {
		t.Errorf("ActionLabel() = %q, want blocked", got)
	}
	if got := PiiLogOnly.ActionLabel(); got != "logged" {
		t.Errorf("ActionLabel() = %q, want logged", got)
	}
}
