package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/securetag/ai-gateway/internal/domain"
)

func testRequest() *CompletionRequest {
	return NewCompletionRequest(
		&domain.ChatRequest{Model: "gpt-4o", MaxTokens: 128},
		[]domain.ChatMessage{{Role: "user", Content: "hi"}},
	)
}

func TestCompleteSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("non-streaming call sent stream=true")
		}
		json.NewEncoder(w).Encode(CompletionResponse{
			ID:      "cmpl-1",
			Model:   req.Model,
			Choices: []Choice{{Message: domain.ChatMessage{Role: "assistant", Content: "hello"}, FinishReason: "stop"}},
			Usage:   &Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	}))
	defer srv.Close()

	c := NewClient("sk-default", WithBaseURL(srv.URL))
	resp, err := c.Complete(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text() != "hello" {
		t.Errorf("Text() = %q, want hello", resp.Text())
	}
	if resp.Usage.TotalTokens != 4 {
		t.Errorf("TotalTokens = %d, want 4", resp.Usage.TotalTokens)
	}
	if gotAuth != "Bearer sk-default" {
		t.Errorf("Authorization = %q, want default key", gotAuth)
	}
}

func TestCompleteCredentialOverride(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(CompletionResponse{})
	}))
	defer srv.Close()

	c := NewClient("sk-default", WithBaseURL(srv.URL))
	if _, err := c.Complete(context.Background(), testRequest(), "sk-byok"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if gotAuth != "Bearer sk-byok" {
		t.Errorf("Authorization = %q, want per-request key", gotAuth)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	c := NewClient("sk-default", WithBaseURL(srv.URL))
	_, err := c.Complete(context.Background(), testRequest(), "")

	var upErr *Error
	if !errors.As(err, &upErr) {
		t.Fatalf("error = %v, want *upstream.Error", err)
	}
	if upErr.StatusCode != http.StatusTooManyRequests || upErr.Message != "rate limited" {
		t.Errorf("error = %+v", upErr)
	}
}

func TestStreamDeliversChunksAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("stream request missing stream flags: %+v", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient("sk-default", WithBaseURL(srv.URL))
	stream, err := c.Stream(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var text string
	var usage *Usage
	for res := range stream {
		if res.Err != nil {
			t.Fatalf("stream error = %v", res.Err)
		}
		text += res.Chunk.Delta()
		if res.Chunk.Usage != nil {
			usage = res.Chunk.Usage
		}
	}

	if text != "Hello" {
		t.Errorf("accumulated text = %q, want Hello", text)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Errorf("usage = %+v, want total 5", usage)
	}
}

func TestStreamErrorBeforeOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	c := NewClient("sk-default", WithBaseURL(srv.URL))
	_, err := c.Stream(context.Background(), testRequest(), "")

	var upErr *Error
	if !errors.As(err, &upErr) {
		t.Fatalf("error = %v, want *upstream.Error", err)
	}
	if upErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", upErr.StatusCode)
	}
}

func TestStreamMalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: {not json}\n\n")
	}))
	defer srv.Close()

	c := NewClient("sk-default", WithBaseURL(srv.URL))
	stream, err := c.Stream(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var sawErr bool
	for res := range stream {
		if res.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("malformed chunk should surface as a stream error")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(ModelList{
			Object: "list",
			Data:   []Model{{ID: "gpt-4o", Object: "model", OwnedBy: "openai"}},
		})
	}))
	defer srv.Close()

	c := NewClient("sk-default", WithBaseURL(srv.URL))
	list, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "gpt-4o" {
		t.Errorf("list = %+v", list)
	}
}
