package pii

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/securetag/ai-gateway/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPatternRecognizerFindsEntities(t *testing.T) {
	r := NewPatternRecognizer()
	tests := []struct {
		name   string
		text   string
		entity string
	}{
		{"email", "contact me at alice@example.com please", "EMAIL_ADDRESS"},
		{"ssn", "ssn is 123-45-6789 ok", "US_SSN"},
		{"ip", "server at 10.0.0.12 is down", "IP_ADDRESS"},
		{"person", "ask Dr. Jane Smith about it", "PERSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detections, err := r.Analyze(tt.text, nil)
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			found := false
			for _, d := range detections {
				if d.EntityType == tt.entity {
					found = true
					if got := tt.text[d.Start:d.End]; got == "" {
						t.Errorf("empty span for %s", tt.entity)
					}
				}
			}
			if !found {
				t.Errorf("Analyze(%q) missed %s", tt.text, tt.entity)
			}
		})
	}
}

func TestPatternRecognizerRespectsEntityFilter(t *testing.T) {
	r := NewPatternRecognizer()
	detections, err := r.Analyze("alice@example.com lives at 10.0.0.1", []string{"IP_ADDRESS"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	for _, d := range detections {
		if d.EntityType != "IP_ADDRESS" {
			t.Errorf("unexpected entity %s with filter applied", d.EntityType)
		}
	}
}

func TestMergeKeepsHigherScoreOnOverlap(t *testing.T) {
	merged := Merge([]Detection{
		{EntityType: "PHONE_NUMBER", Score: 0.65, Start: 5, End: 17},
		{EntityType: "US_SSN", Score: 0.90, Start: 5, End: 16},
		{EntityType: "EMAIL_ADDRESS", Score: 0.95, Start: 30, End: 45},
	})

	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2", len(merged))
	}
	if merged[0].EntityType != "US_SSN" {
		t.Errorf("merged[0] = %s, want US_SSN (higher score wins overlap)", merged[0].EntityType)
	}
	if merged[1].EntityType != "EMAIL_ADDRESS" {
		t.Errorf("merged[1] = %s, want EMAIL_ADDRESS", merged[1].EntityType)
	}
}

func TestRedactReplacesSpansWithPlaceholders(t *testing.T) {
	text := "email alice@example.com and ssn 123-45-6789"
	detections := []Detection{
		{EntityType: "EMAIL_ADDRESS", Score: 0.95, Start: 6, End: 23},
		{EntityType: "US_SSN", Score: 0.90, Start: 32, End: 43},
	}

	got := Redact(text, detections)
	want := "email <EMAIL_ADDRESS> and ssn <US_SSN>"
	if got != want {
		t.Errorf("Redact() = %q, want %q", got, want)
	}
}

func TestScanMessagesRedacts(t *testing.T) {
	s := NewScanner([]Recognizer{NewPatternRecognizer()}, 0.5, discard)
	messages := []domain.ChatMessage{
		{Role: "system", Content: "you know alice@example.com"},
		{Role: "user", Content: "my email is bob@example.org, reach out"},
	}

	res := s.ScanMessages(messages, domain.PiiRedact, nil)
	if !res.Found {
		t.Fatal("Found = false, want true")
	}
	// System messages pass through untouched.
	if res.Sanitized[0].Content != messages[0].Content {
		t.Errorf("system message was modified: %q", res.Sanitized[0].Content)
	}
	if !strings.Contains(res.Sanitized[1].Content, "<EMAIL_ADDRESS>") {
		t.Errorf("user message not redacted: %q", res.Sanitized[1].Content)
	}
	if strings.Contains(res.Sanitized[1].Content, "bob@example.org") {
		t.Errorf("redacted message still contains the address: %q", res.Sanitized[1].Content)
	}
	for _, f := range res.Findings {
		if f.Action != "redacted" {
			t.Errorf("finding action = %q, want redacted", f.Action)
		}
	}
}

func TestScanMessagesBlockLeavesContentIntact(t *testing.T) {
	s := NewScanner([]Recognizer{NewPatternRecognizer()}, 0.5, discard)
	messages := []domain.ChatMessage{{Role: "user", Content: "ssn 123-45-6789"}}

	res := s.ScanMessages(messages, domain.PiiBlock, nil)
	if !res.Found {
		t.Fatal("Found = false, want true")
	}
	if res.Sanitized[0].Content != messages[0].Content {
		t.Error("block mode must not rewrite content")
	}
	if res.Findings[0].Action != "blocked" {
		t.Errorf("finding action = %q, want blocked", res.Findings[0].Action)
	}
}

func TestScanMessagesNoFindings(t *testing.T) {
	s := NewScanner([]Recognizer{NewPatternRecognizer()}, 0.5, discard)
	messages := []domain.ChatMessage{{Role: "user", Content: "what is the capital of France"}}

	res := s.ScanMessages(messages, domain.PiiRedact, nil)
	if res.Found {
		t.Errorf("Found = true with findings %+v, want none", res.Findings)
	}
	if res.Sanitized[0].Content != messages[0].Content {
		t.Error("clean message was modified")
	}
}

type failingRecognizer struct{}

func (failingRecognizer) Analyze(string, []string) ([]Detection, error) {
	return nil, errors.New("engine unavailable")
}

type panickingRecognizer struct{}

func (panickingRecognizer) Analyze(string, []string) ([]Detection, error) {
	panic("model not loaded")
}

func TestScannerFailsOpen(t *testing.T) {
	messages := []domain.ChatMessage{{Role: "user", Content: "my email is alice@example.com"}}

	t.Run("no recognizers", func(t *testing.T) {
		s := NewScanner(nil, 0.5, discard)
		res := s.ScanMessages(messages, domain.PiiBlock, nil)
		if res.Found {
			t.Error("scanner with no recognizers must pass content through")
		}
		if res.Sanitized[0].Content != messages[0].Content {
			t.Error("content was modified without a recognizer")
		}
	})

	t.Run("all recognizers failing", func(t *testing.T) {
		s := NewScanner([]Recognizer{failingRecognizer{}, panickingRecognizer{}}, 0.5, discard)
		res := s.ScanMessages(messages, domain.PiiBlock, nil)
		if res.Found {
			t.Error("scan errors must not produce findings")
		}
		if res.Sanitized[0].Content != messages[0].Content {
			t.Error("content was modified despite engine failure")
		}
	})

	t.Run("one recognizer failing", func(t *testing.T) {
		s := NewScanner([]Recognizer{failingRecognizer{}, NewPatternRecognizer()}, 0.5, discard)
		res := s.ScanMessages(messages, domain.PiiRedact, nil)
		if !res.Found {
			t.Error("surviving recognizer should still detect")
		}
	})
}
