// Package pii scans message content for personally identifiable information
// using pluggable recognizer passes, and applies the tenant's configured
// action (redact, block, or log-only).
//
// Both failure layers are fail-open: a scanner with no usable recognizers
// passes content through unscanned, and a recognizer error on one message
// skips only that message.
package pii

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/securetag/ai-gateway/internal/domain"
)

// DefaultConfidenceThreshold filters low-confidence detections.
const DefaultConfidenceThreshold = 0.5

// Result is the outcome of one scan over a message set.
type Result struct {
	// Sanitized carries the message set to forward upstream. Contents are
	// rewritten only in redact mode.
	Sanitized []domain.ChatMessage
	Findings  []domain.PiiFinding
	Found     bool
}

// Scanner runs recognizer passes over request or response messages.
type Scanner struct {
	recognizers []Recognizer
	threshold   float64
	logger      *slog.Logger
}

// NewScanner builds a scanner over the given recognizer passes. An empty
// pass list is valid and scans nothing (fail-open posture).
func NewScanner(recognizers []Recognizer, threshold float64, logger *slog.Logger) *Scanner {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Scanner{recognizers: recognizers, threshold: threshold, logger: logger}
}

// ScanMessages analyzes every non-system, non-empty message. The action
// determines both the recorded per-finding label and whether contents are
// rewritten.
func (s *Scanner) ScanMessages(messages []domain.ChatMessage, action domain.PiiAction, entities []string) Result {
	sanitized := make([]domain.ChatMessage, len(messages))
	copy(sanitized, messages)

	if len(s.recognizers) == 0 {
		return Result{Sanitized: sanitized}
	}

	var findings []domain.PiiFinding
	label := action.ActionLabel()

	for i, msg := range messages {
		if msg.Role == "system" || msg.Content == "" {
			continue
		}

		merged, err := s.analyze(msg.Content, entities)
		if err != nil {
			// Per-message fail-open: siblings still get scanned.
			s.logger.Error("pii analysis failed for message",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			continue
		}
		if len(merged) == 0 {
			continue
		}

		for _, d := range merged {
			findings = append(findings, domain.PiiFinding{
				EntityType: d.EntityType,
				Confidence: d.Score,
				Start:      d.Start,
				End:        d.End,
				Action:     label,
			})
		}

		if action == domain.PiiRedact {
			sanitized[i].Content = Redact(msg.Content, merged)
		}
	}

	return Result{
		Sanitized: sanitized,
		Findings:  findings,
		Found:     len(findings) > 0,
	}
}

// analyze runs every recognizer pass and merges the results.
func (s *Scanner) analyze(text string, entities []string) ([]Detection, error) {
	var all []Detection
	var lastErr error
	succeeded := 0

	for _, r := range s.recognizers {
		detections, err := runRecognizer(r, text, entities)
		if err != nil {
			lastErr = err
			continue
		}
		succeeded++
		for _, d := range detections {
			if d.Score >= s.threshold {
				all = append(all, d)
			}
		}
	}

	if succeeded == 0 && lastErr != nil {
		return nil, lastErr
	}
	return Merge(all), nil
}

// runRecognizer isolates a recognizer pass so a panicking engine degrades to
// an error instead of taking the request down.
func runRecognizer(r Recognizer, text string, entities []string) (detections []Detection, err error) {
	defer func() {
		if p := recover(); p != nil {
			detections = nil
			err = fmt.Errorf("recognizer panic: %v", p)
		}
	}()
	return r.Analyze(text, entities)
}

// Merge resolves overlapping detections from different passes: when two
// character ranges intersect, the higher-confidence detection wins;
// non-overlapping detections are all kept.
func Merge(detections []Detection) []Detection {
	if len(detections) == 0 {
		return nil
	}

	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Score > sorted[j].Score
	})

	merged := []Detection{sorted[0]}
	for _, cur := range sorted[1:] {
		last := &merged[len(merged)-1]
		if cur.Start < last.End {
			if cur.Score > last.Score {
				*last = cur
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

// Redact replaces each detected span with a <ENTITY_TYPE> placeholder,
// working from the end of the text backward so earlier offsets stay valid.
func Redact(text string, detections []Detection) string {
	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start > sorted[j].Start
	})

	redacted := text
	for _, d := range sorted {
		if d.Start < 0 || d.End > len(redacted) || d.Start > d.End {
			continue
		}
		redacted = redacted[:d.Start] + "<" + d.EntityType + ">" + redacted[d.End:]
	}
	return redacted
}
