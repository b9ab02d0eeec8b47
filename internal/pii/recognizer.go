package pii

import (
	"regexp"
)

// Detection is one entity occurrence found by a recognizer pass.
type Detection struct {
	EntityType string
	Score      float64
	Start      int
	End        int
}

// Recognizer is a pluggable entity detector. A Scanner runs several
// recognizer passes over the same text and merges overlapping detections.
type Recognizer interface {
	// Analyze returns detections restricted to the requested entity types.
	Analyze(text string, entities []string) ([]Detection, error)
}

// entityPattern couples a pattern with its type and base confidence.
type entityPattern struct {
	entityType string
	re         *regexp.Regexp
	score      float64
}

// PatternRecognizer detects entities with compiled patterns. It stands in
// for an NLP-backed engine; both are consumed through the same Recognizer
// interface.
type PatternRecognizer struct {
	patterns []entityPattern
}

// NewPatternRecognizer builds the default pattern set.
func NewPatternRecognizer() *PatternRecognizer {
	return &PatternRecognizer{patterns: []entityPattern{
		{"EMAIL_ADDRESS", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), 0.95},
		{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), 0.80},
		{"US_SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), 0.90},
		{"PHONE_NUMBER", regexp.MustCompile(`\+?\d{1,3}[ .\-]?\(?\d{2,4}\)?[ .\-]?\d{3,4}[ .\-]?\d{3,4}\b`), 0.65},
		{"IP_ADDRESS", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), 0.85},
		{"PERSON", regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`), 0.70},
		{"IBAN_CODE", regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`), 0.80},
	}}
}

// Analyze implements Recognizer.
func (r *PatternRecognizer) Analyze(text string, entities []string) ([]Detection, error) {
	wanted := make(map[string]bool, len(entities))
	for _, e := range entities {
		wanted[e] = true
	}

	var detections []Detection
	for _, p := range r.patterns {
		if len(wanted) > 0 && !wanted[p.entityType] {
			continue
		}
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			detections = append(detections, Detection{
				EntityType: p.entityType,
				Score:      p.score,
				Start:      loc[0],
				End:        loc[1],
			})
		}
	}
	return detections, nil
}
