// Package guard holds the content scanners that run before and after the
// upstream call: prompt injection scoring, credential detection, and the
// combined input/output scans. Every scanner fails open.
package guard

import (
	"math"
	"regexp"
)

// DefaultInjectionThreshold blocks a request when the combined score
// reaches it.
const DefaultInjectionThreshold = 0.8

// InjectionPattern pairs a compiled pattern with its category and weight.
// Category names surface in audit records, not the pattern itself.
type InjectionPattern struct {
	Category string
	Pattern  *regexp.Regexp
	Weight   float64
}

// DefaultInjectionPatterns is compiled once at init. Categories:
// instruction override, role manipulation, prompt leaking, jailbreak,
// evasion, delimiter injection.
func DefaultInjectionPatterns() []InjectionPattern {
	raw := []struct {
		category string
		expr     string
		weight   float64
	}{
		{"instruction_override", `(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|prompts)`, 0.95},
		{"instruction_override", `(?i)disregard\s+(all\s+)?(previous|prior|above)`, 0.90},
		{"instruction_override", `(?i)forget\s+(everything|all)\s+(you|about)`, 0.85},
		{"instruction_override", `(?i)override\s+(your|the)\s+(instructions|rules|guidelines)`, 0.90},
		{"instruction_override", `(?i)new\s+(instructions|rules|guidelines):?\s`, 0.80},
		{"role_manipulation", `(?i)you\s+are\s+now\s+(a|an|the)\s`, 0.80},
		{"role_manipulation", `(?i)pretend\s+(to\s+be|you\s+are)`, 0.80},
		{"role_manipulation", `(?i)act\s+as\s+(if|a|an|the)\s`, 0.70},
		{"role_manipulation", `(?i)switch\s+to\s+.{0,20}\s+mode`, 0.75},
		{"prompt_leaking", `(?i)(reveal|show|display|print)\s+(your|the)\s+system\s+prompt`, 0.95},
		{"prompt_leaking", `(?i)what\s+(are|is)\s+your\s+(instructions|rules|system\s+prompt)`, 0.85},
		{"prompt_leaking", `(?i)repeat\s+(your|the)\s+(initial|original|first)\s+(prompt|instructions)`, 0.90},
		{"jailbreak", `(?i)DAN\s+mode`, 0.95},
		{"jailbreak", `(?i)do\s+anything\s+now`, 0.90},
		{"jailbreak", `(?i)jailbreak`, 0.85},
		{"jailbreak", `(?i)developer\s+mode`, 0.75},
		{"evasion", `(?i)base64\s+decode`, 0.70},
		{"evasion", `(?i)execute\s+(this|the\s+following)\s+(code|command)`, 0.75},
		{"evasion", `\\x[0-9a-fA-F]{2}`, 0.65},
		{"delimiter", `(?i)={3,}\s*system`, 0.80},
		{"delimiter", `(?i)<\|system\|>`, 0.90},
		{"delimiter", `(?i)\[INST\]`, 0.85},
	}

	patterns := make([]InjectionPattern, 0, len(raw))
	for _, r := range raw {
		patterns = append(patterns, InjectionPattern{
			Category: r.category,
			Pattern:  regexp.MustCompile(r.expr),
			Weight:   r.weight,
		})
	}
	return patterns
}

// InjectionResult is the scored outcome of one injection scan.
type InjectionResult struct {
	Score           float64
	Blocked         bool
	MatchedPatterns []string
}

// InjectionScanner scores text against a fixed pattern set. The pattern set
// is injected so faults can be simulated; zero patterns means zero score.
type InjectionScanner struct {
	patterns  []InjectionPattern
	threshold float64
}

func NewInjectionScanner(patterns []InjectionPattern, threshold float64) *InjectionScanner {
	if threshold <= 0 {
		threshold = DefaultInjectionThreshold
	}
	return &InjectionScanner{patterns: patterns, threshold: threshold}
}

// Scan scores the text: the strongest matched weight plus 0.1 per
// additional match, capped at 1.0.
func (s *InjectionScanner) Scan(text string) InjectionResult {
	var maxWeight float64
	var matched []string

	for _, p := range s.patterns {
		if p.Pattern.MatchString(text) {
			matched = append(matched, p.Category)
			if p.Weight > maxWeight {
				maxWeight = p.Weight
			}
		}
	}

	if len(matched) == 0 {
		return InjectionResult{}
	}

	score := math.Min(maxWeight+0.1*float64(len(matched)-1), 1.0)
	return InjectionResult{
		Score:           score,
		Blocked:         score >= s.threshold,
		MatchedPatterns: matched,
	}
}
