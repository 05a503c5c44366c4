// Package guardrails flags diary content that looks like a prompt
// injection attempt. Entries are never rejected for it: the scan result
// is stored on the entry so consumers can decide how much to trust
// recalled memories.
package guardrails

import (
	"regexp"
	"strings"
)

// Sensitivity selects how aggressive the injection scan is.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Scanner evaluates text against heuristic injection patterns.
type Scanner struct {
	sensitivity Sensitivity
}

// NewScanner creates a scanner. Empty sensitivity defaults to medium.
func NewScanner(sensitivity Sensitivity) *Scanner {
	if sensitivity == "" {
		sensitivity = SensitivityMedium
	}
	return &Scanner{sensitivity: sensitivity}
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+(restrictions?|rules?|filters?)`),
}

// Additional high-sensitivity patterns
var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions?|rules?)`),
	regexp.MustCompile(`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)\s+verbatim`),
}

// Low sensitivity only fires on the most explicit override phrases.
var lowSensitivityIndex = 3 // first three base patterns

// Scan reports whether the text trips any injection heuristic.
func (s *Scanner) Scan(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	base := injectionPatterns
	if s.sensitivity == SensitivityLow {
		base = injectionPatterns[:lowSensitivityIndex]
	}
	for _, re := range base {
		if re.MatchString(text) {
			return true
		}
	}

	if s.sensitivity == SensitivityHigh {
		for _, re := range highSensitivityPatterns {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}
