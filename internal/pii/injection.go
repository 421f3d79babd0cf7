package pii

import "regexp"

// injectionPattern is one entry in the injection-detection corpus. The
// corpus is a plain data table so extending it never requires touching
// InjectionDetector.Detect or its callers.
type injectionPattern struct {
	name string
	re   *regexp.Regexp
}

// defaultInjectionPatterns covers the common prompt-injection shapes:
// direct instruction override, role-tag smuggling, and delimiter escape.
func defaultInjectionPatterns() []injectionPattern {
	specs := []struct {
		name string
		expr string
	}{
		{"ignore-instructions", `(?i)ignore\s+(?:all\s+|the\s+)?(?:previous|prior|above)\s+instructions?`},
		{"disregard-instructions", `(?i)disregard\s+(?:all\s+|the\s+)?(?:previous|prior|above)\s+(?:instructions?|prompts?)`},
		{"reveal-system-prompt", `(?i)reveal\s+(?:the\s+|your\s+)?system\s+prompt`},
		{"forget-instructions", `(?i)forget\s+(?:everything|all)\s+(?:you\s+)?(?:were\s+)?told`},
		{"role-tag-injection", `(?i)\[\s*/?(?:system|assistant)\s*\]`},
		// kept as an escaped string literal: a raw string cannot contain the
		// backtick delimiter that this pattern itself needs to match.
		{"delimiter-smuggling", "(?i)```\\s*(?:system|end\\s*of\\s*(?:prompt|instructions))"},
		{"new-instructions", `(?i)(?:new|updated)\s+instructions?\s*:\s*`},
		{"act-as-jailbreak", `(?i)\bact\s+as\s+(?:if\s+you\s+(?:have\s+no|are\s+not)|an?\s+unrestricted)`},
	}
	patterns := make([]injectionPattern, 0, len(specs))
	for _, s := range specs {
		patterns = append(patterns, injectionPattern{name: s.name, re: regexp.MustCompile(s.expr)})
	}
	return patterns
}

// InjectionDetector scans text for prompt-injection phrasing. It returns a
// boolean flag, not spans — the corpus is a companion heuristic to PII
// detection, not a redaction source.
type InjectionDetector struct {
	patterns []injectionPattern
}

// NewInjectionDetector creates a detector with the default corpus.
func NewInjectionDetector() *InjectionDetector {
	return &InjectionDetector{patterns: defaultInjectionPatterns()}
}

// Detect reports whether text matches any pattern in the corpus.
func (d *InjectionDetector) Detect(text string) bool {
	for _, p := range d.patterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}
