package llm

import (
	"regexp"
	"strings"
)

// PromptGuard screens alert-derived text before it is placed in a prompt.
// Alert fields are attacker-influenced, so lines that try to steer the
// model are dropped rather than forwarded.
type PromptGuard struct {
	maxLineLen     int
	maxPromptLen   int
	bannedPatterns []*regexp.Regexp
}

// NewPromptGuard creates a guard with the default pattern set.
func NewPromptGuard() *PromptGuard {
	patterns := []string{
		`(?i)ignore\s+(all\s+)?previous\s+instructions`,
		`(?i)you\s+are\s+now\s+DAN`,
		`(?i)print\s+your\s+system\s+prompt`,
		`(?i)disregard\s+(all\s+)?prior`,
		`(?i)override\s+(safety|your\s+training)`,
		`(?i)act\s+as\s+if\s+you\s+have\s+no\s+restrictions`,
		`(?i)repeat\s+the\s+text\s+above`,
		`(?i)forget\s+your\s+instructions`,
		`(?i)you\s+are\s+no\s+longer`,
		`(?i)reveal\s+your\s+instructions`,
		`(?i)bypass\s+your\s+(safety|filters)`,
		`(?i)mark\s+(this|the)\s+(alert|incident)\s+as\s+(benign|false\s+positive)`,
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return &PromptGuard{
		maxLineLen:     500,
		maxPromptLen:   8192,
		bannedPatterns: compiled,
	}
}

// Suspicious reports whether s matches an injection pattern.
func (g *PromptGuard) Suspicious(s string) bool {
	for _, re := range g.bannedPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Line normalizes one line of alert-derived text. It returns false when
// the line must be left out of the prompt.
func (g *PromptGuard) Line(s string) (string, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" || g.Suspicious(s) {
		return "", false
	}
	return truncate(s, g.maxLineLen), true
}

// Fits reports whether a prompt of n bytes is within the size limit.
func (g *PromptGuard) Fits(n int) bool { return n <= g.maxPromptLen }
