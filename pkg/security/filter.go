// Package security holds the prompt-injection defense and input validation
// used on every question before it reaches the retrieval pipeline.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/lectern-ai/lectern/pkg/domain"
)

// DefaultSuspiciousPatterns is the stock injection pattern set. It is
// configuration: a Filter compiles whatever list it is given at startup.
var DefaultSuspiciousPatterns = []string{
	// Direct instruction manipulation
	`ignore\s+(previous|above|prior|all)\s+(instructions?|prompts?|commands?)`,
	`disregard\s+(previous|above|prior|all)`,
	`forget\s+(everything|all|previous|prior)\s+(instructions?|prompts?)`,
	`new\s+(instructions?|prompts?|commands?)\s*:`,

	// System prompt exposure attempts
	`system:?\s*(you\s+are|prompt|message)`,
	`show\s+(me\s+)?(your\s+)?(system\s+)?(prompt|instructions?)`,
	`what\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions?)`,
	`reveal\s+your\s+(prompt|instructions?|system)`,

	// Role manipulation
	`you\s+are\s+now\s+(a|an)`,
	`act\s+as\s+(a|an|if)`,
	`pretend\s+(you\s+are|to\s+be)`,
	`roleplay\s+as`,
	`simulate\s+(being\s+)?a`,

	// Special tokens and markers
	`<\s*\|im_start\|`,
	`<\s*\|im_end\|`,
	`<\s*\|endoftext\|`,
	`###\s*(instruction|human|assistant|system)`,
	`\[INST\]`,
	`\[/INST\]`,

	// Jailbreak attempts
	`jailbreak`,
	`do\s+anything\s+now`,
	`dan\s+mode`,
	`developer\s+mode`,
	`unrestricted`,

	// Output manipulation
	`output\s+(only|just)`,
	`respond\s+with\s+(only|just)`,
	`answer\s+in\s+the\s+format`,

	// Encoding bypass attempts
	`base64`,
	`rot13`,
	`hex\s+encode`,
	`\\x[0-9a-f]{2}`,
}

// DefaultLeakMarkers are substrings whose presence in a generated answer
// marks it as a possible system-prompt leak. Matching is case-insensitive.
var DefaultLeakMarkers = []string{
	"you are an expert educational tutor",
	"system:",
	"<|im_start|>",
	"<|im_end|>",
}

// Filter validates questions and screens generated answers.
type Filter struct {
	patterns    []*regexp.Regexp
	leakMarkers []string
	maxLength   int
}

// NewFilter compiles the given pattern list. Pass the Default* sets for
// stock behavior.
func NewFilter(patterns, leakMarkers []string, maxLength int) (*Filter, error) {
	if maxLength <= 0 {
		maxLength = 500
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile injection pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	markers := make([]string, 0, len(leakMarkers))
	for _, m := range leakMarkers {
		markers = append(markers, strings.ToLower(m))
	}
	return &Filter{patterns: compiled, leakMarkers: markers, maxLength: maxLength}, nil
}

// MustDefault returns a filter over the stock pattern and marker sets.
func MustDefault() *Filter {
	f, err := NewFilter(DefaultSuspiciousPatterns, DefaultLeakMarkers, 500)
	if err != nil {
		panic(err)
	}
	return f
}

// Patterns returns the source pattern list, for test suites that assert
// coverage without duplicating the set.
func (f *Filter) Patterns() []*regexp.Regexp { return f.patterns }

// Sanitize strips control characters (keeping newline and tab), trims, and
// enforces the length cap.
func (f *Filter) Sanitize(text string) (string, error) {
	if len(text) > f.maxLength {
		return "", fmt.Errorf("%w: input too long, maximum %d characters allowed", domain.ErrValidation, f.maxLength)
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// Detect reports whether text matches any injection pattern.
func (f *Filter) Detect(text string) bool {
	lower := strings.ToLower(text)
	for _, re := range f.patterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// ValidateQuestion sanitizes a question and rejects injections and empties.
func (f *Filter) ValidateQuestion(question string) (string, error) {
	sanitized, err := f.Sanitize(question)
	if err != nil {
		return "", err
	}
	if f.Detect(sanitized) {
		return "", fmt.Errorf("%w: input contains patterns that are not allowed for security reasons", domain.ErrPromptInjection)
	}
	if sanitized == "" {
		return "", fmt.Errorf("%w: question cannot be empty", domain.ErrValidation)
	}
	return sanitized, nil
}

// ResponseSafe reports whether a generated answer is free of leak markers.
// Unsafe answers are still returned to the caller but never cached.
func (f *Filter) ResponseSafe(response string) bool {
	lower := strings.ToLower(response)
	for _, marker := range f.leakMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether email has a plausible address shape.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// ValidatePasswordStrength enforces the minimum credential policy.
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters long", domain.ErrValidation)
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper {
		return fmt.Errorf("%w: password must contain at least one uppercase letter", domain.ErrValidation)
	}
	if !lower {
		return fmt.Errorf("%w: password must contain at least one lowercase letter", domain.ErrValidation)
	}
	if !digit {
		return fmt.Errorf("%w: password must contain at least one digit", domain.ErrValidation)
	}
	return nil
}
