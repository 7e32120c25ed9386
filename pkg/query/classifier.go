// Package query runs the retrieval-augmented answer pipelines: the
// per-document path with frequency-gated caching, and the global path that
// fans out across every namespace the user can read.
package query

import (
	"math"
	"regexp"
	"strings"

	"github.com/lectern-ai/lectern/pkg/domain"
)

// patternSet binds one question bucket to its cue phrases. Order matters:
// ties resolve to the earliest set.
type patternSet struct {
	qtype    domain.QuestionType
	patterns []*regexp.Regexp
}

func compilePatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

var patternSets = []patternSet{
	{domain.QuestionDefinition, compilePatterns(
		`\bwhat is\b`, `\bdefine\b`, `\bmeaning of\b`, `\bwhat are\b`, `\bwhat does\b`, `\bwhat do\b`)},
	{domain.QuestionExplanation, compilePatterns(
		`\bhow does\b`, `\bwhy does\b`, `\bexplain\b`, `\bhow can\b`, `\bwhy is\b`, `\bwhy are\b`, `\bhow do\b`, `\bwhy would\b`)},
	{domain.QuestionComparison, compilePatterns(
		`\bdifference between\b`, `\bcompare\b`, `\bversus\b`, `\bvs\b`, `\bdiffers from\b`, `\bsimilar to\b`, `\bcompared to\b`, `\bcontrast\b`)},
	{domain.QuestionProcedure, compilePatterns(
		`\bhow to\b`, `\bsteps to\b`, `\bprocess of\b`, `\bprocedure for\b`, `\bmethod to\b`, `\bway to\b`)},
	{domain.QuestionApplication, compilePatterns(
		`\bexample of\b`, `\bgive an example\b`, `\bshow\b`, `\bdemonstrate\b`, `\bapply\b`, `\buse\b`, `\bprovide an example\b`, `\bcan you show\b`)},
	{domain.QuestionEvaluation, compilePatterns(
		`\bis it true\b`, `\bis it correct\b`, `\bevaluate\b`, `\bshould\b`, `\bcould\b`, `\bwould\b`, `\bis this\b`, `\bcan\b`, `\bwill\b`)},
}

// Classify buckets a question by its cue phrases. Confidence is the matched
// fraction of the winning bucket's patterns, capped at 1.0 and rounded to two
// decimals. A question with no cues is general with 0.5 confidence; an empty
// question is general with zero confidence.
func Classify(question string) (domain.QuestionType, float64) {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return domain.QuestionGeneral, 0.0
	}

	best := domain.QuestionGeneral
	bestScore := 0
	bestTotal := 1
	for _, set := range patternSets {
		score := 0
		for _, re := range set.patterns {
			if re.MatchString(q) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore, bestTotal = set.qtype, score, len(set.patterns)
		}
	}
	if bestScore == 0 {
		return domain.QuestionGeneral, 0.5
	}
	confidence := math.Min(float64(bestScore)/float64(bestTotal), 1.0)
	return best, math.Round(confidence*100) / 100
}
