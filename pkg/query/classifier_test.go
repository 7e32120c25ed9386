package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lectern-ai/lectern/pkg/domain"
)

func TestClassifyBuckets(t *testing.T) {
	tests := []struct {
		question string
		want     domain.QuestionType
	}{
		{"What is photosynthesis?", domain.QuestionDefinition},
		{"Define osmosis for me", domain.QuestionDefinition},
		{"Explain why does ice float", domain.QuestionExplanation},
		{"How does a covalent bond form?", domain.QuestionExplanation},
		{"Difference between mitosis and meiosis", domain.QuestionComparison},
		{"How to balance a chemical equation", domain.QuestionProcedure},
		{"Give an example of an exothermic reaction", domain.QuestionApplication},
		{"Is it true that entropy always increases?", domain.QuestionEvaluation},
	}
	for _, tt := range tests {
		got, confidence := Classify(tt.question)
		assert.Equal(t, tt.want, got, tt.question)
		assert.Greater(t, confidence, 0.0, tt.question)
	}
}

func TestClassifyNoCuesIsGeneral(t *testing.T) {
	got, confidence := Classify("photosynthesis thylakoid membranes")
	assert.Equal(t, domain.QuestionGeneral, got)
	assert.Equal(t, 0.5, confidence)
}

func TestClassifyEmptyQuestion(t *testing.T) {
	got, confidence := Classify("   ")
	assert.Equal(t, domain.QuestionGeneral, got)
	assert.Equal(t, 0.0, confidence)
}

func TestClassifyConfidenceGrowsWithMatches(t *testing.T) {
	_, one := Classify("Explain this concept")
	_, two := Classify("Explain why does this happen and why is it so")
	assert.Greater(t, two, one)
	assert.LessOrEqual(t, two, 1.0)
}

func TestClassifyTieResolvesToEarlierBucket(t *testing.T) {
	// One definition cue and one comparison cue: definition comes first.
	got, _ := Classify("What is the difference between acids and bases?")
	assert.Equal(t, domain.QuestionDefinition, got)
}
