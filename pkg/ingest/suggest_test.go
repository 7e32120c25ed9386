package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectern-ai/lectern/pkg/domain"
)

type stubGenerator struct {
	reply string
	err   error
}

func (s *stubGenerator) Stream(_ context.Context, _, _ string, onToken func(string)) (string, error) {
	if onToken != nil {
		onToken(s.reply)
	}
	return s.reply, s.err
}

func (s *stubGenerator) Complete(context.Context, string, string) (string, domain.Usage, error) {
	return s.reply, domain.Usage{}, s.err
}

func suggestDoc() *domain.Document {
	return &domain.Document{
		ID: "doc-1",
		Metadata: domain.DocumentMetadata{
			Title:   "Chemical Bonding",
			Subject: "Chemistry",
		},
		Tags: []string{"bonding"},
	}
}

func TestParseQuestionsArray(t *testing.T) {
	raw := `[
		{"question": "What is ionic bonding?", "category": "definition", "difficulty": "easy"},
		{"question": "Explain lattice energy", "category": "explanation", "difficulty": "medium"}
	]`
	qs, err := parseQuestions(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"What is ionic bonding?", "Explain lattice energy"}, qs)
}

func TestParseQuestionsWrappedObject(t *testing.T) {
	raw := `{"questions": [{"question": "What is a covalent bond?"}]}`
	qs, err := parseQuestions(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"What is a covalent bond?"}, qs)
}

func TestParseQuestionsStripsCodeFence(t *testing.T) {
	raw := "```json\n[{\"question\": \"What is electronegativity?\"}]\n```"
	qs, err := parseQuestions(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"What is electronegativity?"}, qs)
}

func TestParseQuestionsCapsAtFive(t *testing.T) {
	raw := `[
		{"question": "q1"}, {"question": "q2"}, {"question": "q3"},
		{"question": "q4"}, {"question": "q5"}, {"question": "q6"}
	]`
	qs, err := parseQuestions(raw)
	require.NoError(t, err)
	assert.Len(t, qs, 5)
}

func TestGenerateAndStoreUsesModelOutput(t *testing.T) {
	store := newMemStore()
	gen := &stubGenerator{reply: `[{"question": "What is ionic bonding?"}]`}
	s := NewSuggester(gen, store)

	s.GenerateAndStore(context.Background(), suggestDoc(), "Ionic bonds transfer electrons.")

	sq := store.suggested["doc-1"]
	require.NotNil(t, sq)
	assert.Equal(t, "llm", sq.GeneratedBy)
	assert.Equal(t, []string{"What is ionic bonding?"}, sq.Questions)
}

func TestGenerateAndStoreFallsBackOnGarbage(t *testing.T) {
	store := newMemStore()
	gen := &stubGenerator{reply: "sorry, I cannot do that"}
	s := NewSuggester(gen, store)

	s.GenerateAndStore(context.Background(), suggestDoc(), "Ionic bonds transfer electrons.")

	sq := store.suggested["doc-1"]
	require.NotNil(t, sq)
	assert.Equal(t, "fallback", sq.GeneratedBy)
	assert.Len(t, sq.Questions, 5)
	assert.Equal(t, FallbackQuestions("Chemistry"), sq.Questions)
}

func TestGenerateAndStoreFallsBackOnError(t *testing.T) {
	store := newMemStore()
	gen := &stubGenerator{err: assert.AnError}
	s := NewSuggester(gen, store)

	doc := suggestDoc()
	doc.Metadata.Subject = "Ancient History"
	s.GenerateAndStore(context.Background(), doc, "The Peloponnesian War began in 431 BC.")

	sq := store.suggested["doc-1"]
	require.NotNil(t, sq)
	assert.Equal(t, "fallback", sq.GeneratedBy)
	assert.Contains(t, sq.Questions[0], "Ancient History")
}

func TestFallbackQuestionsKnownSubjects(t *testing.T) {
	for _, subject := range []string{"Chemistry", "Physics", "Biology", "Mathematics"} {
		qs := FallbackQuestions(subject)
		assert.Len(t, qs, 5, subject)
	}
}
