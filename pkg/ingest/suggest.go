package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/log"
)

const suggestedQuestionCount = 5

const previewLength = 500

const suggestSystemPrompt = "You are an expert educational content analyzer who creates perfect study questions."

const suggestPromptTemplate = `You are an educational AI assistant specialized in creating study questions. Given information about an educational document, generate 5 specific, actionable questions that a student would likely ask.

CRITICAL REQUIREMENTS:
- Questions MUST be based ONLY on the content preview provided
- DO NOT generate generic questions like "Create a study plan", "What should I study?", or "How to prepare for exam?"
- Focus on specific concepts, definitions, formulas, and processes mentioned in the preview
- Each question should target retrievable information from THIS document
- Questions should be answerable using the document content

Make questions:
- Directly related to specific content in the preview
- Progressively complex (from basic understanding to advanced application)
- Varied in type to cover different learning objectives
- Clear and concise
- Content-specific, not generic study advice

Document Information:
Title: %s
Subject: %s
Tags: %s
Content Preview (first 500 characters):
%s

Generate exactly 5 questions about the ACTUAL CONTENT of this document. Return ONLY a valid JSON array with this exact format:
[
  {"question": "What is [specific concept from preview]?", "category": "definition", "difficulty": "easy"},
  {"question": "Explain how [specific process from preview] works", "category": "explanation", "difficulty": "medium"},
  {"question": "Compare [concept A] with [concept B]", "category": "comparison", "difficulty": "medium"},
  {"question": "Calculate/Solve [specific formula/problem type]", "category": "procedure", "difficulty": "hard"},
  {"question": "Apply [specific concept] to [scenario]", "category": "application", "difficulty": "hard"}
]

Valid categories: definition, explanation, comparison, procedure, application
Valid difficulty levels: easy, medium, hard`

// fallbackTemplates are the subject-keyed questions used when generation
// fails or returns garbage.
var fallbackTemplates = map[string][]string{
	"Chemistry": {
		"What are the molecular structures and bonding types discussed?",
		"Explain the chemical reaction mechanisms in this document.",
		"Compare different compounds and their properties.",
		"What are the calculation procedures for molar mass and concentration?",
		"How do these chemical principles apply to real experiments?",
	},
	"Physics": {
		"Define the key physics terms and laws in this document.",
		"Explain the equations and their derivations.",
		"Compare different force models or energy types.",
		"What are the steps to solve kinematics problems?",
		"Apply these physics principles to motion analysis.",
	},
	"Biology": {
		"What are the cell structures and organelles described?",
		"Explain the biological processes and mechanisms covered.",
		"Compare different biological systems and their functions.",
		"Describe the experimental procedures and methodologies.",
		"How do these biological concepts apply to human health?",
	},
	"Mathematics": {
		"What are the key mathematical definitions and theorems covered?",
		"Explain the mathematical proofs and derivations.",
		"Compare different solution approaches or methods.",
		"What are the steps to solve these equation types?",
		"Apply these mathematical concepts to word problems.",
	},
}

// QuestionSaver persists generated question sets.
type QuestionSaver interface {
	SaveSuggestedQuestions(ctx context.Context, sq *domain.SuggestedQuestions) error
}

// Suggester generates the post-upload study questions for a document.
type Suggester struct {
	generator domain.Generator
	store     QuestionSaver
	logger    *slog.Logger
}

func NewSuggester(generator domain.Generator, store QuestionSaver) *Suggester {
	return &Suggester{
		generator: generator,
		store:     store,
		logger:    log.WithComponent("suggest"),
	}
}

// GenerateAndStore asks the model for study questions and saves them,
// falling back to subject templates when generation fails. Errors are
// logged, never surfaced: suggestions are decoration on the upload.
func (s *Suggester) GenerateAndStore(ctx context.Context, doc *domain.Document, content string) {
	questions, generatedBy := s.generate(ctx, doc, content)
	sq := &domain.SuggestedQuestions{
		DocumentID:  doc.ID,
		Questions:   questions,
		GeneratedBy: generatedBy,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveSuggestedQuestions(ctx, sq); err != nil {
		s.logger.Warn("suggested questions not saved", "document_id", doc.ID, "error", err)
		return
	}
	s.logger.Info("suggested questions stored",
		"document_id", doc.ID, "count", len(questions), "generated_by", generatedBy)
}

func (s *Suggester) generate(ctx context.Context, doc *domain.Document, content string) ([]string, string) {
	prompt := fmt.Sprintf(suggestPromptTemplate,
		doc.Metadata.Title,
		doc.Metadata.Subject,
		tagsOrNone(doc.Tags),
		preview(content))

	raw, _, err := s.generator.Complete(ctx, suggestSystemPrompt, prompt)
	if err != nil {
		s.logger.Warn("question generation failed, using fallback", "document_id", doc.ID, "error", err)
		return FallbackQuestions(doc.Metadata.Subject), "fallback"
	}

	questions, err := parseQuestions(raw)
	if err != nil || len(questions) == 0 {
		s.logger.Warn("question response unparseable, using fallback", "document_id", doc.ID, "error", err)
		return FallbackQuestions(doc.Metadata.Subject), "fallback"
	}
	return questions, "llm"
}

// parseQuestions accepts either a bare JSON array or an object wrapping one
// under "questions"; models emit both shapes.
func parseQuestions(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	type item struct {
		Question string `json:"question"`
	}
	var items []item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		var wrapper struct {
			Questions []item `json:"questions"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
			return nil, err
		}
		items = wrapper.Questions
	}

	var questions []string
	for _, it := range items {
		if q := strings.TrimSpace(it.Question); q != "" {
			questions = append(questions, q)
		}
		if len(questions) == suggestedQuestionCount {
			break
		}
	}
	return questions, nil
}

// FallbackQuestions returns the deterministic question set for a subject.
func FallbackQuestions(subject string) []string {
	if qs, ok := fallbackTemplates[subject]; ok {
		return qs
	}
	return []string{
		fmt.Sprintf("What are the main concepts in this %s document?", subject),
		"Explain the key topics covered in detail.",
		"How do these concepts relate to each other?",
		"What are the practical applications of these concepts?",
		"What should I focus on for exam preparation?",
	}
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) > previewLength {
		runes = runes[:previewLength]
	}
	return string(runes)
}

func tagsOrNone(tags []string) string {
	if len(tags) == 0 {
		return "None"
	}
	return strings.Join(tags, ", ")
}
