package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lectern-ai/lectern/pkg/access"
	"github.com/lectern-ai/lectern/pkg/cache"
	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/log"
	"github.com/lectern-ai/lectern/pkg/security"
)

// cacheStreamChunk re-chunks cached answers so the client still sees a
// stream on a cache hit.
const cacheStreamChunk = 50

// noVectorsStreamMessage is streamed word by word when a document has no
// vectors to search.
const noVectorsStreamMessage = `I don't have searchable content for this document yet.

To enable chat: Upload this document through the "Upload New" button, wait for processing (1-2 min), then chat will work!

Why: Documents need to be vectorized before I can search and answer questions.`

// noVectorsCompleteMessage is the non-streamed variant with fuller guidance.
const noVectorsCompleteMessage = `I don't have searchable content for this document yet.

**To enable chat with this document:**
1. This document needs to be uploaded through the "Upload New" button
2. The system will process and vectorize it (takes 1-2 minutes)
3. You'll see a "Ready" status badge when complete
4. Then you can ask questions and I'll provide answers with sources!

**Why this happens:** Documents need to be converted into searchable vectors before I can find relevant information. Directly added database entries don't have these vectors yet.`

// generationErrorTail is appended when the model fails mid-stream, so the
// student gets a graceful ending instead of a dropped stream. Non-streaming
// paths return an error instead.
const generationErrorTail = "\n\nI apologize, but I encountered an error processing your question. Please try again or rephrase your question."

// QuestionStore is the slice of the metadata store the pipeline uses.
type QuestionStore interface {
	DocumentByID(ctx context.Context, id string) (*domain.Document, error)
	AppendQuestionLog(ctx context.Context, q *domain.QuestionLog) error
}

// AnswerCache is the frequency-gated answer cache.
type AnswerCache interface {
	BumpFrequency(ctx context.Context, documentID, question string) (int64, error)
	GetAnswer(ctx context.Context, documentID, question string) (*cache.CachedAnswer, bool, error)
	SetAnswer(ctx context.Context, documentID, question string, ans cache.CachedAnswer) error
	Popular(ctx context.Context, documentID string, limit, offset int64) ([]domain.PopularQuestion, error)
}

// Options tunes retrieval and cache admission.
type Options struct {
	TopK               int
	GlobalTopK         int
	MaxPerDoc          int
	MaxTotal           int
	FrequencyThreshold int64
}

// Pipeline answers questions against the vector index. One instance serves
// both the per-document and the global path.
type Pipeline struct {
	store     QuestionStore
	cache     AnswerCache
	embedder  domain.Embedder
	generator domain.Generator
	index     domain.VectorIndex
	filter    *security.Filter
	resolver  *access.Resolver
	opts      Options
	logger    *slog.Logger
}

func New(store QuestionStore, c AnswerCache, embedder domain.Embedder, generator domain.Generator,
	index domain.VectorIndex, filter *security.Filter, resolver *access.Resolver, opts Options) *Pipeline {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.GlobalTopK <= 0 {
		opts.GlobalTopK = 10
	}
	if opts.MaxPerDoc <= 0 {
		opts.MaxPerDoc = 2
	}
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = 8
	}
	return &Pipeline{
		store:     store,
		cache:     c,
		embedder:  embedder,
		generator: generator,
		index:     index,
		filter:    filter,
		resolver:  resolver,
		opts:      opts,
		logger:    log.WithComponent("query"),
	}
}

// Request is one per-document question.
type Request struct {
	DocumentID string
	Question   string
	UserID     string
	Role       domain.Role
	SessionID  string
}

// Ask answers a question against one document, streaming tokens through
// onToken. Cached answers and fallback messages are re-streamed so the
// client sees the same shape either way.
func (p *Pipeline) Ask(ctx context.Context, req Request, onToken func(string)) (*domain.QueryResult, error) {
	return p.run(ctx, req, onToken, true)
}

// AskComplete answers a question against one document in one shot.
func (p *Pipeline) AskComplete(ctx context.Context, req Request) (*domain.QueryResult, error) {
	return p.run(ctx, req, nil, false)
}

func (p *Pipeline) run(ctx context.Context, req Request, onToken func(string), streaming bool) (*domain.QueryResult, error) {
	started := time.Now()

	question, err := p.filter.ValidateQuestion(req.Question)
	if err != nil {
		return nil, err
	}

	// Unknown document ids fall through to the no-content fallback; known
	// documents get the access check.
	doc, err := p.store.DocumentByID(ctx, req.DocumentID)
	switch {
	case err == nil:
		if !access.CanQueryDocument(doc, req.UserID, req.Role) {
			return nil, fmt.Errorf("%w: you do not have access to this document", domain.ErrAuthorization)
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, err
	}

	freq, err := p.cache.BumpFrequency(ctx, req.DocumentID, question)
	if err != nil {
		p.logger.Warn("frequency bump failed", "document_id", req.DocumentID, "error", err)
	}
	admitted := freq >= p.opts.FrequencyThreshold

	if admitted {
		cached, hit, err := p.cache.GetAnswer(ctx, req.DocumentID, question)
		if err != nil {
			p.logger.Warn("cache lookup failed", "document_id", req.DocumentID, "error", err)
		} else if hit {
			streamChunks(cached.Answer, onToken)
			result := &domain.QueryResult{
				Answer:          cached.Answer,
				Sources:         cached.Sources,
				Cached:          true,
				DurationSeconds: time.Since(started).Seconds(),
				TokensUsed:      cached.TokensUsed,
				QuestionType:    cached.QuestionType,
			}
			_, confidence := Classify(question)
			p.logQuestion(ctx, req, question, result, confidence)
			return result, nil
		}
	}

	vec, err := p.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	results, err := p.index.Query(ctx, req.DocumentID, vec, p.opts.TopK)
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		p.logger.Warn("no vectors for document", "document_id", req.DocumentID)
		message := noVectorsCompleteMessage
		if streaming {
			message = noVectorsStreamMessage
			streamWords(message, onToken)
		}
		result := &domain.QueryResult{
			Answer:          message,
			Cached:          false,
			DurationSeconds: time.Since(started).Seconds(),
			QuestionType:    domain.QuestionGeneral,
		}
		p.logQuestion(ctx, req, question, result, 0)
		return result, nil
	}

	system, user := documentPrompt(question, results)

	var answer string
	var usage domain.Usage
	var genErr error
	if streaming {
		answer, genErr = p.generator.Stream(ctx, system, user, onToken)
	} else {
		answer, usage, genErr = p.generator.Complete(ctx, system, user)
	}
	if genErr != nil {
		p.logger.Error("generation failed", "document_id", req.DocumentID, "error", genErr)
		if !streaming {
			return nil, fmt.Errorf("%w: answer generation failed: %v", domain.ErrExternalService, genErr)
		}
		if onToken != nil {
			onToken(generationErrorTail)
		}
		answer += generationErrorTail
	}

	qtype, confidence := Classify(question)
	sources := buildSources(results)
	result := &domain.QueryResult{
		Answer:          answer,
		Sources:         sources,
		Cached:          false,
		DurationSeconds: time.Since(started).Seconds(),
		TokensUsed:      usage.TotalTokens,
		QuestionType:    qtype,
	}

	if genErr == nil && admitted {
		if p.filter.ResponseSafe(answer) {
			err := p.cache.SetAnswer(ctx, req.DocumentID, question, cache.CachedAnswer{
				Answer:       answer,
				Sources:      sources,
				QuestionType: qtype,
				TokensUsed:   usage.TotalTokens,
			})
			if err != nil {
				p.logger.Warn("cache write failed", "document_id", req.DocumentID, "error", err)
			}
		} else {
			p.logger.Warn("answer failed leak screening, not cached", "document_id", req.DocumentID)
		}
	}

	p.logQuestion(ctx, req, question, result, confidence)
	return result, nil
}

// PopularQuestions lists the frequency-ranked questions for a document.
func (p *Pipeline) PopularQuestions(ctx context.Context, documentID string, limit, offset int64) ([]domain.PopularQuestion, error) {
	return p.cache.Popular(ctx, documentID, limit, offset)
}

// logQuestion appends the immutable question record. Failures are logged
// and swallowed: analytics never block an answer.
func (p *Pipeline) logQuestion(ctx context.Context, req Request, question string, result *domain.QueryResult, confidence float64) {
	entry := &domain.QuestionLog{
		ID:                  uuid.NewString(),
		DocumentID:          req.DocumentID,
		SessionID:           req.SessionID,
		StudentID:           req.UserID,
		Question:            question,
		Answer:              result.Answer,
		DurationSeconds:     result.DurationSeconds,
		TokensUsed:          result.TokensUsed,
		Cached:              result.Cached,
		Type:                result.QuestionType,
		Confidence:          confidence,
		IsGlobal:            result.IsGlobal,
		SearchedDocumentIDs: result.SearchedDocumentIDs,
		Timestamp:           time.Now().UTC(),
	}
	if err := p.store.AppendQuestionLog(ctx, entry); err != nil {
		p.logger.Warn("question log append failed", "document_id", req.DocumentID, "error", err)
	}
}

// streamChunks replays a stored answer in fixed-size rune chunks.
func streamChunks(answer string, onToken func(string)) {
	if onToken == nil {
		return
	}
	runes := []rune(answer)
	for i := 0; i < len(runes); i += cacheStreamChunk {
		end := i + cacheStreamChunk
		if end > len(runes) {
			end = len(runes)
		}
		onToken(string(runes[i:end]))
	}
}

// streamWords replays a fallback message word by word.
func streamWords(message string, onToken func(string)) {
	if onToken == nil {
		return
	}
	for _, word := range strings.Fields(message) {
		onToken(word + " ")
	}
}
