package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lectern-ai/lectern/pkg/access"
	"github.com/lectern-ai/lectern/pkg/domain"
)

// noGlobalContentMessage is returned when retrieval finds nothing across
// every searchable document.
const noGlobalContentMessage = `I couldn't find searchable content in your documents for this question.

Documents need to finish processing before they can be searched. If you just uploaded, give it a minute and try again.`

// GlobalRequest is one cross-document question. SelectedDocumentIDs narrows
// the search; empty means everything the user can read.
type GlobalRequest struct {
	Question            string
	UserID              string
	Role                domain.Role
	SessionID           string
	SelectedDocumentIDs []string
}

// AskGlobal answers a question across every namespace the user may read.
// Selection outside the accessible set is dropped silently; documents still
// processing are dropped and surfaced in the result diagnostics.
func (p *Pipeline) AskGlobal(ctx context.Context, req GlobalRequest) (*domain.QueryResult, error) {
	started := time.Now()

	question, err := p.filter.ValidateQuestion(req.Question)
	if err != nil {
		return nil, err
	}

	// Global questions rank under their own namespace; the answers themselves
	// are never cached.
	if _, err := p.cache.BumpFrequency(ctx, domain.GlobalDocumentID, question); err != nil {
		p.logger.Warn("frequency bump failed", "document_id", domain.GlobalDocumentID, "error", err)
	}

	accessible, err := p.resolver.AccessibleDocuments(ctx, req.UserID, req.Role)
	if err != nil {
		return nil, err
	}
	sel := access.FilterForRetrieval(accessible, req.SelectedDocumentIDs)

	if len(sel.Namespaces) == 0 {
		result := &domain.QueryResult{
			Answer:          noGlobalContentMessage,
			Cached:          false,
			DurationSeconds: time.Since(started).Seconds(),
			QuestionType:    domain.QuestionGeneral,
			IsGlobal:        true,
			Diagnostics:     sel.Diagnostics,
		}
		p.logGlobal(ctx, req, question, result, 0)
		return result, nil
	}

	// A single explicitly selected document is just a per-document question.
	if len(req.SelectedDocumentIDs) > 0 && len(sel.Namespaces) == 1 {
		result, err := p.AskComplete(ctx, Request{
			DocumentID: sel.Namespaces[0],
			Question:   req.Question,
			UserID:     req.UserID,
			Role:       req.Role,
			SessionID:  req.SessionID,
		})
		if err != nil {
			return nil, err
		}
		result.IsGlobal = true
		result.SearchedDocumentIDs = sel.Namespaces
		result.Diagnostics = sel.Diagnostics
		return result, nil
	}

	vec, err := p.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	perNamespace := p.opts.GlobalTopK/len(sel.Namespaces) + 1
	merged := p.fanOut(ctx, sel.Namespaces, vec, perNamespace)
	diverse := diversify(merged, p.opts.MaxPerDoc, p.opts.MaxTotal)

	// Global search can come back empty even when individual documents have
	// content; a narrower per-document pass catches those.
	if len(diverse) == 0 {
		merged = p.fanOut(ctx, sel.Namespaces, vec, 2)
		diverse = diversify(merged, p.opts.MaxPerDoc, p.opts.MaxTotal)
	}

	if len(diverse) == 0 {
		result := &domain.QueryResult{
			Answer:              noGlobalContentMessage,
			Cached:              false,
			DurationSeconds:     time.Since(started).Seconds(),
			QuestionType:        domain.QuestionGeneral,
			IsGlobal:            true,
			SearchedDocumentIDs: sel.Namespaces,
			Diagnostics:         sel.Diagnostics,
		}
		p.logGlobal(ctx, req, question, result, 0)
		return result, nil
	}

	system, user := globalPrompt(question, diverse, len(sel.Namespaces))
	answer, usage, genErr := p.generator.Complete(ctx, system, user)
	if genErr != nil {
		p.logger.Error("global generation failed", "user_id", req.UserID, "error", genErr)
		return nil, fmt.Errorf("%w: answer generation failed: %v", domain.ErrExternalService, genErr)
	}

	qtype, confidence := Classify(question)
	result := &domain.QueryResult{
		Answer:              answer,
		Sources:             buildSources(diverse),
		Cached:              false,
		DurationSeconds:     time.Since(started).Seconds(),
		TokensUsed:          usage.TotalTokens,
		QuestionType:        qtype,
		IsGlobal:            true,
		SearchedDocumentIDs: sel.Namespaces,
		Diagnostics:         sel.Diagnostics,
	}
	p.logGlobal(ctx, req, question, result, confidence)
	return result, nil
}

// fanOut queries every namespace concurrently and merges the matches sorted
// by score, best first. A failed namespace contributes nothing; global
// answers degrade instead of failing outright.
func (p *Pipeline) fanOut(ctx context.Context, namespaces []string, vec []float32, topK int) []domain.SearchResult {
	var mu sync.Mutex
	var merged []domain.SearchResult

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, ns := range namespaces {
		g.Go(func() error {
			results, err := p.index.Query(gctx, ns, vec, topK)
			if err != nil {
				p.logger.Warn("namespace query failed", "namespace", ns, "error", err)
				return nil
			}
			mu.Lock()
			merged = append(merged, results...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(merged, func(a, b int) bool { return merged[a].Score > merged[b].Score })
	return merged
}

// diversify round-robins matches across documents so one document cannot
// crowd out the rest, keeping at most maxPerDoc per document and maxTotal
// overall. Input order (best first) is preserved within each document.
func diversify(results []domain.SearchResult, maxPerDoc, maxTotal int) []domain.SearchResult {
	byDoc := make(map[string][]domain.SearchResult)
	var order []string
	for _, r := range results {
		id := r.Metadata.DocumentID
		if _, ok := byDoc[id]; !ok {
			order = append(order, id)
		}
		byDoc[id] = append(byDoc[id], r)
	}

	counts := make(map[string]int, len(order))
	var diverse []domain.SearchResult
	for {
		progressed := false
		for _, id := range order {
			if len(diverse) >= maxTotal {
				return diverse
			}
			if len(byDoc[id]) == 0 || counts[id] >= maxPerDoc {
				continue
			}
			diverse = append(diverse, byDoc[id][0])
			byDoc[id] = byDoc[id][1:]
			counts[id]++
			progressed = true
		}
		if !progressed {
			return diverse
		}
	}
}

func (p *Pipeline) logGlobal(ctx context.Context, req GlobalRequest, question string, result *domain.QueryResult, confidence float64) {
	p.logQuestion(ctx, Request{
		DocumentID: domain.GlobalDocumentID,
		Question:   question,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
	}, question, result, confidence)
}
