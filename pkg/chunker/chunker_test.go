package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/parser"
)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := New()
	require.NoError(t, err)
	return s
}

func parseDoc(t *testing.T, src string) *parser.Result {
	t.Helper()
	res, err := parser.Parse([]byte(src), domain.FileTypeMarkdown)
	require.NoError(t, err)
	return res
}

func defaultOpts() Options {
	return Options{MaxTokens: 128, Overlap: 16, MergePeers: true}
}

func TestChunkEmptyDocument(t *testing.T) {
	s := newService(t)

	chunks, err := s.Chunk("doc-1", "", nil, defaultOpts())
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkIndicesAreDense(t *testing.T) {
	s := newService(t)
	doc := parseDoc(t, "# T\n\nalpha beta.\n\n## A\n\ngamma delta.\n\n## B\n\nepsilon zeta.")

	chunks, err := s.Chunk("doc-1", doc.Content, doc.Structure, defaultOpts())
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "doc-1", c.DocumentID)
	}
}

func TestContextualizedTextCarriesHeadingChain(t *testing.T) {
	s := newService(t)
	doc := parseDoc(t, "# Biology\n\n## Cells\n\n### Mitochondria\n\nThe powerhouse of the cell.")

	chunks, err := s.Chunk("doc-1", doc.Content, doc.Structure, defaultOpts())
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, "Mitochondria", c.SectionTitle)
	assert.Equal(t, StrategyStructure, c.Strategy)
	assert.True(t, strings.HasPrefix(c.ContextText, "Biology\nCells\nMitochondria\n"),
		"context text should start with the heading chain, got %q", c.ContextText)
	assert.Contains(t, c.ContextText, "The powerhouse of the cell.")
	assert.Equal(t, "The powerhouse of the cell.", c.Text)
}

func TestSiblingHeadingsDoNotStack(t *testing.T) {
	s := newService(t)
	doc := parseDoc(t, "# Root\n\n## First\n\none.\n\n## Second\n\ntwo.")

	chunks, err := s.Chunk("doc-1", doc.Content, doc.Structure, Options{MaxTokens: 64, Overlap: 8})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[1].ContextText, "Root\nSecond\n"),
		"sibling heading must replace its peer in the chain, got %q", chunks[1].ContextText)
}

func TestMergePeersCombinesSmallUnits(t *testing.T) {
	s := newService(t)
	src := "# T\n\n## S\n\nfirst sentence here.\n\nsecond sentence here.\n\nthird sentence here."
	doc := parseDoc(t, src)

	merged, err := s.Chunk("doc-1", doc.Content, doc.Structure, Options{MaxTokens: 256, Overlap: 0, MergePeers: true})
	require.NoError(t, err)
	unmerged, err := s.Chunk("doc-1", doc.Content, doc.Structure, Options{MaxTokens: 256, Overlap: 0, MergePeers: false})
	require.NoError(t, err)

	assert.Less(t, len(merged), len(unmerged))
	require.Len(t, merged, 1)
	assert.Contains(t, merged[0].Text, "first sentence here.")
	assert.Contains(t, merged[0].Text, "third sentence here.")
}

func TestTokenBoundIsRespected(t *testing.T) {
	s := newService(t)
	// One giant paragraph, no structure: token-window fallback.
	var b strings.Builder
	for i := 0; i < 400; i++ {
		b.WriteString("lorem ipsum dolor sit amet ")
	}

	opts := Options{MaxTokens: 100, Overlap: 10}
	chunks, err := s.Chunk("doc-1", b.String(), nil, opts)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, s.CountTokens(c.Text), opts.MaxTokens)
		assert.Equal(t, StrategyTokenWindow, c.Strategy)
	}
}

func TestWindowFallbackIsDeterministic(t *testing.T) {
	s := newService(t)
	text := strings.Repeat("deterministic output for identical input. ", 120)
	opts := Options{MaxTokens: 64, Overlap: 8}

	first, err := s.Chunk("doc-1", text, nil, opts)
	require.NoError(t, err)
	second, err := s.Chunk("doc-1", text, nil, opts)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Text, second[i].Text)
		assert.Equal(t, first[i].ContextText, second[i].ContextText)
	}
}

func TestOversizedRegionSplitsWithoutCrossBoundaryMerge(t *testing.T) {
	s := newService(t)
	big := strings.Repeat("word after word without any terminal punctuation ", 100)
	src := "# T\n\n## Huge\n\n" + big
	doc := parseDoc(t, src)

	chunks, err := s.Chunk("doc-1", doc.Content, doc.Structure, Options{MaxTokens: 80, Overlap: 8, MergePeers: true})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		// Slack for the heading chain prefix only.
		assert.LessOrEqual(t, s.CountTokens(c.Text), 80)
	}
}

func TestChunkRejectsBadOptions(t *testing.T) {
	s := newService(t)

	_, err := s.Chunk("doc-1", "text", nil, Options{MaxTokens: 0})
	assert.ErrorIs(t, err, domain.ErrChunking)

	_, err = s.Chunk("doc-1", "text", nil, Options{MaxTokens: 10, Overlap: 10})
	assert.ErrorIs(t, err, domain.ErrChunking)
}
