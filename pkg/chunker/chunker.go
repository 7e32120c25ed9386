// Package chunker splits parsed documents into token-bounded,
// boundary-respecting chunks with contextual headers. The structure-aware
// strategy follows the heading tree; a deterministic token-window strategy
// is the fallback when no structure is available.
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/parser"
)

const (
	StrategyStructure   = "structure"
	StrategyTokenWindow = "token_window"
)

// Options controls one chunking run.
type Options struct {
	MaxTokens  int
	Overlap    int
	MergePeers bool
}

type Service struct {
	enc *tiktoken.Tiktoken
}

// New loads the cl100k_base encoding shared with the embedding side.
func New() (*Service, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("%w: load tokenizer: %v", domain.ErrChunking, err)
	}
	return &Service{enc: enc}, nil
}

// CountTokens returns the token length of text under the chunking encoding.
func (s *Service) CountTokens(text string) int {
	return len(s.enc.Encode(text, nil, nil))
}

// Chunk produces the ordered chunk sequence for one document. An empty
// document yields zero chunks.
func (s *Service) Chunk(documentID, content string, structure []parser.Heading, opts Options) ([]domain.Chunk, error) {
	if opts.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: max tokens must be positive", domain.ErrChunking)
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.MaxTokens {
		return nil, fmt.Errorf("%w: overlap must be in [0, max tokens)", domain.ErrChunking)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}

	if len(structure) == 0 {
		return s.windowChunks(documentID, content, nil, opts), nil
	}
	return s.structureChunks(documentID, content, structure, opts), nil
}

// region is a span of body lines under one heading chain.
type region struct {
	chain []parser.Heading
	body  string
}

func splitRegions(content string, structure []parser.Heading) []region {
	lines := strings.Split(content, "\n")

	byOffset := make(map[int]parser.Heading, len(structure))
	for _, h := range structure {
		byOffset[h.Offset] = h
	}

	var regions []region
	var chain []parser.Heading
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		body = body[:0]
		if text == "" {
			return
		}
		snapshot := make([]parser.Heading, len(chain))
		copy(snapshot, chain)
		regions = append(regions, region{chain: snapshot, body: text})
	}

	for i, line := range lines {
		h, isHeading := byOffset[i]
		if !isHeading {
			body = append(body, line)
			continue
		}
		flush()
		// Pop siblings and deeper levels, then descend.
		for len(chain) > 0 && chain[len(chain)-1].Level >= h.Level {
			chain = chain[:len(chain)-1]
		}
		chain = append(chain, h)
	}
	flush()
	return regions
}

func (s *Service) structureChunks(documentID, content string, structure []parser.Heading, opts Options) []domain.Chunk {
	var chunks []domain.Chunk
	for _, reg := range splitRegions(content, structure) {
		units := s.regionUnits(reg.body, opts)
		if opts.MergePeers {
			units = s.mergePeers(units, opts.MaxTokens)
		}
		for _, u := range units {
			chunks = append(chunks, s.buildChunk(documentID, len(chunks), u.text, reg.chain, StrategyStructure))
		}
	}
	if len(chunks) == 0 {
		// Headings with no body text anywhere; fall back to windows so the
		// heading text itself remains retrievable.
		return s.windowChunks(documentID, content, nil, opts)
	}
	return chunks
}

// unit is a merge candidate inside one region. Units produced by splitting
// an oversized paragraph are pinned so merging never recombines them.
type unit struct {
	text   string
	tokens int
	pinned bool
}

func (s *Service) regionUnits(body string, opts Options) []unit {
	var units []unit
	for _, para := range splitParagraphs(body) {
		n := s.CountTokens(para)
		if n <= opts.MaxTokens {
			units = append(units, unit{text: para, tokens: n})
			continue
		}
		// Oversized paragraph: try sentence packing first, window-split any
		// sentence that is still too large on its own.
		for _, packed := range s.packSentences(para, opts.MaxTokens) {
			pn := s.CountTokens(packed)
			if pn <= opts.MaxTokens {
				units = append(units, unit{text: packed, tokens: pn, pinned: true})
				continue
			}
			for _, w := range s.windows(packed, opts) {
				units = append(units, unit{text: w, tokens: s.CountTokens(w), pinned: true})
			}
		}
	}
	return units
}

func (s *Service) mergePeers(units []unit, maxTokens int) []unit {
	var merged []unit
	for _, u := range units {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if !last.pinned && !u.pinned && last.tokens+u.tokens <= maxTokens {
				last.text = last.text + "\n\n" + u.text
				last.tokens += u.tokens
				continue
			}
		}
		merged = append(merged, u)
	}
	return merged
}

// packSentences greedily fills sentence groups up to maxTokens each.
func (s *Service) packSentences(text string, maxTokens int) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}
	var groups []string
	var cur strings.Builder
	curTokens := 0
	for _, sent := range sentences {
		n := s.CountTokens(sent)
		if curTokens > 0 && curTokens+n > maxTokens {
			groups = append(groups, strings.TrimSpace(cur.String()))
			cur.Reset()
			curTokens = 0
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(sent)
		curTokens += n
	}
	if cur.Len() > 0 {
		groups = append(groups, strings.TrimSpace(cur.String()))
	}
	return groups
}

// windows slides a max-token window with the configured overlap across the
// tokenized text. Deterministic for identical input.
func (s *Service) windows(text string, opts Options) []string {
	tokens := s.enc.Encode(text, nil, nil)
	if len(tokens) == 0 {
		return nil
	}
	step := opts.MaxTokens - opts.Overlap
	if step <= 0 {
		step = opts.MaxTokens
	}
	var out []string
	for start := 0; start < len(tokens); start += step {
		end := start + opts.MaxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		piece := strings.TrimSpace(s.enc.Decode(tokens[start:end]))
		if piece != "" {
			out = append(out, piece)
		}
		if end == len(tokens) {
			break
		}
	}
	return out
}

func (s *Service) windowChunks(documentID, content string, chain []parser.Heading, opts Options) []domain.Chunk {
	var chunks []domain.Chunk
	for _, w := range s.windows(content, opts) {
		chunks = append(chunks, s.buildChunk(documentID, len(chunks), w, chain, StrategyTokenWindow))
	}
	return chunks
}

// buildChunk assembles the contextualized text: the enclosing heading chain
// top-down, one heading per line, then the body. This is the exact string
// that is embedded and shown to the LLM.
func (s *Service) buildChunk(documentID string, index int, body string, chain []parser.Heading, strategy string) domain.Chunk {
	var section string
	var ctx strings.Builder
	for _, h := range chain {
		ctx.WriteString(h.Title)
		ctx.WriteString("\n")
		section = h.Title
	}
	if ctx.Len() > 0 {
		ctx.WriteString("\n")
	}
	ctx.WriteString(body)

	contextText := ctx.String()
	return domain.Chunk{
		DocumentID:   documentID,
		Index:        index,
		Text:         body,
		ContextText:  contextText,
		TokenCount:   s.CountTokens(contextText),
		SectionTitle: section,
		Strategy:     strategy,
	}
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences breaks on terminal punctuation followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	runes := []rune(strings.TrimSpace(text))
	for i, r := range runes {
		cur.WriteRune(r)
		if isSentenceEnd(r) && (i+1 >= len(runes) || unicode.IsSpace(runes[i+1])) {
			sent := strings.TrimSpace(cur.String())
			if sent != "" {
				sentences = append(sentences, sent)
			}
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}
