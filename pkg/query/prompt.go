package query

import (
	"fmt"
	"strings"

	"github.com/lectern-ai/lectern/pkg/domain"
)

// tutorSystemPrompt frames the per-document answer. Its opening line doubles
// as a leak marker: an answer that echoes it verbatim is screened out of the
// cache by the security filter.
const tutorSystemPrompt = `You are an expert educational tutor with deep knowledge of the uploaded course materials. Your role is to help students understand complex concepts.

Guidelines:
1. Provide detailed, accurate explanations suitable for the student's level
2. Use clear examples and relate concepts to real-world applications
3. Encourage critical thinking and deeper understanding
4. Use appropriate terminology and notation for the subject
5. If asked about calculations, show step-by-step workings
6. Reference specific concepts from the provided materials where relevant
7. ONLY answer based on the provided context from the educational materials
8. If information is not in the provided context, clearly state: "I don't have enough information in the provided materials to answer that question fully."

Remember:
- You are an educational tutor, not a homework solver
- Guide students to understanding rather than just providing answers
- Maintain an encouraging and supportive tone`

const globalSystemPrompt = `You are an expert educational AI tutor with access to multiple documents across various subjects. Your role is to synthesize information from different sources to provide comprehensive, cross-referenced answers.

Guidelines:
1. Base your answer ONLY on the provided context from the documents
2. When information comes from multiple sources, synthesize them coherently
3. Compare and contrast concepts when relevant
4. Cite sources using [Source N] format
5. If documents disagree or show different perspectives, mention this
6. Provide a well-rounded, comprehensive answer that connects ideas
7. Use appropriate academic terminology for the subject level
8. If the context doesn't contain relevant information, state this clearly`

// documentPrompt assembles the per-document chat messages. Each retrieved
// chunk becomes a numbered source block so the model can cite [Source N].
func documentPrompt(question string, results []domain.SearchResult) (system, user string) {
	parts := make([]string, 0, len(results))
	for i, r := range results {
		title := orUnknown(r.Metadata.DocumentTitle, "Unknown Document")
		uploader := orUnknown(r.Metadata.UploaderName, "Unknown")
		date := truncDate(r.Metadata.UploadDate)
		header := fmt.Sprintf("[Source %d: %s (uploaded by %s on %s)]", i+1, title, uploader, date)
		parts = append(parts, header+"\n"+r.Metadata.Text)
	}
	context := strings.Join(parts, "\n\n---\n\n")

	user = fmt.Sprintf(`Based on the following educational content:

%s

Student Question: %s

Please provide a clear, educational response that helps the student understand the concept. When referencing information, cite the sources using the format [Source N] (e.g., "As explained in [Source 1]...").`, context, question)
	return tutorSystemPrompt, user
}

// globalPrompt assembles the cross-document chat messages from already
// diversified results.
func globalPrompt(question string, results []domain.SearchResult, numDocuments int) (system, user string) {
	parts := make([]string, 0, len(results))
	for i, r := range results {
		title := orUnknown(r.Metadata.DocumentTitle, "Unknown")
		parts = append(parts, fmt.Sprintf("[Source %d - %s]\n%s", i+1, title, r.Metadata.Text))
	}
	context := strings.Join(parts, "\n\n---\n\n")

	user = fmt.Sprintf(`Context from %d documents:

%s

Student Question: %s

Please provide a comprehensive answer that synthesizes information from the sources above. When referencing specific information, cite the source using [Source N] notation.`, numDocuments, context, question)
	return globalSystemPrompt, user
}

// buildSources mirrors the numbering used in the prompt, 1-based by position.
func buildSources(results []domain.SearchResult) []domain.Source {
	sources := make([]domain.Source, 0, len(results))
	for i, r := range results {
		sources = append(sources, domain.Source{
			SourceID:      i + 1,
			DocumentID:    r.Metadata.DocumentID,
			DocumentTitle: orUnknown(r.Metadata.DocumentTitle, "Unknown"),
			UploaderName:  orUnknown(r.Metadata.UploaderName, "Unknown"),
			UploaderID:    r.Metadata.UploaderID,
			UploadDate:    truncDate(r.Metadata.UploadDate),
			ChunkIndex:    r.Metadata.ChunkIndex,
			Score:         r.Score,
		})
	}
	return sources
}

func orUnknown(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// truncDate keeps the date part of an RFC 3339 timestamp.
func truncDate(date string) string {
	if len(date) > 10 {
		return date[:10]
	}
	return date
}
