// Package domain defines the core types and capability interfaces shared by
// every service: documents, chunks, question logs, and the pluggable
// embedder / generator / vector-index contracts.
package domain

import (
	"context"
	"strconv"
	"time"
)

// Role is a flat user role. There is no hierarchy between roles.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// DocumentStatus tracks a document through the ingestion pipeline.
type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	// StatusVectorizing appears only in progress events, while the embedding
	// worker drains a document's chunks. The stored status stays processing.
	StatusVectorizing DocumentStatus = "vectorizing"
	StatusCompleted   DocumentStatus = "completed"
	StatusFailed      DocumentStatus = "failed"
)

// FileType is one of the supported upload formats.
type FileType string

const (
	FileTypePDF      FileType = "pdf"
	FileTypeText     FileType = "txt"
	FileTypeMarkdown FileType = "md"
)

// GlobalDocumentID is the sentinel document id for cross-document questions.
const GlobalDocumentID = "global"

// UploadRecord is one entry in a document's upload history. Every upload of
// the same content hash appends one record instead of creating a new document.
type UploadRecord struct {
	UserID      string    `bson:"user_id" json:"user_id"`
	UserName    string    `bson:"user_name" json:"user_name"`
	Filename    string    `bson:"filename" json:"filename"`
	ContentHash string    `bson:"content_hash" json:"content_hash"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
}

// DocumentMetadata carries the human-facing attributes copied into every
// chunk at ingestion time.
type DocumentMetadata struct {
	Title        string `bson:"title" json:"title"`
	Subject      string `bson:"subject,omitempty" json:"subject,omitempty"`
	GradeLevel   string `bson:"grade_level,omitempty" json:"grade_level,omitempty"`
	UploaderName string `bson:"uploader_name" json:"uploader_name"`
	PageCount    int    `bson:"page_count,omitempty" json:"page_count,omitempty"`
	FileSize     int64  `bson:"file_size" json:"file_size"`
}

// Document is the metadata-store record for one logical document. The
// content hash uniquely identifies it; re-uploads of identical content only
// grow UploadHistory.
type Document struct {
	ID                 string           `bson:"content_id" json:"document_id"`
	Filename           string           `bson:"filename" json:"filename"`
	FileType           FileType         `bson:"file_type" json:"file_type"`
	UserID             string           `bson:"user_id" json:"user_id"`
	CreatedAt          time.Time        `bson:"created_at" json:"created_at"`
	ContentHash        string           `bson:"content_hash" json:"content_hash"`
	OriginalUploaderID string           `bson:"original_uploader_id" json:"original_uploader_id"`
	UploadHistory      []UploadRecord   `bson:"upload_history" json:"upload_history"`
	Status             DocumentStatus   `bson:"status" json:"status"`
	TotalChunks        int              `bson:"total_chunks" json:"total_chunks"`
	ProcessedChunks    int              `bson:"processed_chunks" json:"processed_chunks"`
	Tags               []string         `bson:"tags,omitempty" json:"tags,omitempty"`
	Metadata           DocumentMetadata `bson:"metadata" json:"metadata"`
}

// Progress returns the document's completion percentage.
func (d *Document) Progress() int {
	if d.TotalChunks <= 0 {
		return 0
	}
	return d.ProcessedChunks * 100 / d.TotalChunks
}

// Chunk is a contiguous, token-bounded, heading-annotated span of a document.
// Chunks exist only in flight: after embedding they dissolve into vector
// records in the index.
type Chunk struct {
	DocumentID   string
	Index        int
	Text         string
	ContextText  string
	TokenCount   int
	SectionTitle string
	Strategy     string
}

// ChunkMetadata is the metadata stored alongside each vector record and
// carried on every chunk job. Text is truncated to the index metadata limit
// at upsert time.
type ChunkMetadata struct {
	DocumentID    string   `json:"document_id"`
	ChunkIndex    int      `json:"chunk_index"`
	Text          string   `json:"text"`
	SectionTitle  string   `json:"section_title,omitempty"`
	Strategy      string   `json:"strategy,omitempty"`
	DocumentTitle string   `json:"document_title"`
	UploaderName  string   `json:"uploader_name"`
	UploaderID    string   `json:"uploader_id"`
	UploadDate    string   `json:"upload_date"`
	Subject       string   `json:"subject,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// ChunkJob is the message-bus payload for one chunk awaiting embedding.
type ChunkJob struct {
	DocumentID string        `json:"document_id"`
	ChunkIndex int           `json:"chunk_index"`
	Text       string        `json:"text"`
	TokenCount int           `json:"token_count"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// VectorID returns the deterministic vector id for this job. Re-delivery of
// the same job upserts the same id, which is what makes the worker idempotent.
func (j *ChunkJob) VectorID() string {
	return VectorID(j.DocumentID, j.ChunkIndex)
}

// VectorRecord is one embedded chunk as stored in the vector index.
type VectorRecord struct {
	ID        string
	Namespace string
	Values    []float32
	Metadata  ChunkMetadata
}

// SearchResult is one vector-index match.
type SearchResult struct {
	ID       string
	Score    float32
	Metadata ChunkMetadata
}

// ProgressEvent is published on a document's status channel while the
// embedding worker drains its chunks.
type ProgressEvent struct {
	Status          DocumentStatus `json:"status"`
	Progress        int            `json:"progress"`
	ProcessedChunks int            `json:"processed_chunks"`
	TotalChunks     int            `json:"total_chunks"`
	Message         string         `json:"message"`
}

// QuestionType is the classifier bucket for a question.
type QuestionType string

const (
	QuestionDefinition  QuestionType = "definition"
	QuestionExplanation QuestionType = "explanation"
	QuestionComparison  QuestionType = "comparison"
	QuestionProcedure   QuestionType = "procedure"
	QuestionApplication QuestionType = "application"
	QuestionEvaluation  QuestionType = "evaluation"
	QuestionGeneral     QuestionType = "general"
)

// QuestionLog is the immutable record appended once per answered query.
type QuestionLog struct {
	ID                  string       `bson:"question_id" json:"question_id"`
	DocumentID          string       `bson:"content_id" json:"document_id"`
	SessionID           string       `bson:"session_id,omitempty" json:"session_id,omitempty"`
	StudentID           string       `bson:"student_id" json:"student_id"`
	Question            string       `bson:"question" json:"question"`
	Answer              string       `bson:"answer" json:"answer"`
	DurationSeconds     float64      `bson:"duration_seconds" json:"duration_seconds"`
	TokensUsed          int          `bson:"tokens_used" json:"tokens_used"`
	Cached              bool         `bson:"cached" json:"cached"`
	Type                QuestionType `bson:"question_type" json:"question_type"`
	Confidence          float64      `bson:"classification_confidence" json:"classification_confidence"`
	IsGlobal            bool         `bson:"is_global" json:"is_global"`
	SearchedDocumentIDs []string     `bson:"searched_document_ids,omitempty" json:"searched_document_ids,omitempty"`
	Timestamp           time.Time    `bson:"timestamp" json:"timestamp"`
}

// User is an account record. PasswordHash is an encoded memory-hard hash
// with a per-record salt and never leaves the store layer.
type User struct {
	ID           string     `bson:"user_id" json:"id"`
	Email        string     `bson:"email" json:"email"`
	FullName     string     `bson:"full_name" json:"full_name"`
	Role         Role       `bson:"role" json:"role"`
	PasswordHash string     `bson:"password_hash" json:"-"`
	IsActive     bool       `bson:"is_active" json:"is_active"`
	CreatedAt    time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at" json:"updated_at"`
	LastLogin    *time.Time `bson:"last_login,omitempty" json:"last_login,omitempty"`
}

// Source attributes one answer citation. SourceID matches the [Source N]
// token in the answer text, 1-based by position in the prompt.
type Source struct {
	SourceID      int     `json:"source_id"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	UploaderName  string  `json:"uploader_name"`
	UploaderID    string  `json:"uploader_id"`
	UploadDate    string  `json:"upload_date"`
	ChunkIndex    int     `json:"chunk_index"`
	Score         float32 `json:"score"`
}

// QueryResult is the complete (non-streamed) answer to a question.
type QueryResult struct {
	Answer              string       `json:"answer"`
	Sources             []Source     `json:"sources"`
	Cached              bool         `json:"cached"`
	DurationSeconds     float64      `json:"duration_seconds"`
	TokensUsed          int          `json:"tokens_used"`
	QuestionType        QuestionType `json:"question_type"`
	IsGlobal            bool         `json:"is_global,omitempty"`
	SearchedDocumentIDs []string     `json:"searched_document_ids,omitempty"`
	Diagnostics         string       `json:"diagnostics,omitempty"`
}

// SuggestedQuestions is the stored set of study questions generated for a
// document after upload.
type SuggestedQuestions struct {
	DocumentID  string    `bson:"content_id" json:"document_id"`
	Questions   []string  `bson:"questions" json:"questions"`
	GeneratedBy string    `bson:"generated_by" json:"generated_by"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// PopularQuestion is one frequency-ranked question for a document.
type PopularQuestion struct {
	Question  string `json:"question"`
	Frequency int64  `json:"frequency"`
	IsCached  bool   `json:"is_cached"`
}

// Usage reports token consumption for one generation call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces LLM answers. Stream invokes onToken for every emitted
// fragment and returns the concatenated answer; Complete returns the full
// answer with usage in one shot.
type Generator interface {
	Stream(ctx context.Context, system, user string, onToken func(token string)) (string, error)
	Complete(ctx context.Context, system, user string) (string, Usage, error)
}

// VectorIndex is the per-namespace approximate-nearest-neighbor store.
// Upsert must be idempotent under record id.
type VectorIndex interface {
	Upsert(ctx context.Context, rec VectorRecord) error
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]SearchResult, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

// JobPublisher publishes chunk jobs to the durable embed queue.
type JobPublisher interface {
	PublishChunk(ctx context.Context, job ChunkJob) error
}

// ProgressPublisher fans progress events out to a document's subscribers.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, documentID string, ev ProgressEvent) error
}

// VectorID builds the deterministic vector id for a chunk.
func VectorID(documentID string, chunkIndex int) string {
	return documentID + "_" + strconv.Itoa(chunkIndex)
}
