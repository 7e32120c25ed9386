package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lectern-ai/lectern/pkg/chunker"
	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/log"
	"github.com/lectern-ai/lectern/pkg/parser"
)

// suggestTimeout bounds the background suggested-question generation.
const suggestTimeout = 60 * time.Second

// DocumentStore is the slice of the metadata store the coordinator needs.
type DocumentStore interface {
	UserByID(ctx context.Context, id string) (*domain.User, error)
	InsertDocument(ctx context.Context, doc *domain.Document) error
	DocumentByID(ctx context.Context, id string) (*domain.Document, error)
	AppendUploadHistory(ctx context.Context, contentHash string, rec domain.UploadRecord) (*domain.Document, error)
	MarkFailed(ctx context.Context, documentID string) error
	DeleteDocument(ctx context.Context, documentID string) (bool, error)
	DeleteQuestionsForDocument(ctx context.Context, documentID string) (int64, error)
	DeleteSuggestedQuestions(ctx context.Context, documentID string) error
}

// CacheDeleter clears the transient keyspace for a deleted document.
type CacheDeleter interface {
	DeleteDocument(ctx context.Context, documentID string) (int64, error)
}

// Options tunes upload validation and chunking.
type Options struct {
	MaxFileSize     int64
	ChunkSize       int
	ChunkOverlap    int
	MergePeers      bool
	UploadDirectory string
}

// Coordinator drives the synchronous half of ingestion. Embedding happens
// asynchronously in the worker; the coordinator's job ends once every chunk
// job is on the queue.
type Coordinator struct {
	store     DocumentStore
	chunker   *chunker.Service
	publisher domain.JobPublisher
	progress  domain.ProgressPublisher
	index     domain.VectorIndex
	cache     CacheDeleter
	suggester *Suggester
	opts      Options
	logger    *slog.Logger
}

func NewCoordinator(store DocumentStore, ck *chunker.Service, publisher domain.JobPublisher,
	progress domain.ProgressPublisher, index domain.VectorIndex, cache CacheDeleter,
	suggester *Suggester, opts Options) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 512
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	return &Coordinator{
		store:     store,
		chunker:   ck,
		publisher: publisher,
		progress:  progress,
		index:     index,
		cache:     cache,
		suggester: suggester,
		opts:      opts,
		logger:    log.WithComponent("ingest"),
	}
}

// UploadInput is one raw upload.
type UploadInput struct {
	Filename   string
	Data       []byte
	UserID     string
	Title      string
	Subject    string
	GradeLevel string
	// Tags is the raw comma-separated form from the upload request.
	Tags string
}

// UploadResult reports where the upload landed.
type UploadResult struct {
	Document    *domain.Document
	IsDuplicate bool
	Message     string
}

// Upload validates, parses, deduplicates, chunks, and enqueues one document.
// Identical content re-uploaded by anyone appends to the existing document's
// upload history instead of reprocessing.
func (c *Coordinator) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	fileType, err := fileTypeOf(in.Filename)
	if err != nil {
		return nil, err
	}
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", domain.ErrFileValidation)
	}
	if c.opts.MaxFileSize > 0 && int64(len(in.Data)) > c.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrFileValidation, c.opts.MaxFileSize)
	}

	parsed, err := parser.Parse(in.Data, fileType)
	if err != nil {
		return nil, err
	}

	hash := ContentHash(parsed.Content)
	uploaderName := c.uploaderName(ctx, in.UserID)
	record := domain.UploadRecord{
		UserID:      in.UserID,
		UserName:    uploaderName,
		Filename:    in.Filename,
		ContentHash: hash,
		Timestamp:   time.Now().UTC(),
	}

	// The history append doubles as the duplicate check: it only matches an
	// existing document, and two racing uploads of the same content resolve
	// to one insert winner and one history append.
	if existing, err := c.store.AppendUploadHistory(ctx, hash, record); err == nil {
		c.logger.Info("duplicate content linked", "document_id", existing.ID, "user_id", in.UserID)
		return &UploadResult{
			Document:    existing,
			IsDuplicate: true,
			Message:     "Document already exists in knowledge base. Linked to your account.",
		}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	documentID := uuid.NewString()
	chunks, err := c.chunker.Chunk(documentID, parsed.Content, parsed.Structure, chunker.Options{
		MaxTokens:  c.opts.ChunkSize,
		Overlap:    c.opts.ChunkOverlap,
		MergePeers: c.opts.MergePeers,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc := &domain.Document{
		ID:                 documentID,
		Filename:           in.Filename,
		FileType:           fileType,
		UserID:             in.UserID,
		CreatedAt:          now,
		ContentHash:        hash,
		OriginalUploaderID: in.UserID,
		UploadHistory:      []domain.UploadRecord{record},
		Status:             domain.StatusProcessing,
		TotalChunks:        len(chunks),
		Tags:               splitTags(in.Tags),
		Metadata: domain.DocumentMetadata{
			Title:        orDefault(in.Title, parsed.Title),
			Subject:      orDefault(in.Subject, "General"),
			GradeLevel:   in.GradeLevel,
			UploaderName: uploaderName,
			PageCount:    parsed.PageCount,
			FileSize:     int64(len(in.Data)),
		},
	}
	if len(chunks) == 0 {
		doc.Status = domain.StatusCompleted
	}

	if err := c.store.InsertDocument(ctx, doc); err != nil {
		// Unique index collision: another upload of the same content won the
		// race between our duplicate check and this insert.
		if errors.Is(err, domain.ErrValidation) {
			if existing, histErr := c.store.AppendUploadHistory(ctx, hash, record); histErr == nil {
				return &UploadResult{
					Document:    existing,
					IsDuplicate: true,
					Message:     "Document already exists in knowledge base. Linked to your account.",
				}, nil
			}
		}
		return nil, err
	}

	c.saveOriginal(in.Filename, in.Data)

	if len(chunks) == 0 {
		c.publishProgress(ctx, documentID, domain.ProgressEvent{
			Status:   domain.StatusCompleted,
			Progress: 100,
			Message:  "Document contains no indexable text.",
		})
		c.spawnSuggestions(doc, parsed.Content)
		return &UploadResult{
			Document: doc,
			Message:  "Document uploaded successfully. No indexable text found.",
		}, nil
	}

	if err := c.publishJobs(ctx, doc, chunks, now); err != nil {
		_ = c.store.MarkFailed(ctx, documentID)
		return nil, err
	}

	c.publishProgress(ctx, documentID, domain.ProgressEvent{
		Status:      domain.StatusProcessing,
		Progress:    10,
		TotalChunks: len(chunks),
		Message:     fmt.Sprintf("Processing %d chunks...", len(chunks)),
	})
	c.spawnSuggestions(doc, parsed.Content)

	c.logger.Info("document enqueued",
		"document_id", documentID, "filename", in.Filename, "chunks", len(chunks))
	return &UploadResult{
		Document: doc,
		Message:  fmt.Sprintf("Document uploaded successfully. Processing %d chunks.", len(chunks)),
	}, nil
}

func (c *Coordinator) publishJobs(ctx context.Context, doc *domain.Document, chunks []domain.Chunk, uploadedAt time.Time) error {
	for _, chunk := range chunks {
		job := domain.ChunkJob{
			DocumentID: doc.ID,
			ChunkIndex: chunk.Index,
			Text:       chunk.ContextText,
			TokenCount: chunk.TokenCount,
			Metadata: domain.ChunkMetadata{
				DocumentID:    doc.ID,
				ChunkIndex:    chunk.Index,
				Text:          chunk.Text,
				SectionTitle:  chunk.SectionTitle,
				Strategy:      chunk.Strategy,
				DocumentTitle: doc.Metadata.Title,
				UploaderName:  doc.Metadata.UploaderName,
				UploaderID:    doc.UserID,
				UploadDate:    uploadedAt.Format(time.RFC3339),
				Subject:       doc.Metadata.Subject,
				Tags:          doc.Tags,
			},
		}
		if err := c.publisher.PublishChunk(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) publishProgress(ctx context.Context, documentID string, ev domain.ProgressEvent) {
	if c.progress == nil {
		return
	}
	if err := c.progress.PublishProgress(ctx, documentID, ev); err != nil {
		c.logger.Warn("progress publish failed", "document_id", documentID, "error", err)
	}
}

// spawnSuggestions generates study questions in the background so the
// upload response never waits on a second model call.
func (c *Coordinator) spawnSuggestions(doc *domain.Document, content string) {
	if c.suggester == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), suggestTimeout)
		defer cancel()
		c.suggester.GenerateAndStore(ctx, doc, content)
	}()
}

func (c *Coordinator) uploaderName(ctx context.Context, userID string) string {
	user, err := c.store.UserByID(ctx, userID)
	if err != nil || user.FullName == "" {
		return "Unknown"
	}
	return user.FullName
}

// saveOriginal keeps the raw upload on disk for operator recovery. Failure
// is logged, never fatal: the parsed content is already in flight.
func (c *Coordinator) saveOriginal(filename string, data []byte) {
	if c.opts.UploadDirectory == "" {
		return
	}
	path := filepath.Join(c.opts.UploadDirectory, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Warn("original file not saved", "path", path, "error", err)
	}
}

func fileTypeOf(filename string) (domain.FileType, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	switch ext {
	case "pdf":
		return domain.FileTypePDF, nil
	case "txt":
		return domain.FileTypeText, nil
	case "md", "markdown":
		return domain.FileTypeMarkdown, nil
	default:
		return "", fmt.Errorf("%w: unsupported file type %q", domain.ErrFileValidation, ext)
	}
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
