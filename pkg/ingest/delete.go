package ingest

import (
	"context"
	"os"
	"path/filepath"

	"github.com/lectern-ai/lectern/pkg/domain"
)

// DeleteStats reports what the cascade actually removed. Every step after
// the permission check is best-effort; the metadata record goes last so a
// partially failed delete stays visible and retryable.
type DeleteStats struct {
	MetadataDeleted  bool  `json:"metadata_deleted"`
	VectorsDeleted   bool  `json:"vectors_deleted"`
	FileDeleted      bool  `json:"file_deleted"`
	CacheEntries     int64 `json:"cache_entries_cleared"`
	QuestionsDeleted int64 `json:"questions_deleted"`
}

// CanDeleteDocument reports whether the user may delete doc: the owner, any
// teacher, or anyone who uploaded the same content.
func CanDeleteDocument(doc *domain.Document, userID string, role domain.Role) bool {
	if role == domain.RoleTeacher || doc.UserID == userID {
		return true
	}
	for _, rec := range doc.UploadHistory {
		if rec.UserID == userID {
			return true
		}
	}
	return false
}

// Delete removes a document from every system: vector index, cache,
// question logs, suggested questions, stored file, and finally the
// metadata record.
func (c *Coordinator) Delete(ctx context.Context, documentID, userID string, role domain.Role) (*DeleteStats, error) {
	doc, err := c.store.DocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !CanDeleteDocument(doc, userID, role) {
		return nil, domain.ErrAuthorization
	}

	stats := &DeleteStats{}

	if err := c.index.DeleteNamespace(ctx, documentID); err != nil {
		c.logger.Warn("vector delete failed", "document_id", documentID, "error", err)
	} else {
		stats.VectorsDeleted = true
	}

	if c.cache != nil {
		n, err := c.cache.DeleteDocument(ctx, documentID)
		if err != nil {
			c.logger.Warn("cache clear failed", "document_id", documentID, "error", err)
		}
		stats.CacheEntries = n
	}

	if c.opts.UploadDirectory != "" && doc.Filename != "" {
		path := filepath.Join(c.opts.UploadDirectory, filepath.Base(doc.Filename))
		if err := os.Remove(path); err == nil {
			stats.FileDeleted = true
		} else if !os.IsNotExist(err) {
			c.logger.Warn("stored file not removed", "path", path, "error", err)
		}
	}

	if n, err := c.store.DeleteQuestionsForDocument(ctx, documentID); err != nil {
		c.logger.Warn("question log delete failed", "document_id", documentID, "error", err)
	} else {
		stats.QuestionsDeleted = n
	}

	if err := c.store.DeleteSuggestedQuestions(ctx, documentID); err != nil {
		c.logger.Warn("suggested question delete failed", "document_id", documentID, "error", err)
	}

	deleted, err := c.store.DeleteDocument(ctx, documentID)
	if err != nil {
		return stats, err
	}
	stats.MetadataDeleted = deleted

	c.logger.Info("document deleted", "document_id", documentID, "user_id", userID,
		"vectors", stats.VectorsDeleted, "cache_entries", stats.CacheEntries)
	return stats, nil
}
