// Package access computes which document namespaces a user may retrieve
// from. The rules are deliberately lean and permissive: teachers see every
// completed document plus their own work in progress; students see their own
// uploads, anything in their upload history, and completed teacher material.
package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/lectern-ai/lectern/pkg/domain"
)

// DocumentLister is the slice of the metadata store the resolver needs.
type DocumentLister interface {
	DocumentsByOwner(ctx context.Context, userID string) ([]domain.Document, error)
	DocumentsInHistory(ctx context.Context, userID string) ([]domain.Document, error)
	CompletedDocuments(ctx context.Context) ([]domain.Document, error)
	CompletedDocumentsByUploaders(ctx context.Context, uploaderIDs []string) ([]domain.Document, error)
	TeacherIDs(ctx context.Context) ([]string, error)
}

type Resolver struct {
	store DocumentLister
}

func NewResolver(store DocumentLister) *Resolver {
	return &Resolver{store: store}
}

// AccessibleDocuments returns the user's full accessible set, deduplicated,
// in first-seen order.
func (r *Resolver) AccessibleDocuments(ctx context.Context, userID string, role domain.Role) ([]domain.Document, error) {
	var groups [][]domain.Document

	switch role {
	case domain.RoleTeacher:
		completed, err := r.store.CompletedDocuments(ctx)
		if err != nil {
			return nil, err
		}
		own, err := r.store.DocumentsByOwner(ctx, userID)
		if err != nil {
			return nil, err
		}
		groups = [][]domain.Document{completed, own}

	default:
		own, err := r.store.DocumentsByOwner(ctx, userID)
		if err != nil {
			return nil, err
		}
		history, err := r.store.DocumentsInHistory(ctx, userID)
		if err != nil {
			return nil, err
		}
		teacherIDs, err := r.store.TeacherIDs(ctx)
		if err != nil {
			return nil, err
		}
		var shared []domain.Document
		if len(teacherIDs) > 0 {
			shared, err = r.store.CompletedDocumentsByUploaders(ctx, teacherIDs)
			if err != nil {
				return nil, err
			}
		}
		groups = [][]domain.Document{own, history, shared}
	}

	seen := make(map[string]bool)
	var out []domain.Document
	for _, group := range groups {
		for _, doc := range group {
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			out = append(out, doc)
		}
	}
	return out, nil
}

// CanQueryDocument reports whether the user may run per-document queries
// against doc.
func CanQueryDocument(doc *domain.Document, userID string, role domain.Role) bool {
	if role == domain.RoleTeacher {
		return doc.Status == domain.StatusCompleted || doc.UserID == userID
	}
	if doc.UserID == userID {
		return true
	}
	for _, rec := range doc.UploadHistory {
		if rec.UserID == userID {
			return true
		}
	}
	return doc.Status == domain.StatusCompleted
}

// Selection is the retrieval-ready namespace set plus a human-readable note
// about anything that was dropped for not being ready yet.
type Selection struct {
	Namespaces  []string
	Diagnostics string
}

// FilterForRetrieval narrows the accessible set down to retrievable
// namespaces. Selected ids outside the accessible set are silently dropped;
// accessible ids that are not yet completed are dropped and surfaced in the
// diagnostics message.
func FilterForRetrieval(accessible []domain.Document, selected []string) Selection {
	byID := make(map[string]*domain.Document, len(accessible))
	for i := range accessible {
		byID[accessible[i].ID] = &accessible[i]
	}

	candidates := make([]*domain.Document, 0, len(accessible))
	if len(selected) > 0 {
		for _, id := range selected {
			if doc, ok := byID[id]; ok {
				candidates = append(candidates, doc)
			}
		}
	} else {
		for i := range accessible {
			candidates = append(candidates, &accessible[i])
		}
	}

	var namespaces []string
	var pending []string
	for _, doc := range candidates {
		if doc.Status == domain.StatusCompleted {
			namespaces = append(namespaces, doc.ID)
		} else {
			pending = append(pending, doc.Metadata.Title)
		}
	}

	var diagnostics string
	if len(pending) > 0 {
		diagnostics = fmt.Sprintf("%d document(s) still processing and excluded from search: %s",
			len(pending), strings.Join(pending, ", "))
	}
	return Selection{Namespaces: namespaces, Diagnostics: diagnostics}
}
