package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectern-ai/lectern/pkg/domain"
)

type fakeLister struct {
	byOwner   map[string][]domain.Document
	inHistory map[string][]domain.Document
	completed []domain.Document
	teachers  []string
}

func (f *fakeLister) DocumentsByOwner(_ context.Context, userID string) ([]domain.Document, error) {
	return f.byOwner[userID], nil
}

func (f *fakeLister) DocumentsInHistory(_ context.Context, userID string) ([]domain.Document, error) {
	return f.inHistory[userID], nil
}

func (f *fakeLister) CompletedDocuments(_ context.Context) ([]domain.Document, error) {
	return f.completed, nil
}

func (f *fakeLister) CompletedDocumentsByUploaders(_ context.Context, uploaderIDs []string) ([]domain.Document, error) {
	ids := make(map[string]bool, len(uploaderIDs))
	for _, id := range uploaderIDs {
		ids[id] = true
	}
	var out []domain.Document
	for _, doc := range f.completed {
		if ids[doc.UserID] {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeLister) TeacherIDs(_ context.Context) ([]string, error) {
	return f.teachers, nil
}

func doc(id, owner string, status domain.DocumentStatus) domain.Document {
	return domain.Document{ID: id, UserID: owner, Status: status, Metadata: domain.DocumentMetadata{Title: "title-" + id}}
}

func ids(docs []domain.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func TestStudentSeesTeacherCompletedDocuments(t *testing.T) {
	z := doc("Z", "teacher-1", domain.StatusCompleted)
	w := doc("W", "teacher-2", domain.StatusProcessing)
	lister := &fakeLister{
		byOwner:   map[string][]domain.Document{},
		inHistory: map[string][]domain.Document{},
		completed: []domain.Document{z},
		teachers:  []string{"teacher-1", "teacher-2"},
	}
	_ = w

	r := NewResolver(lister)
	docs, err := r.AccessibleDocuments(context.Background(), "student-1", domain.RoleStudent)
	require.NoError(t, err)
	assert.Equal(t, []string{"Z"}, ids(docs))
}

func TestStudentSeesOwnAndHistoryAnyStatus(t *testing.T) {
	own := doc("A", "student-1", domain.StatusProcessing)
	hist := doc("B", "student-2", domain.StatusProcessing)
	lister := &fakeLister{
		byOwner:   map[string][]domain.Document{"student-1": {own}},
		inHistory: map[string][]domain.Document{"student-1": {hist}},
		teachers:  nil,
	}

	r := NewResolver(lister)
	docs, err := r.AccessibleDocuments(context.Background(), "student-1", domain.RoleStudent)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, ids(docs))
}

func TestTeacherSeesAllCompletedPlusOwnProcessing(t *testing.T) {
	completed := doc("C", "teacher-2", domain.StatusCompleted)
	ownPending := doc("P", "teacher-1", domain.StatusProcessing)
	lister := &fakeLister{
		byOwner:   map[string][]domain.Document{"teacher-1": {ownPending}},
		completed: []domain.Document{completed},
	}

	r := NewResolver(lister)
	docs, err := r.AccessibleDocuments(context.Background(), "teacher-1", domain.RoleTeacher)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"C", "P"}, ids(docs))
}

func TestAccessibleDocumentsDeduplicates(t *testing.T) {
	shared := doc("D", "teacher-1", domain.StatusCompleted)
	lister := &fakeLister{
		byOwner:   map[string][]domain.Document{"teacher-1": {shared}},
		completed: []domain.Document{shared},
	}

	r := NewResolver(lister)
	docs, err := r.AccessibleDocuments(context.Background(), "teacher-1", domain.RoleTeacher)
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, ids(docs))
}

func TestFilterForRetrievalDropsInaccessibleSilently(t *testing.T) {
	accessible := []domain.Document{
		doc("A", "u", domain.StatusCompleted),
		doc("B", "u", domain.StatusCompleted),
	}

	sel := FilterForRetrieval(accessible, []string{"A", "not-accessible"})
	assert.Equal(t, []string{"A"}, sel.Namespaces)
	assert.Empty(t, sel.Diagnostics)
}

func TestFilterForRetrievalSurfacesProcessingInDiagnostics(t *testing.T) {
	accessible := []domain.Document{
		doc("A", "u", domain.StatusCompleted),
		doc("B", "u", domain.StatusProcessing),
	}

	sel := FilterForRetrieval(accessible, nil)
	assert.Equal(t, []string{"A"}, sel.Namespaces)
	assert.Contains(t, sel.Diagnostics, "title-B")
	assert.Contains(t, sel.Diagnostics, "still processing")
}

func TestCanQueryDocument(t *testing.T) {
	completed := doc("X", "teacher-1", domain.StatusCompleted)
	processing := doc("Y", "teacher-1", domain.StatusProcessing)
	processing.UploadHistory = []domain.UploadRecord{{UserID: "student-2"}}

	// Teacher: completed, or own in any status.
	assert.True(t, CanQueryDocument(&completed, "teacher-2", domain.RoleTeacher))
	assert.True(t, CanQueryDocument(&processing, "teacher-1", domain.RoleTeacher))
	assert.False(t, CanQueryDocument(&processing, "teacher-2", domain.RoleTeacher))

	// Student: own, in history, or completed.
	assert.True(t, CanQueryDocument(&completed, "student-1", domain.RoleStudent))
	assert.True(t, CanQueryDocument(&processing, "student-2", domain.RoleStudent))
	assert.False(t, CanQueryDocument(&processing, "student-9", domain.RoleStudent))
}
