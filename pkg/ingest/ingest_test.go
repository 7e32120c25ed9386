package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectern-ai/lectern/pkg/chunker"
	"github.com/lectern-ai/lectern/pkg/domain"
)

type memStore struct {
	mu        sync.Mutex
	byID      map[string]*domain.Document
	byHash    map[string]*domain.Document
	users     map[string]*domain.User
	failed    []string
	questions map[string]int64
	suggested map[string]*domain.SuggestedQuestions
}

func newMemStore() *memStore {
	return &memStore{
		byID:      map[string]*domain.Document{},
		byHash:    map[string]*domain.Document{},
		users:     map[string]*domain.User{},
		questions: map[string]int64{},
		suggested: map[string]*domain.SuggestedQuestions{},
	}
}

func (m *memStore) UserByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) InsertDocument(_ context.Context, doc *domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[doc.ContentHash]; ok {
		return domain.ErrValidation
	}
	m.byID[doc.ID] = doc
	m.byHash[doc.ContentHash] = doc
	return nil
}

func (m *memStore) DocumentByID(_ context.Context, id string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.byID[id]; ok {
		return doc, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) AppendUploadHistory(_ context.Context, hash string, rec domain.UploadRecord) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.byHash[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	doc.UploadHistory = append(doc.UploadHistory, rec)
	return doc, nil
}

func (m *memStore) MarkFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, id)
	if doc, ok := m.byID[id]; ok {
		doc.Status = domain.StatusFailed
	}
	return nil
}

func (m *memStore) DeleteDocument(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	delete(m.byID, id)
	delete(m.byHash, doc.ContentHash)
	return true, nil
}

func (m *memStore) DeleteQuestionsForDocument(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.questions[id]
	delete(m.questions, id)
	return n, nil
}

func (m *memStore) SaveSuggestedQuestions(_ context.Context, sq *domain.SuggestedQuestions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suggested[sq.DocumentID] = sq
	return nil
}

func (m *memStore) DeleteSuggestedQuestions(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suggested, id)
	return nil
}

type capturePublisher struct {
	mu   sync.Mutex
	jobs []domain.ChunkJob
	err  error
}

func (p *capturePublisher) PublishChunk(_ context.Context, job domain.ChunkJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

type captureProgress struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *captureProgress) PublishProgress(_ context.Context, _ string, ev domain.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type captureIndex struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (i *captureIndex) Upsert(context.Context, domain.VectorRecord) error { return nil }

func (i *captureIndex) Query(context.Context, string, []float32, int) ([]domain.SearchResult, error) {
	return nil, nil
}

func (i *captureIndex) DeleteNamespace(_ context.Context, ns string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return i.err
	}
	i.deleted = append(i.deleted, ns)
	return nil
}

type captureCache struct {
	cleared map[string]int64
}

func (c *captureCache) DeleteDocument(_ context.Context, id string) (int64, error) {
	if c.cleared == nil {
		c.cleared = map[string]int64{}
	}
	c.cleared[id] = 7
	return 7, nil
}

type ingestFixture struct {
	coord    *Coordinator
	store    *memStore
	pub      *capturePublisher
	progress *captureProgress
	index    *captureIndex
	cache    *captureCache
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	ck, err := chunker.New()
	require.NoError(t, err)

	store := newMemStore()
	store.users["teacher-1"] = &domain.User{ID: "teacher-1", FullName: "Ms. Park", Role: domain.RoleTeacher}
	pub := &capturePublisher{}
	progress := &captureProgress{}
	index := &captureIndex{}
	cc := &captureCache{}

	coord := NewCoordinator(store, ck, pub, progress, index, cc, nil, Options{
		MaxFileSize:  10 << 20,
		ChunkSize:    128,
		ChunkOverlap: 16,
	})
	return &ingestFixture{coord: coord, store: store, pub: pub, progress: progress, index: index, cache: cc}
}

const sampleDoc = `# Chemical Bonding

## Ionic Bonds

Ionic bonds form when electrons transfer between atoms. The resulting ions
attract each other through electrostatic forces, producing crystalline solids
with high melting points.

## Covalent Bonds

Covalent bonds form when atoms share electron pairs. Bond polarity depends on
the electronegativity difference between the bonded atoms.
`

func TestUploadNewDocumentPublishesJobs(t *testing.T) {
	f := newIngestFixture(t)

	res, err := f.coord.Upload(context.Background(), UploadInput{
		Filename: "bonding.md",
		Data:     []byte(sampleDoc),
		UserID:   "teacher-1",
		Subject:  "Chemistry",
		Tags:     "bonding, ib",
	})
	require.NoError(t, err)
	require.False(t, res.IsDuplicate)

	doc := res.Document
	assert.Equal(t, domain.StatusProcessing, doc.Status)
	assert.Equal(t, "Chemical Bonding", doc.Metadata.Title)
	assert.Equal(t, "Ms. Park", doc.Metadata.UploaderName)
	assert.Equal(t, []string{"bonding", "ib"}, doc.Tags)
	assert.Equal(t, domain.FileTypeMarkdown, doc.FileType)
	require.Len(t, doc.UploadHistory, 1)

	require.NotEmpty(t, f.pub.jobs)
	assert.Equal(t, doc.TotalChunks, len(f.pub.jobs))
	first := f.pub.jobs[0]
	assert.Equal(t, doc.ID, first.DocumentID)
	assert.Equal(t, "Chemical Bonding", first.Metadata.DocumentTitle)
	assert.Equal(t, "Ms. Park", first.Metadata.UploaderName)
	assert.Equal(t, doc.ID+"_0", first.VectorID())

	require.NotEmpty(t, f.progress.events)
	assert.Equal(t, domain.StatusProcessing, f.progress.events[0].Status)
	assert.Equal(t, doc.TotalChunks, f.progress.events[0].TotalChunks)
}

func TestUploadDuplicateContentAppendsHistory(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	first, err := f.coord.Upload(ctx, UploadInput{
		Filename: "bonding.md", Data: []byte(sampleDoc), UserID: "teacher-1",
	})
	require.NoError(t, err)
	published := len(f.pub.jobs)

	// Same content, different case and spacing, different user.
	variant := strings.ToUpper(sampleDoc)
	second, err := f.coord.Upload(ctx, UploadInput{
		Filename: "bonding-copy.md", Data: []byte(variant), UserID: "student-1",
	})
	require.NoError(t, err)

	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.Document.ID, second.Document.ID)
	assert.Contains(t, second.Message, "already exists")
	assert.Len(t, f.pub.jobs, published, "duplicate must not republish chunks")
	assert.Len(t, second.Document.UploadHistory, 2)
	assert.Equal(t, "student-1", second.Document.UploadHistory[1].UserID)
}

func TestUploadRejectsBadInput(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	_, err := f.coord.Upload(ctx, UploadInput{Filename: "virus.exe", Data: []byte("x"), UserID: "teacher-1"})
	assert.ErrorIs(t, err, domain.ErrFileValidation)

	_, err = f.coord.Upload(ctx, UploadInput{Filename: "empty.txt", Data: nil, UserID: "teacher-1"})
	assert.ErrorIs(t, err, domain.ErrFileValidation)

	big := make([]byte, 11<<20)
	for i := range big {
		big[i] = 'a'
	}
	_, err = f.coord.Upload(ctx, UploadInput{Filename: "big.txt", Data: big, UserID: "teacher-1"})
	assert.ErrorIs(t, err, domain.ErrFileValidation)
}

func TestUploadEmptyContentCompletesImmediately(t *testing.T) {
	f := newIngestFixture(t)

	res, err := f.coord.Upload(context.Background(), UploadInput{
		Filename: "blank.txt", Data: []byte("   \n\n   "), UserID: "teacher-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, res.Document.Status)
	assert.Zero(t, res.Document.TotalChunks)
	assert.Empty(t, f.pub.jobs)
	require.NotEmpty(t, f.progress.events)
	assert.Equal(t, domain.StatusCompleted, f.progress.events[0].Status)
}

func TestUploadPublishFailureMarksDocumentFailed(t *testing.T) {
	f := newIngestFixture(t)
	f.pub.err = errors.New("broker down")

	_, err := f.coord.Upload(context.Background(), UploadInput{
		Filename: "bonding.md", Data: []byte(sampleDoc), UserID: "teacher-1",
	})
	require.Error(t, err)
	require.Len(t, f.store.failed, 1)
}

func TestContentHashNormalization(t *testing.T) {
	a := ContentHash("Covalent  Bonds\n\nshare electrons.")
	b := ContentHash("covalent bonds share electrons.")
	c := ContentHash("ionic bonds transfer electrons.")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestDeleteCascades(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	res, err := f.coord.Upload(ctx, UploadInput{
		Filename: "bonding.md", Data: []byte(sampleDoc), UserID: "teacher-1",
	})
	require.NoError(t, err)
	id := res.Document.ID
	f.store.questions[id] = 4

	stats, err := f.coord.Delete(ctx, id, "teacher-1", domain.RoleTeacher)
	require.NoError(t, err)

	assert.True(t, stats.MetadataDeleted)
	assert.True(t, stats.VectorsDeleted)
	assert.Equal(t, int64(7), stats.CacheEntries)
	assert.Equal(t, int64(4), stats.QuestionsDeleted)
	assert.Equal(t, []string{id}, f.index.deleted)

	_, err = f.store.DocumentByID(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteVectorFailureStillRemovesMetadata(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	res, err := f.coord.Upload(ctx, UploadInput{
		Filename: "bonding.md", Data: []byte(sampleDoc), UserID: "teacher-1",
	})
	require.NoError(t, err)
	f.index.err = errors.New("qdrant down")

	stats, err := f.coord.Delete(ctx, res.Document.ID, "teacher-1", domain.RoleTeacher)
	require.NoError(t, err)
	assert.False(t, stats.VectorsDeleted)
	assert.True(t, stats.MetadataDeleted)
}

func TestDeletePermissions(t *testing.T) {
	doc := &domain.Document{
		ID:     "doc-1",
		UserID: "student-1",
		UploadHistory: []domain.UploadRecord{
			{UserID: "student-1"}, {UserID: "student-2"},
		},
	}

	assert.True(t, CanDeleteDocument(doc, "student-1", domain.RoleStudent))
	assert.True(t, CanDeleteDocument(doc, "student-2", domain.RoleStudent))
	assert.True(t, CanDeleteDocument(doc, "teacher-9", domain.RoleTeacher))
	assert.False(t, CanDeleteDocument(doc, "student-9", domain.RoleStudent))
}

func TestDeleteUnknownDocument(t *testing.T) {
	f := newIngestFixture(t)
	_, err := f.coord.Delete(context.Background(), "missing", "teacher-1", domain.RoleTeacher)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteUnauthorized(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	res, err := f.coord.Upload(ctx, UploadInput{
		Filename: "bonding.md", Data: []byte(sampleDoc), UserID: "teacher-1",
	})
	require.NoError(t, err)

	_, err = f.coord.Delete(ctx, res.Document.ID, "student-1", domain.RoleStudent)
	assert.ErrorIs(t, err, domain.ErrAuthorization)
}

func TestSweeperMarksStaleDocuments(t *testing.T) {
	store := &stubSweepStore{n: 3}
	s := NewSweeper(store, "@every 1h", 30*time.Minute)
	s.sweep()
	assert.Equal(t, 30*time.Minute, store.maxAge)
}

type stubSweepStore struct {
	n      int64
	maxAge time.Duration
}

func (s *stubSweepStore) SweepStaleProcessing(_ context.Context, maxAge time.Duration) (int64, error) {
	s.maxAge = maxAge
	return s.n, nil
}
