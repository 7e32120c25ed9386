// Package store is the MongoDB-backed metadata store: documents, users,
// question logs, and suggested questions.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/log"
)

const healthTimeout = 5 * time.Second

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// New connects, pings, and ensures the index set.
func New(ctx context.Context, url, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongodb: %v", domain.ErrExternalService, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%w: ping mongodb: %v", domain.ErrExternalService, err)
	}
	s := &Store{
		client: client,
		db:     client.Database(database),
		logger: log.WithComponent("store"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	type spec struct {
		coll   string
		keys   bson.D
		unique bool
	}
	specs := []spec{
		{"users", bson.D{{Key: "email", Value: 1}}, true},
		{"users", bson.D{{Key: "user_id", Value: 1}}, false},
		{"content", bson.D{{Key: "content_hash", Value: 1}}, true},
		{"content", bson.D{{Key: "user_id", Value: 1}}, false},
		{"content", bson.D{{Key: "upload_history.user_id", Value: 1}}, false},
		{"questions", bson.D{{Key: "content_id", Value: 1}}, false},
		{"questions", bson.D{{Key: "student_id", Value: 1}}, false},
		{"questions", bson.D{{Key: "timestamp", Value: 1}}, false},
	}
	for _, sp := range specs {
		model := mongo.IndexModel{Keys: sp.keys}
		if sp.unique {
			model.Options = options.Index().SetUnique(true)
		}
		if _, err := s.db.Collection(sp.coll).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("%w: create index on %s: %v", domain.ErrExternalService, sp.coll, err)
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Health pings the server with a bounded timeout.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: mongodb: %v", domain.ErrExternalService, err)
	}
	return nil
}

func (s *Store) users() *mongo.Collection     { return s.db.Collection("users") }
func (s *Store) content() *mongo.Collection   { return s.db.Collection("content") }
func (s *Store) questions() *mongo.Collection { return s.db.Collection("questions") }
func (s *Store) suggested() *mongo.Collection { return s.db.Collection("suggested_questions") }

// --- users ---

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	if _, err := s.users().InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: user with this email already exists", domain.ErrValidation)
		}
		return fmt.Errorf("%w: insert user: %v", domain.ErrExternalService, err)
	}
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.findUser(ctx, bson.M{"email": email})
}

func (s *Store) UserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.findUser(ctx, bson.M{"user_id": id})
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*domain.User, error) {
	var u domain.User
	err := s.users().FindOne(ctx, filter).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: user", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find user: %v", domain.ErrExternalService, err)
	}
	return &u, nil
}

func (s *Store) TouchLastLogin(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	_, err := s.users().UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"last_login": now}})
	if err != nil {
		return fmt.Errorf("%w: update last login: %v", domain.ErrExternalService, err)
	}
	return nil
}

// --- documents ---

func (s *Store) InsertDocument(ctx context.Context, doc *domain.Document) error {
	if _, err := s.content().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost the race against a concurrent upload of the same content.
			return fmt.Errorf("%w: duplicate content hash", domain.ErrValidation)
		}
		return fmt.Errorf("%w: insert document: %v", domain.ErrExternalService, err)
	}
	return nil
}

func (s *Store) DocumentByID(ctx context.Context, id string) (*domain.Document, error) {
	return s.findDocument(ctx, bson.M{"content_id": id})
}

func (s *Store) DocumentByHash(ctx context.Context, hash string) (*domain.Document, error) {
	return s.findDocument(ctx, bson.M{"content_hash": hash})
}

func (s *Store) findDocument(ctx context.Context, filter bson.M) (*domain.Document, error) {
	var doc domain.Document
	err := s.content().FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: document", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find document: %v", domain.ErrExternalService, err)
	}
	return &doc, nil
}

// AppendUploadHistory atomically appends one history record to the document
// with the given content hash and returns the updated record. Used for
// duplicate uploads, so two concurrent identical uploads serialize into one
// chunker run plus history appends.
func (s *Store) AppendUploadHistory(ctx context.Context, contentHash string, rec domain.UploadRecord) (*domain.Document, error) {
	after := options.After
	var doc domain.Document
	err := s.content().FindOneAndUpdate(ctx,
		bson.M{"content_hash": contentHash},
		bson.M{"$push": bson.M{"upload_history": rec}},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: document", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: append upload history: %v", domain.ErrExternalService, err)
	}
	return &doc, nil
}

// MarkChunkProcessed records one logical chunk as processed and returns the
// post-update document snapshot. The chunk index goes into a set and
// processed_chunks is derived from the set size, so a redelivered chunk
// cannot move the counter twice or push it past total_chunks.
func (s *Store) MarkChunkProcessed(ctx context.Context, documentID string, chunkIndex int) (*domain.Document, error) {
	after := options.After
	update := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.M{
			"processed_chunk_indices": bson.M{"$setUnion": bson.A{
				bson.M{"$ifNull": bson.A{"$processed_chunk_indices", bson.A{}}},
				bson.A{chunkIndex},
			}},
		}}},
		bson.D{{Key: "$set", Value: bson.M{
			"processed_chunks": bson.M{"$size": "$processed_chunk_indices"},
		}}},
	}
	var doc domain.Document
	err := s.content().FindOneAndUpdate(ctx,
		bson.M{"content_id": documentID},
		update,
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: document", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: mark chunk processed: %v", domain.ErrExternalService, err)
	}
	return &doc, nil
}

// CompleteDocument conditionally transitions a document to completed and
// reports whether this call performed the transition. The status guard makes
// the completion event exactly-once under job re-delivery.
func (s *Store) CompleteDocument(ctx context.Context, documentID string) (bool, error) {
	res, err := s.content().UpdateOne(ctx,
		bson.M{"content_id": documentID, "status": bson.M{"$ne": domain.StatusCompleted}},
		bson.M{"$set": bson.M{"status": domain.StatusCompleted}})
	if err != nil {
		return false, fmt.Errorf("%w: complete document: %v", domain.ErrExternalService, err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) MarkFailed(ctx context.Context, documentID string) error {
	_, err := s.content().UpdateOne(ctx,
		bson.M{"content_id": documentID},
		bson.M{"$set": bson.M{"status": domain.StatusFailed}})
	if err != nil {
		return fmt.Errorf("%w: mark failed: %v", domain.ErrExternalService, err)
	}
	return nil
}

// SweepStaleProcessing marks documents stuck in processing for longer than
// maxAge as failed and returns how many were swept.
func (s *Store) SweepStaleProcessing(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.content().UpdateMany(ctx,
		bson.M{"status": domain.StatusProcessing, "created_at": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"status": domain.StatusFailed}})
	if err != nil {
		return 0, fmt.Errorf("%w: sweep stale documents: %v", domain.ErrExternalService, err)
	}
	if res.ModifiedCount > 0 {
		s.logger.Warn("swept stale processing documents", "count", res.ModifiedCount)
	}
	return res.ModifiedCount, nil
}

// DeleteDocument removes the document record, reporting whether anything was
// deleted. A second delete of the same id is a no-op.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	res, err := s.content().DeleteOne(ctx, bson.M{"content_id": documentID})
	if err != nil {
		return false, fmt.Errorf("%w: delete document: %v", domain.ErrExternalService, err)
	}
	return res.DeletedCount > 0, nil
}

// ListFilter selects which slice of a user's corpus to return.
type ListFilter string

const (
	FilterAll    ListFilter = "all"
	FilterOwned  ListFilter = "owned"
	FilterShared ListFilter = "shared"
)

// ListOptions parameterizes ListUserDocuments.
type ListOptions struct {
	UserID   string
	Role     domain.Role
	Filter   ListFilter
	Search   string
	Subjects []string
	Tags     []string
	Page     int
	Limit    int
}

// ListUserDocuments returns the page of documents visible in the user's
// library view plus the total match count.
func (s *Store) ListUserDocuments(ctx context.Context, opts ListOptions) ([]domain.Document, int64, error) {
	owned := bson.M{"$or": []bson.M{
		{"user_id": opts.UserID},
		{"upload_history.user_id": opts.UserID},
	}}
	shared := bson.M{
		"user_id":                 bson.M{"$ne": opts.UserID},
		"upload_history.user_id":  bson.M{"$ne": opts.UserID},
		"status":                  domain.StatusCompleted,
	}

	var filter bson.M
	switch opts.Filter {
	case FilterOwned:
		filter = owned
	case FilterShared:
		filter = shared
	default:
		filter = bson.M{"$or": []bson.M{owned, shared}}
	}

	var clauses []bson.M
	clauses = append(clauses, filter)
	if opts.Search != "" {
		re := bson.M{"$regex": regexp.QuoteMeta(opts.Search), "$options": "i"}
		clauses = append(clauses, bson.M{"$or": []bson.M{
			{"metadata.title": re},
			{"filename": re},
		}})
	}
	if len(opts.Subjects) > 0 {
		clauses = append(clauses, bson.M{"metadata.subject": bson.M{"$in": opts.Subjects}})
	}
	if len(opts.Tags) > 0 {
		clauses = append(clauses, bson.M{"tags": bson.M{"$in": opts.Tags}})
	}
	query := bson.M{"$and": clauses}

	total, err := s.content().CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: count documents: %v", domain.ErrExternalService, err)
	}

	page := opts.Page
	if page < 1 {
		page = 1
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	cur, err := s.content().Find(ctx, query, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64((page-1)*limit)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list documents: %v", domain.ErrExternalService, err)
	}
	defer cur.Close(ctx)

	var docs []domain.Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("%w: decode documents: %v", domain.ErrExternalService, err)
	}
	return docs, total, nil
}

// CompletedDocumentsByUploaders returns completed documents owned by any of
// the given user ids.
func (s *Store) CompletedDocumentsByUploaders(ctx context.Context, uploaderIDs []string) ([]domain.Document, error) {
	return s.findDocuments(ctx, bson.M{
		"status":  domain.StatusCompleted,
		"user_id": bson.M{"$in": uploaderIDs},
	})
}

// CompletedDocuments returns every completed document.
func (s *Store) CompletedDocuments(ctx context.Context) ([]domain.Document, error) {
	return s.findDocuments(ctx, bson.M{"status": domain.StatusCompleted})
}

// DocumentsByOwner returns every document owned by the user, any status.
func (s *Store) DocumentsByOwner(ctx context.Context, userID string) ([]domain.Document, error) {
	return s.findDocuments(ctx, bson.M{"user_id": userID})
}

// DocumentsInHistory returns every document whose upload history mentions
// the user, any status.
func (s *Store) DocumentsInHistory(ctx context.Context, userID string) ([]domain.Document, error) {
	return s.findDocuments(ctx, bson.M{"upload_history.user_id": userID})
}

// TeacherIDs lists the ids of all teacher accounts.
func (s *Store) TeacherIDs(ctx context.Context) ([]string, error) {
	cur, err := s.users().Find(ctx, bson.M{"role": domain.RoleTeacher},
		options.Find().SetProjection(bson.M{"user_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("%w: list teachers: %v", domain.ErrExternalService, err)
	}
	defer cur.Close(ctx)

	var rows []struct {
		UserID string `bson:"user_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode teachers: %v", domain.ErrExternalService, err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}

func (s *Store) findDocuments(ctx context.Context, filter bson.M) ([]domain.Document, error) {
	cur, err := s.content().Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: find documents: %v", domain.ErrExternalService, err)
	}
	defer cur.Close(ctx)

	var docs []domain.Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: decode documents: %v", domain.ErrExternalService, err)
	}
	return docs, nil
}

// --- question log ---

func (s *Store) AppendQuestionLog(ctx context.Context, q *domain.QuestionLog) error {
	if _, err := s.questions().InsertOne(ctx, q); err != nil {
		return fmt.Errorf("%w: append question log: %v", domain.ErrExternalService, err)
	}
	return nil
}

func (s *Store) DeleteQuestionsForDocument(ctx context.Context, documentID string) (int64, error) {
	res, err := s.questions().DeleteMany(ctx, bson.M{"content_id": documentID})
	if err != nil {
		return 0, fmt.Errorf("%w: delete questions: %v", domain.ErrExternalService, err)
	}
	return res.DeletedCount, nil
}

// --- suggested questions ---

func (s *Store) SaveSuggestedQuestions(ctx context.Context, sq *domain.SuggestedQuestions) error {
	upsert := true
	_, err := s.suggested().ReplaceOne(ctx,
		bson.M{"content_id": sq.DocumentID}, sq,
		&options.ReplaceOptions{Upsert: &upsert})
	if err != nil {
		return fmt.Errorf("%w: save suggested questions: %v", domain.ErrExternalService, err)
	}
	return nil
}

func (s *Store) SuggestedQuestionsForDocument(ctx context.Context, documentID string) (*domain.SuggestedQuestions, error) {
	var sq domain.SuggestedQuestions
	err := s.suggested().FindOne(ctx, bson.M{"content_id": documentID}).Decode(&sq)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: suggested questions", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find suggested questions: %v", domain.ErrExternalService, err)
	}
	return &sq, nil
}

func (s *Store) DeleteSuggestedQuestions(ctx context.Context, documentID string) error {
	if _, err := s.suggested().DeleteMany(ctx, bson.M{"content_id": documentID}); err != nil {
		return fmt.Errorf("%w: delete suggested questions: %v", domain.ErrExternalService, err)
	}
	return nil
}
