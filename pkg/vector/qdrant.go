// Package vector implements the namespace-partitioned vector index on
// Qdrant. One collection holds every document; the namespace payload field
// isolates per-document queries and deletes.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/log"
)

const connectTimeout = 30 * time.Second

var waitTrue = true

// Config carries the index connection settings.
type Config struct {
	Host       string
	Port       int
	Collection string
	Dimension  int
	// TextLimit truncates chunk text stored in point payloads.
	TextLimit int
}

type Index struct {
	points     pb.PointsClient
	conn       *grpc.ClientConn
	collection string
	dimension  uint64
	textLimit  int
	logger     *slog.Logger
}

// New connects to Qdrant and ensures the collection and the namespace
// payload index exist.
func New(cfg Config) (*Index, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: connect qdrant: %v", domain.ErrExternalService, err)
	}

	idx := &Index{
		points:     pb.NewPointsClient(conn),
		conn:       conn,
		collection: cfg.Collection,
		dimension:  uint64(cfg.Dimension),
		textLimit:  cfg.TextLimit,
		logger:     log.WithComponent("vector"),
	}
	if err := idx.ensureCollection(ctx, pb.NewCollectionsClient(conn)); err != nil {
		conn.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) ensureCollection(ctx context.Context, collections pb.CollectionsClient) error {
	listResp, err := collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("%w: list collections: %v", domain.ErrExternalService, err)
	}
	exists := false
	for _, col := range listResp.Collections {
		if col.Name == i.collection {
			exists = true
			break
		}
	}
	if !exists {
		_, err := collections.Create(ctx, &pb.CreateCollection{
			CollectionName: i.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     i.dimension,
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("%w: create collection: %v", domain.ErrExternalService, err)
		}
		i.logger.Info("created collection", "name", i.collection, "dimension", i.dimension)
	}

	// Keyword index on the namespace field keeps filtered queries fast.
	// Already-indexed is not an error worth failing startup over.
	fieldType := pb.FieldType_FieldTypeKeyword
	if _, err := i.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: i.collection,
		FieldName:      "namespace",
		FieldType:      &fieldType,
	}); err != nil {
		i.logger.Warn("create namespace field index", "error", err)
	}
	return nil
}

func (i *Index) Close() error { return i.conn.Close() }

// Upsert writes one vector record. The point id is derived
// deterministically from the record id, so re-delivery of the same chunk
// job overwrites the same point.
func (i *Index) Upsert(ctx context.Context, rec domain.VectorRecord) error {
	text := rec.Metadata.Text
	if i.textLimit > 0 {
		text = truncateUTF8(text, i.textLimit)
	}

	payload := map[string]*pb.Value{
		"vector_id":      stringValue(rec.ID),
		"namespace":      stringValue(rec.Namespace),
		"document_id":    stringValue(rec.Metadata.DocumentID),
		"chunk_index":    {Kind: &pb.Value_IntegerValue{IntegerValue: int64(rec.Metadata.ChunkIndex)}},
		"text":           stringValue(text),
		"section_title":  stringValue(rec.Metadata.SectionTitle),
		"strategy":       stringValue(rec.Metadata.Strategy),
		"document_title": stringValue(rec.Metadata.DocumentTitle),
		"uploader_name":  stringValue(rec.Metadata.UploaderName),
		"uploader_id":    stringValue(rec.Metadata.UploaderID),
		"upload_date":    stringValue(rec.Metadata.UploadDate),
		"subject":        stringValue(rec.Metadata.Subject),
		"tags":           stringValue(strings.Join(rec.Metadata.Tags, ",")),
	}

	point := &pb.PointStruct{
		Id: &pb.PointId{
			PointIdOptions: &pb.PointId_Uuid{
				Uuid: uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.ID)).String(),
			},
		},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: rec.Values},
			},
		},
		Payload: payload,
	}

	_, err := i.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: i.collection,
		Points:         []*pb.PointStruct{point},
		Wait:           &waitTrue,
	})
	if err != nil {
		return fmt.Errorf("%w: upsert vector %s: %v", domain.ErrExternalService, rec.ID, err)
	}
	return nil
}

// Query searches one namespace for the topK nearest points.
func (i *Index) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]domain.SearchResult, error) {
	resp, err := i.points.Search(ctx, &pb.SearchPoints{
		CollectionName: i.collection,
		Vector:         vector,
		Filter:         namespaceFilter(namespace),
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query namespace %s: %v", domain.ErrExternalService, namespace, err)
	}

	results := make([]domain.SearchResult, 0, len(resp.Result))
	for _, point := range resp.Result {
		results = append(results, domain.SearchResult{
			ID:       payloadString(point.Payload, "vector_id"),
			Score:    point.Score,
			Metadata: payloadMetadata(point.Payload),
		})
	}
	return results, nil
}

// DeleteNamespace removes every point in the namespace. Deleting a
// namespace that does not exist is a no-op.
func (i *Index) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := i.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: i.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: namespaceFilter(namespace),
			},
		},
		Wait: &waitTrue,
	})
	if err != nil {
		return fmt.Errorf("%w: delete namespace %s: %v", domain.ErrExternalService, namespace, err)
	}
	return nil
}

func namespaceFilter(namespace string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: "namespace",
					Match: &pb.Match{
						MatchValue: &pb.Match_Keyword{Keyword: namespace},
					},
				},
			},
		}},
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
// Payload strings are proto3 strings and must stay valid UTF-8.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func payloadString(payload map[string]*pb.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func payloadMetadata(payload map[string]*pb.Value) domain.ChunkMetadata {
	md := domain.ChunkMetadata{
		DocumentID:    payloadString(payload, "document_id"),
		Text:          payloadString(payload, "text"),
		SectionTitle:  payloadString(payload, "section_title"),
		Strategy:      payloadString(payload, "strategy"),
		DocumentTitle: payloadString(payload, "document_title"),
		UploaderName:  payloadString(payload, "uploader_name"),
		UploaderID:    payloadString(payload, "uploader_id"),
		UploadDate:    payloadString(payload, "upload_date"),
		Subject:       payloadString(payload, "subject"),
	}
	if v, ok := payload["chunk_index"]; ok {
		md.ChunkIndex = int(v.GetIntegerValue())
	}
	if tags := payloadString(payload, "tags"); tags != "" {
		md.Tags = strings.Split(tags, ",")
	}
	return md
}
