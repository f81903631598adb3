package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointNamespace derives stable Qdrant point ids from record ids.
var pointNamespace = uuid.MustParse("6f1c9a52-3d4b-4e0a-9b8e-2a7c5d1e0f43")

const scrollPageSize = 256

// QdrantIndex implements VectorIndex on a Qdrant collection over gRPC.
// The record id lives in the payload; the point id is a UUIDv5 of it.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dimension   int
}

// NewQdrantIndex connects to Qdrant at addr and ensures the collection exists.
func NewQdrantIndex(ctx context.Context, addr, collection string, dimension int) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("catalog: dial qdrant %s: %w", addr, err)
	}
	q := &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dimension:   dimension,
	}
	if err := q.ensureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("catalog: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("catalog: create collection %s: %w", q.collection, err)
	}
	return nil
}

// PointID returns the Qdrant point id for a record id.
func PointID(recordID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(recordID)).String()
}

// Query runs a cosine search and converts scores to distances.
func (q *QdrantIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 || len(vector) == 0 {
		return []Match{}, nil
	}
	if q.dimension != 0 && len(vector) != q.dimension {
		return []Match{}, nil
	}
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		Filter:         toQdrantFilter(filter),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: qdrant search: %w", err)
	}

	matches := make([]Match, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		r := recordFromPayload(p.GetPayload())
		r.Embedding = p.GetVectors().GetVector().GetData()
		matches = append(matches, Match{Record: r, Distance: 1 - float64(p.GetScore())})
	}
	return matches, nil
}

// List scrolls the whole collection and orders records by insertion sequence.
func (q *QdrantIndex) List(ctx context.Context, filter Filter) ([]Record, error) {
	type seqRecord struct {
		seq int64
		rec Record
	}
	var all []seqRecord
	var offset *pb.PointId
	limit := uint32(scrollPageSize)

	for {
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: q.collection,
			Filter:         toQdrantFilter(filter),
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
			WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, fmt.Errorf("catalog: qdrant scroll: %w", err)
		}
		for _, p := range resp.GetResult() {
			r := recordFromPayload(p.GetPayload())
			r.Embedding = p.GetVectors().GetVector().GetData()
			all = append(all, seqRecord{seq: p.GetPayload()["seq"].GetIntegerValue(), rec: r})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]Record, len(all))
	for i, s := range all {
		out[i] = s.rec
	}
	return out, nil
}

// RequiresEmbeddings is always true: a Qdrant point needs a vector.
func (q *QdrantIndex) RequiresEmbeddings() bool { return true }

// Upsert writes records as points. A record without an embedding fails the
// whole call with ErrMissingEmbedding before anything is written. A
// re-upserted record moves to the end of the List order.
func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	base := time.Now().UnixNano()
	points := make([]*pb.PointStruct, 0, len(records))
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record id is required")
		}
		if len(r.Embedding) == 0 {
			return fmt.Errorf("%w: id %s", ErrMissingEmbedding, r.ID)
		}
		if q.dimension != 0 && len(r.Embedding) != q.dimension {
			return fmt.Errorf("%w: expected %d, got %d for id %s", ErrDimensionMismatch, q.dimension, len(r.Embedding), r.ID)
		}
		payload := payloadFromRecord(r)
		payload["seq"] = intValue(base + int64(i))
		points = append(points, &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Embedding}}},
			Payload: payload,
		})
	}
	wait := true
	if _, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("catalog: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Delete removes points for the given record ids.
func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}}
	}
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("catalog: delete %d points: %w", len(ids), err)
	}
	return nil
}

// Count returns the exact number of points.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("catalog: count points: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}

func toQdrantFilter(f Filter) *pb.Filter {
	if f.IsZero() {
		return nil
	}
	var must []*pb.Condition
	if f.Code != "" {
		must = append(must, fieldMatch("code", f.Code))
	}
	if f.Source != "" {
		must = append(must, fieldMatch("source", f.Source))
	}
	if f.Brand != "" {
		must = append(must, fieldMatch("brand", f.Brand))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func payloadFromRecord(r Record) map[string]*pb.Value {
	a := r.Attributes
	return map[string]*pb.Value{
		"record_id":    stringValue(r.ID),
		"text":         stringValue(r.Text),
		"source":       stringValue(r.Source),
		"row_index":    intValue(int64(r.RowIndex)),
		"code":         stringValue(a.Code),
		"name":         stringValue(a.Name),
		"brand":        stringValue(a.Brand),
		"display_name": stringValue(a.DisplayName),
		"size":         stringValue(a.Size),
		"quantity":     stringValue(a.Quantity),
		"has_image":    {Kind: &pb.Value_BoolValue{BoolValue: a.HasImage}},
		"tags":         stringValue(strings.Join(a.Tags, ",")),
	}
}

func recordFromPayload(p map[string]*pb.Value) Record {
	s := func(k string) string { return p[k].GetStringValue() }
	r := Record{
		ID:       s("record_id"),
		Text:     s("text"),
		Source:   s("source"),
		RowIndex: int(p["row_index"].GetIntegerValue()),
		Attributes: Attributes{
			Code:        s("code"),
			Name:        s("name"),
			Brand:       s("brand"),
			DisplayName: s("display_name"),
			Size:        s("size"),
			Quantity:    s("quantity"),
			HasImage:    p["has_image"].GetBoolValue(),
		},
	}
	if tags := s("tags"); tags != "" {
		r.Attributes.Tags = strings.Split(tags, ",")
	}
	return r
}

func stringValue(v string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
}

func intValue(v int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: v}}
}

var _ VectorIndex = (*QdrantIndex)(nil)
