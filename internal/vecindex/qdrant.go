package vecindex

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	apperrors "github.com/codeatlas/codeatlas/internal/errors"
)

// QdrantOptions configures the remote index.
type QdrantOptions struct {
	// Addr is the Qdrant gRPC address (host:port).
	Addr string

	// Collection is the collection name. Model changes should use a new
	// collection; vectors from different models never mix.
	Collection string

	// Dimensions is the vector dimension used when the collection has
	// to be created.
	Dimensions int
}

// QdrantIndex is the remote vector index backed by a Qdrant collection.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	opts        QdrantOptions
}

// Verify interface implementation at compile time
var _ Index = (*QdrantIndex)(nil)

// NewQdrantIndex connects to Qdrant and ensures the collection exists
// with a cosine-distance vector config.
func NewQdrantIndex(ctx context.Context, opts QdrantOptions) (*QdrantIndex, error) {
	if opts.Addr == "" || opts.Collection == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "qdrant address and collection required", nil)
	}
	if opts.Dimensions <= 0 {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "qdrant backend requires a fixed dimension", nil)
	}

	conn, err := grpc.NewClient(opts.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexWrite,
			fmt.Sprintf("connect to qdrant at %s", opts.Addr), err)
	}

	idx := &QdrantIndex{
		conn:        conn,
		points:      qdrant.NewPointsClient(conn),
		collections: qdrant.NewCollectionsClient(conn),
		opts:        opts,
	}

	if err := idx.ensureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return idx, nil
}

// ensureCollection creates the collection when it does not exist yet.
func (x *QdrantIndex) ensureCollection(ctx context.Context) error {
	_, err := x.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: x.opts.Collection,
	})
	if err == nil {
		return nil
	}

	slog.Info("creating qdrant collection",
		slog.String("collection", x.opts.Collection),
		slog.Int("dimensions", x.opts.Dimensions))

	_, err = x.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: x.opts.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(x.opts.Dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexWrite,
			fmt.Sprintf("create collection %s", x.opts.Collection), err)
	}
	return nil
}

// pointID converts a chunk external ID (32 hex chars) into the UUID form
// Qdrant requires for string point IDs. The mapping is deterministic, so
// re-upserts land on the same point.
func pointID(externalID string) (string, error) {
	u, err := uuid.Parse(externalID)
	if err != nil {
		return "", fmt.Errorf("external ID %q is not UUID-shaped: %w", externalID, err)
	}
	return u.String(), nil
}

// Upsert inserts or replaces entries, waiting for the write to be
// acknowledged so a following state commit never races it.
func (x *QdrantIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != x.opts.Dimensions {
			return apperrors.New(apperrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector has %d dimensions, collection expects %d", len(e.Vector), x.opts.Dimensions), nil).
				WithDetail("id", e.ID)
		}

		id, err := pointID(e.ID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
		}

		payload := make(map[string]*qdrant.Value, len(e.Payload)+1)
		payload["external_id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: e.ID}}
		for k, v := range e.Payload {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}

		points = append(points, &qdrant.PointStruct{
			Id:      &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}},
			Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: e.Vector}}},
			Payload: payload,
		})
	}

	_, err := x.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.opts.Collection,
		Points:         points,
		Wait:           proto.Bool(true),
	})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexWrite, "upsert points", err)
	}
	return nil
}

// Delete removes entries by external ID.
func (x *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pid, err := pointID(id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
		}
		pointIDs = append(pointIDs, &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: pid}})
	}

	_, err := x.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.opts.Collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
		Wait: proto.Bool(true),
	})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexWrite, "delete points", err)
	}
	return nil
}

// Search returns up to k nearest entries with their payloads.
func (x *QdrantIndex) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}
	if len(vector) != x.opts.Dimensions {
		return nil, apperrors.New(apperrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query has %d dimensions, collection expects %d", len(vector), x.opts.Dimensions), nil)
	}

	result, err := x.points.Search(ctx, &qdrant.SearchPoints{
		CollectionName: x.opts.Collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexSearch, "search points", err)
	}

	hits := make([]Hit, 0, len(result.GetResult()))
	for _, scored := range result.GetResult() {
		qp := scored.GetPayload()

		externalID := qp["external_id"].GetStringValue()
		if externalID == "" {
			continue // not one of ours
		}

		payload := make(map[string]string, len(qp))
		for key, val := range qp {
			if key == "external_id" {
				continue
			}
			if s := val.GetStringValue(); s != "" {
				payload[key] = s
			}
		}

		hits = append(hits, Hit{
			ID:      externalID,
			Score:   scored.GetScore(),
			Payload: payload,
		})
	}

	sortHits(hits)
	return hits, nil
}

// Get returns payloads for known IDs in input order.
func (x *QdrantIndex) Get(ctx context.Context, ids []string) ([]Hit, error) {
	if len(ids) == 0 {
		return []Hit{}, nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pid, err := pointID(id)
		if err != nil {
			continue // malformed ID cannot be in the collection
		}
		pointIDs = append(pointIDs, &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: pid}})
	}

	result, err := x.points.Get(ctx, &qdrant.GetPoints{
		CollectionName: x.opts.Collection,
		Ids:            pointIDs,
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexSearch, "get points", err)
	}

	byID := make(map[string]Hit, len(result.GetResult()))
	for _, point := range result.GetResult() {
		qp := point.GetPayload()
		externalID := qp["external_id"].GetStringValue()
		if externalID == "" {
			continue
		}
		payload := make(map[string]string, len(qp))
		for key, val := range qp {
			if key == "external_id" {
				continue
			}
			if s := val.GetStringValue(); s != "" {
				payload[key] = s
			}
		}
		byID[externalID] = Hit{ID: externalID, Payload: payload}
	}

	hits := make([]Hit, 0, len(byID))
	for _, id := range ids {
		if h, ok := byID[id]; ok {
			hits = append(hits, h)
		}
	}
	return hits, nil
}

// Reset drops and recreates the collection.
func (x *QdrantIndex) Reset(ctx context.Context) error {
	_, err := x.collections.Delete(ctx, &qdrant.DeleteCollection{
		CollectionName: x.opts.Collection,
	})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexWrite,
			fmt.Sprintf("delete collection %s", x.opts.Collection), err)
	}
	return x.ensureCollection(ctx)
}

// Count returns the exact number of points in the collection.
func (x *QdrantIndex) Count(ctx context.Context) (int, error) {
	result, err := x.points.Count(ctx, &qdrant.CountPoints{
		CollectionName: x.opts.Collection,
		Exact:          proto.Bool(true),
	})
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIndexSearch, "count points", err)
	}
	count := result.GetResult().GetCount()
	if count > uint64(maxInt) {
		return maxInt, nil
	}
	return int(count), nil
}

const maxInt = int(^uint(0) >> 1)

// Flush is a no-op: every upsert and delete waits for acknowledgment.
func (x *QdrantIndex) Flush(ctx context.Context) error { return nil }

// Close closes the gRPC connection.
func (x *QdrantIndex) Close() error {
	return x.conn.Close()
}

// String describes the index for logs.
func (x *QdrantIndex) String() string {
	return "qdrant://" + x.opts.Addr + "/" + x.opts.Collection + "?dims=" + strconv.Itoa(x.opts.Dimensions)
}
