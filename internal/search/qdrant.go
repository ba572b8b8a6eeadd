// Package search provides the vector index façade (C2): three logical
// indexes — MEMORY, INVALIDATES, CONFIRMS — each backed by its own Qdrant
// collection, condition-level granularity for the latter two (spec §4.2).
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// LogicalIndex names one of the three vector indexes (spec §4.2).
type LogicalIndex string

const (
	IndexMemory      LogicalIndex = "memory"
	IndexInvalidates LogicalIndex = "invalidates"
	IndexConfirms    LogicalIndex = "confirms"
)

// Point is a single vector + metadata entry to upsert into an index.
type Point struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// Match is one scored hit from a query.
type Match struct {
	ID       string
	Score    float32
	Metadata map[string]any
}

// Filter narrows a query to metadata equality matches; nil/empty means no
// filter. Keys are metadata field names as written in Point.Metadata.
type Filter map[string]string

// Config holds connection settings for one logical index's collection.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dims       uint64
}

func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}
	return host, port, useTLS, nil
}

// QdrantCollection implements one logical index over a single Qdrant
// collection.
type QdrantCollection struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// NewQdrantCollection connects to Qdrant via gRPC for one logical index.
func NewQdrantCollection(cfg Config, logger *slog.Logger) (*QdrantCollection, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantCollection{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if absent, with payload indexes on
// the metadata fields this logical index filters by (spec §4.2).
func (q *QdrantCollection) EnsureCollection(ctx context.Context, keywordFields []string) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("search: create collection %q: %w", q.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range keywordFields {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: create index on %q: %w", field, err)
		}
	}
	q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	return nil
}

// Query performs a cosine-similarity ANN search, optionally filtered by
// metadata equality, and drops hits below minSim (spec §4.2 query).
func (q *QdrantCollection) Query(ctx context.Context, vec []float32, topK int, minSim float32, filter Filter) ([]Match, error) {
	var must []*qdrant.Condition
	for k, v := range filter {
		must = append(must, qdrant.NewMatch(k, v))
	}

	limit := uint64(topK)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query on %s: %w", q.collection, err)
	}

	out := make([]Match, 0, len(scored))
	for _, sp := range scored {
		if sp.Score < minSim {
			continue
		}
		meta := payloadToMap(sp.Payload)
		id := logicalIDFrom(meta, sp.Id)
		if id == "" {
			continue
		}
		out = append(out, Match{ID: id, Score: sp.Score, Metadata: meta})
	}
	return out, nil
}

// Upsert inserts or replaces points (spec §4.2 upsert).
func (q *QdrantCollection) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]any, len(p.Metadata)+1)
		for k, v := range p.Metadata {
			payload[k] = v
		}
		payload["logical_id"] = p.ID
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointUUID(p.ID)),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points into %s: %w", len(points), q.collection, err)
	}
	return nil
}

// DeleteByIDs removes points by id (spec §4.2 delete_by_ids).
func (q *QdrantCollection) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(pointUUID(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points from %s: %w", len(ids), q.collection, err)
	}
	return nil
}

// DeleteByFilter removes every point whose metadata matches key=value —
// used to purge a memory's condition vectors by memory_id (spec §4.5.3
// step 2, §4.5.1 step 6 "purge condition vectors").
func (q *QdrantCollection) DeleteByFilter(ctx context.Context, key, value string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(key, value)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete by filter %s=%s on %s: %w", key, value, q.collection, err)
	}
	return nil
}

// GetByIDs retrieves specific points with their payload (spec §4.2
// get_by_ids).
func (q *QdrantCollection) GetByIDs(ctx context.Context, ids []string) ([]Match, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(pointUUID(id))
	}
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant get %d points from %s: %w", len(ids), q.collection, err)
	}
	out := make([]Match, 0, len(points))
	for _, p := range points {
		meta := payloadToMap(p.Payload)
		id := logicalIDFrom(meta, p.Id)
		if id == "" {
			continue
		}
		out = append(out, Match{ID: id, Metadata: meta})
	}
	return out, nil
}

// Healthy returns nil if Qdrant is reachable; results cached for 5 seconds.
func (q *QdrantCollection) Healthy(ctx context.Context) error {
	q.healthMu.Lock()
	defer q.healthMu.Unlock()
	if time.Since(q.lastCheck) < 5*time.Second {
		return q.lastErr
	}
	_, err := q.client.HealthCheck(ctx)
	q.lastCheck = time.Now()
	if err != nil {
		q.lastErr = fmt.Errorf("search: qdrant %s unhealthy: %w", q.collection, err)
	} else {
		q.lastErr = nil
	}
	return q.lastErr
}

// Close shuts down the gRPC connection.
func (q *QdrantCollection) Close() error {
	return q.client.Close()
}

// pointUUID derives the native Qdrant point id (which must be a UUID or
// uint64) from a logical id. Qdrant can't accept "{mid}:inv:{i}"-shaped
// strings directly (spec §4.2's id convention for condition points), so a
// deterministic uuid5 stands in as the wire id and the logical string rides
// along in the payload's logical_id field — re-upserting the same logical
// id always resolves to the same point, which is what the caller needs for
// idempotent condition-vector upserts.
var qdrantPointNamespace = uuid.MustParse("6e4ae4f0-6f1d-4f3a-8f1a-3a6f2c9d9b11")

func pointUUID(logicalID string) string {
	if u, err := uuid.Parse(logicalID); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(qdrantPointNamespace, []byte(logicalID)).String()
}

// logicalIDFrom recovers the caller-facing id from a point's payload,
// falling back to the raw Qdrant uuid for points upserted before logical_id
// existed or without one (e.g. the MEMORY index, whose logical id already
// equals a memory uuid).
func logicalIDFrom(meta map[string]any, rawID *qdrant.PointId) string {
	if v, ok := meta["logical_id"].(string); ok && v != "" {
		return v
	}
	if rawID == nil {
		return ""
	}
	return rawID.GetUuid()
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v.AsInterface()
	}
	return out
}

// conditionPointID builds the "{mid}:inv:{i}" / "{mid}:conf:{i}" id
// convention for condition-level points (spec §4.2).
func conditionPointID(memoryID uuid.UUID, idx LogicalIndex, i int) string {
	tag := "inv"
	if idx == IndexConfirms {
		tag = "conf"
	}
	return fmt.Sprintf("%s:%s:%d", memoryID, tag, i)
}
