package index

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// hybridOversample is the multiple of topK fetched from the vector search in
// hybrid mode, so keyword scoring and re-ranking have candidates to work
// with beyond the raw nearest neighbours.
const hybridOversample = 4

// hybridMinCandidates is the floor on the hybrid candidate pool size.
const hybridMinCandidates = 50

// scrollPageSize is the page size used when listing all document ids.
const scrollPageSize = 4096

// QdrantConfig holds connection parameters for a Qdrant index instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements Store backed by a Qdrant instance.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a new QdrantStore, ensuring the target collection
// exists (creating it if necessary), and returns a ready-to-use Store.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: failed to create qdrant client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg}
	if err := store.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("index: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("index: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// Upsert stores or updates a batch of documents with their embeddings.
func (s *QdrantStore) Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("index: %d documents but %d embeddings", len(docs), len(embeddings))
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	ids := make([]string, 0, len(docs))
	for i, doc := range docs {
		id, err := pointID(doc.ID)
		if err != nil {
			return err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      id,
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				"content":     doc.Content,
				"title":       doc.Title,
				"type":        doc.Type,
				"state":       doc.State,
				"priority":    doc.Priority,
				"severity":    doc.Severity,
				"tags":        doc.Tags,
				"assigned_to": doc.AssignedTo,
				"project":     doc.Project,
				"url":         doc.URL,
				"changed":     doc.Changed.UTC().Format(time.RFC3339),
				"checksum":    doc.Checksum,
			}),
		})
		ids = append(ids, doc.ID)
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	}); err != nil {
		return &WriteError{Op: "upsert", IDs: ids, Err: err}
	}

	return nil
}

// Delete removes documents from the collection by their ids.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pid, err := pointID(id)
		if err != nil {
			return err
		}
		pointIDs = append(pointIDs, pid)
	}

	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	}); err != nil {
		return &WriteError{Op: "delete", IDs: ids, Err: err}
	}

	return nil
}

// ListIDs scrolls the whole collection and returns every document id.
// Points are scrolled in id order, so paging advances past the last id seen.
func (s *QdrantStore) ListIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	limit := uint32(scrollPageSize)

	var offset *qdrant.PointId
	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.cfg.Collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(false),
		})
		if err != nil {
			return nil, fmt.Errorf("index: listing ids failed: %w", err)
		}
		if len(points) == 0 {
			break
		}

		var last uint64
		for _, p := range points {
			last = p.Id.GetNum()
			ids[strconv.FormatUint(last, 10)] = struct{}{}
		}
		if len(points) < scrollPageSize {
			break
		}
		offset = qdrant.NewIDNum(last + 1)
	}

	return ids, nil
}

// Checksums returns the stored content checksum for each of the given ids.
func (s *QdrantStore) Checksums(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pid, err := pointID(id)
		if err != nil {
			return nil, err
		}
		pointIDs = append(pointIDs, pid)
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayloadInclude("checksum"),
	})
	if err != nil {
		return nil, fmt.Errorf("index: checksum lookup failed: %w", err)
	}

	sums := make(map[string]string, len(points))
	for _, p := range points {
		if v, ok := p.Payload["checksum"]; ok {
			sums[strconv.FormatUint(p.Id.GetNum(), 10)] = v.GetStringValue()
		}
	}
	return sums, nil
}

// Get returns a single document and its stored embedding vector.
func (s *QdrantStore) Get(ctx context.Context, id string) (*Document, []float32, error) {
	pid, err := pointID(id)
	if err != nil {
		return nil, nil, err
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            []*qdrant.PointId{pid},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("index: get %s failed: %w", id, err)
	}
	if len(points) == 0 {
		return nil, nil, ErrNotFound
	}

	doc := documentFromPayload(id, points[0].Payload)
	var vector []float32
	if v := points[0].Vectors.GetVector(); v != nil {
		vector = v.GetData()
	}
	return &doc, vector, nil
}

// QueryVector ranks documents by cosine similarity within the filter.
func (s *QdrantStore) QueryVector(ctx context.Context, vector []float32, f *Filter, topK int) ([]Scored, error) {
	return s.query(ctx, vector, "", f, topK, topK)
}

// QueryHybrid runs an oversampled vector search and scores each candidate's
// keyword match against keywordText. The caller re-ranks and truncates.
func (s *QdrantStore) QueryHybrid(ctx context.Context, vector []float32, keywordText string, f *Filter, topK int) ([]Scored, error) {
	pool := topK * hybridOversample
	if pool < hybridMinCandidates {
		pool = hybridMinCandidates
	}
	return s.query(ctx, vector, keywordText, f, topK, pool)
}

// query executes the vector search and converts results.
func (s *QdrantStore) query(ctx context.Context, vector []float32, keywordText string, f *Filter, topK, limit int) ([]Scored, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("index: topK must be positive")
	}

	fetchLimit := uint64(limit)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         compileFilter(f),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: query failed: %w", err)
	}

	scored := make([]Scored, 0, len(results))
	for _, r := range results {
		doc := documentFromPayload(strconv.FormatUint(r.Id.GetNum(), 10), r.Payload)
		sc := Scored{Document: doc, VectorScore: float64(r.Score)}
		if keywordText != "" {
			sc.KeywordScore = KeywordScore(doc.Title+"\n"+doc.Content, keywordText)
		}
		scored = append(scored, sc)
	}
	return scored, nil
}

// compileFilter translates a Filter into a Qdrant payload filter.
// Each predicate group becomes a must condition matching any of its values;
// excluded ids become a must_not condition.
func compileFilter(f *Filter) *qdrant.Filter {
	if f.IsEmpty() {
		return nil
	}

	var must, mustNot []*qdrant.Condition
	add := func(field string, values []string) {
		if len(values) > 0 {
			must = append(must, qdrant.NewMatchKeywords(field, values...))
		}
	}
	add("type", f.Types)
	add("state", f.States)
	add("priority", f.Priorities)
	add("severity", f.Severities)

	if len(f.IDs) > 0 {
		must = append(must, qdrant.NewHasID(numericIDs(f.IDs)...))
	}
	if len(f.ExcludeIDs) > 0 {
		mustNot = append(mustNot, qdrant.NewHasID(numericIDs(f.ExcludeIDs)...))
	}

	return &qdrant.Filter{Must: must, MustNot: mustNot}
}

// numericIDs converts document ids to Qdrant point ids, dropping malformed ones.
func numericIDs(ids []string) []*qdrant.PointId {
	out := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		if pid, err := pointID(id); err == nil {
			out = append(out, pid)
		}
	}
	return out
}

// pointID converts a catalog item id to a numeric Qdrant point id.
func pointID(id string) (*qdrant.PointId, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("index: non-numeric document id %q: %w", id, err)
	}
	return qdrant.NewIDNum(n), nil
}

// documentFromPayload rebuilds a Document from a point payload.
func documentFromPayload(id string, payload map[string]*qdrant.Value) Document {
	get := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}

	doc := Document{
		ID:         id,
		Content:    get("content"),
		Title:      get("title"),
		Type:       get("type"),
		State:      get("state"),
		Priority:   get("priority"),
		Severity:   get("severity"),
		Tags:       get("tags"),
		AssignedTo: get("assigned_to"),
		Project:    get("project"),
		URL:        get("url"),
		Checksum:   get("checksum"),
	}
	if ts, err := time.Parse(time.RFC3339, get("changed")); err == nil {
		doc.Changed = ts
	}
	return doc
}

// Client exposes the underlying Qdrant gRPC client for health probes.
func (s *QdrantStore) Client() *qdrant.Client {
	return s.client
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
