// Package retrieval implements query-time search over the work-item index:
// lexical parsing of the question into metadata filters, query embedding,
// hybrid vector+keyword ranking with an optional rank-fusion rerank, and
// deterministic tie-breaking.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/54b3r/worklens-go/internal/embedder"
	"github.com/54b3r/worklens-go/internal/index"
)

// ErrQueryEmbedding marks a Retrieve failure caused by the query embedding
// itself. Callers can distinguish it from an empty result set.
var ErrQueryEmbedding = errors.New("retrieval: query embedding failed")

// Mode selects the ranking strategy.
type Mode string

const (
	// ModeHybrid combines vector similarity with keyword matching.
	ModeHybrid Mode = "hybrid"
	// ModeVectorOnly ranks purely by vector similarity. Used by triage,
	// where the query is a whole document rather than a short question.
	ModeVectorOnly Mode = "vector"
)

// Scoring defaults.
const (
	defaultTopK          = 5
	countQueryTopK       = 50
	defaultVectorWeight  = 0.7
	defaultKeywordWeight = 0.3
	// rrfK is the rank-fusion constant; 60 is the standard value.
	rrfK = 60
)

// Options controls a single Retrieve call. Zero values select defaults.
type Options struct {
	// Mode is the ranking strategy. Defaults to ModeHybrid.
	Mode Mode
	// TopK is the number of results to return. Defaults to 5, widened to 50
	// for count/list questions.
	TopK int
	// Filter is an explicit metadata filter merged with the predicates
	// parsed from the question.
	Filter *index.Filter
	// VectorWeight and KeywordWeight control the hybrid combination.
	// Defaults: 0.7 / 0.3.
	VectorWeight  float64
	KeywordWeight float64
	// MinVectorScore drops candidates below this cosine similarity.
	MinVectorScore float64
	// RankFusion replaces the weighted combination with reciprocal
	// rank fusion of the vector and keyword rankings.
	RankFusion bool
	// SkipParsing disables question parsing; only the explicit Filter
	// applies. Used when the query text is a whole document.
	SkipParsing bool
}

// Result is a ranked document.
type Result struct {
	index.Document

	// Score is the combined ranking score.
	Score float64
	// VectorScore is the cosine similarity leg.
	VectorScore float64
	// KeywordScore is the keyword-match leg (zero in vector-only mode).
	KeywordScore float64
}

// Engine embeds questions and ranks indexed documents against them.
type Engine struct {
	// embedder produces the query vector.
	embedder embedder.Embedder
	// store executes the candidate queries.
	store index.Store
}

// NewEngine constructs an Engine from the given embedder and store.
func NewEngine(emb embedder.Embedder, store index.Store) (*Engine, error) {
	if emb == nil {
		return nil, fmt.Errorf("retrieval: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("retrieval: store must not be nil")
	}
	return &Engine{embedder: emb, store: store}, nil
}

// Retrieve parses, embeds, and ranks. A query-embedding failure fails the
// whole call; retrieval without the vector leg would silently degrade into
// keyword-only results.
func (e *Engine) Retrieve(ctx context.Context, query string, opts Options) ([]Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}
	if opts.VectorWeight <= 0 && opts.KeywordWeight <= 0 {
		opts.VectorWeight = defaultVectorWeight
		opts.KeywordWeight = defaultKeywordWeight
	}

	filter := opts.Filter
	var pinned []Result
	if !opts.SkipParsing {
		parsed := Parse(query)
		filter = mergeFilter(filter, &parsed.Filter)
		if opts.TopK <= 0 && parsed.Count {
			opts.TopK = countQueryTopK
		}
		pinned = e.lookupByID(ctx, parsed.IDs)
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}

	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryEmbedding, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 vector, got %d", ErrQueryEmbedding, len(vecs))
	}

	results, err := e.search(ctx, vecs[0], query, filter, opts)
	if err != nil {
		return nil, err
	}
	return mergePinned(pinned, results), nil
}

// RetrieveVector ranks against a precomputed query vector. Used when the
// query is a whole document whose embedding is already stored, so no text is
// parsed or embedded and only the explicit Filter applies.
func (e *Engine) RetrieveVector(ctx context.Context, vec []float32, opts Options) ([]Result, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("retrieval: query vector must not be empty")
	}
	if opts.Mode == "" {
		opts.Mode = ModeVectorOnly
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	return e.search(ctx, vec, "", opts.Filter, opts)
}

// search runs the candidate query for the given mode, then scores, orders,
// and truncates to TopK.
func (e *Engine) search(ctx context.Context, vec []float32, keywordText string, filter *index.Filter, opts Options) ([]Result, error) {
	var candidates []index.Scored
	var err error
	switch opts.Mode {
	case ModeVectorOnly:
		candidates, err = e.store.QueryVector(ctx, vec, filter, opts.TopK)
	case ModeHybrid:
		candidates, err = e.store.QueryHybrid(ctx, vec, keywordText, filter, opts.TopK)
	default:
		return nil, fmt.Errorf("retrieval: unknown mode %q", opts.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("retrieval: query index: %w", err)
	}

	results := e.rank(candidates, opts)
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// lookupByID resolves work item ids named in the question directly against
// the index. Unknown ids are skipped; the question still goes through
// semantic search.
func (e *Engine) lookupByID(ctx context.Context, ids []string) []Result {
	var pinned []Result
	for _, id := range ids {
		doc, _, err := e.store.Get(ctx, id)
		if err != nil || doc == nil {
			continue
		}
		pinned = append(pinned, Result{Document: *doc, Score: 1, VectorScore: 1})
	}
	return pinned
}

// mergePinned places directly-referenced items ahead of the ranked results,
// dropping ranked duplicates of a pinned id.
func mergePinned(pinned, ranked []Result) []Result {
	if len(pinned) == 0 {
		return ranked
	}
	seen := make(map[string]struct{}, len(pinned))
	for _, p := range pinned {
		seen[p.ID] = struct{}{}
	}
	out := pinned
	for _, r := range ranked {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		out = append(out, r)
	}
	return out
}

// rank scores and orders the candidate set.
func (e *Engine) rank(candidates []index.Scored, opts Options) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if c.VectorScore < opts.MinVectorScore {
			continue
		}
		results = append(results, Result{
			Document:     c.Document,
			VectorScore:  c.VectorScore,
			KeywordScore: c.KeywordScore,
		})
	}

	if opts.RankFusion && opts.Mode == ModeHybrid {
		fuseRanks(results)
	} else {
		for i := range results {
			if opts.Mode == ModeVectorOnly {
				results[i].Score = results[i].VectorScore
			} else {
				results[i].Score = opts.VectorWeight*results[i].VectorScore +
					opts.KeywordWeight*results[i].KeywordScore
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Changed.Equal(results[j].Changed) {
			return results[i].Changed.After(results[j].Changed)
		}
		return idLess(results[i].ID, results[j].ID)
	})
	return results
}

// fuseRanks assigns each result the sum of its reciprocal ranks in the
// vector ordering and the keyword ordering.
func fuseRanks(results []Result) {
	byVector := make([]*Result, len(results))
	byKeyword := make([]*Result, len(results))
	for i := range results {
		byVector[i] = &results[i]
		byKeyword[i] = &results[i]
	}
	sort.SliceStable(byVector, func(i, j int) bool {
		return byVector[i].VectorScore > byVector[j].VectorScore
	})
	sort.SliceStable(byKeyword, func(i, j int) bool {
		return byKeyword[i].KeywordScore > byKeyword[j].KeywordScore
	})
	for rank, r := range byVector {
		r.Score += 1.0 / float64(rrfK+rank+1)
	}
	for rank, r := range byKeyword {
		r.Score += 1.0 / float64(rrfK+rank+1)
	}
}

// mergeFilter unions two filters; either may be nil.
func mergeFilter(a, b *index.Filter) *index.Filter {
	if a.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return a
	}
	out := &index.Filter{}
	out.Types = append(append(out.Types, a.Types...), b.Types...)
	out.States = append(append(out.States, a.States...), b.States...)
	out.Priorities = append(append(out.Priorities, a.Priorities...), b.Priorities...)
	out.Severities = append(append(out.Severities, a.Severities...), b.Severities...)
	out.IDs = append(append(out.IDs, a.IDs...), b.IDs...)
	out.ExcludeIDs = append(append(out.ExcludeIDs, a.ExcludeIDs...), b.ExcludeIDs...)
	return out
}

// idLess orders ids numerically when both parse as integers, falling back to
// lexicographic order.
func idLess(a, b string) bool {
	na, erra := strconv.Atoi(a)
	nb, errb := strconv.Atoi(b)
	if erra == nil && errb == nil {
		return na < nb
	}
	return a < b
}
