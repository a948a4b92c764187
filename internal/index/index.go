// Package index defines the vector/keyword index store interface and the
// document model persisted in it. The concrete store (Qdrant) keeps one point
// per work item: the embedding vector plus denormalized metadata mirroring
// the catalog's filterable fields. Only the reconciler writes documents;
// retrieval and triage are read-only.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Document is a work item as persisted in the index. The document id equals
// the catalog item id; Checksum is the content digest used by the reconciler
// to detect no-op updates.
type Document struct {
	// ID is the catalog work-item id.
	ID string

	// Content is the full assembled text that was embedded.
	Content string

	// Title is the one-line summary.
	Title string

	// Type is the work-item type label.
	Type string

	// State is the workflow state.
	State string

	// Priority is the priority tier, empty if unset.
	Priority string

	// Severity is the severity label, empty if unset.
	Severity string

	// Tags is the semicolon-joined tag list.
	Tags string

	// AssignedTo is the assignee display name.
	AssignedTo string

	// Project is the catalog project name.
	Project string

	// URL is the canonical browser URL for the item.
	URL string

	// Changed is the catalog last-changed timestamp at indexing time.
	Changed time.Time

	// Checksum is the content digest recorded at indexing time.
	Checksum string
}

// Scored is a document returned from a query together with its scores.
// VectorScore is cosine similarity; KeywordScore is the keyword-match score
// in [0,1] (zero for vector-only queries). The combined ranking is computed
// by the retrieval engine, not the store.
type Scored struct {
	Document

	// VectorScore is the cosine similarity against the query vector.
	VectorScore float64

	// KeywordScore is the keyword-match score against the query text.
	KeywordScore float64
}

// Filter restricts a query to documents matching every non-empty predicate
// group. Within a group, values are OR-ed; across groups, AND semantics.
type Filter struct {
	// Types restricts to the given work-item types.
	Types []string

	// States restricts to the given workflow states.
	States []string

	// Priorities restricts to the given priority tiers.
	Priorities []string

	// Severities restricts to the given severity labels.
	Severities []string

	// IDs restricts to the given document ids.
	IDs []string

	// ExcludeIDs removes the given document ids from the result.
	ExcludeIDs []string
}

// IsEmpty reports whether the filter has no predicates at all.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Types) == 0 && len(f.States) == 0 &&
		len(f.Priorities) == 0 && len(f.Severities) == 0 &&
		len(f.IDs) == 0 && len(f.ExcludeIDs) == 0)
}

// ErrNotFound is returned by Get when no document exists for the id.
var ErrNotFound = errors.New("index: document not found")

// WriteError reports a failed upsert or delete batch together with the ids
// it affected, so the reconciler can record them as per-item failures.
type WriteError struct {
	// Op is "upsert" or "delete".
	Op string
	// IDs are the document ids in the failed batch.
	IDs []string
	// Err is the underlying store error.
	Err error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("index: %s of %d documents failed: %v", e.Op, len(e.IDs), e.Err)
}

// Unwrap returns the underlying cause.
func (e *WriteError) Unwrap() error { return e.Err }

// Store is the interface for persisting and querying indexed documents.
// Implementations must be safe to call from multiple goroutines; a reader
// may observe either the pre- or post-update version of a document being
// written concurrently, never a partial one.
type Store interface {
	// Upsert stores or updates a batch of documents with their pre-computed
	// embeddings. embeddings[i] is the vector for docs[i].
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error

	// Delete removes documents by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// ListIDs returns the id set of every document in the index.
	ListIDs(ctx context.Context) (map[string]struct{}, error)

	// Checksums returns the stored content checksum for each of the given
	// ids. Ids not present in the index are absent from the result.
	Checksums(ctx context.Context, ids []string) (map[string]string, error)

	// Get returns a single document and its stored embedding vector.
	// Returns ErrNotFound if the id is not indexed.
	Get(ctx context.Context, id string) (*Document, []float32, error)

	// QueryVector ranks documents by cosine similarity to the query vector,
	// restricted by the filter.
	QueryVector(ctx context.Context, vector []float32, f *Filter, topK int) ([]Scored, error)

	// QueryHybrid ranks by vector similarity and additionally scores each
	// candidate's keyword match against keywordText. It may return more than
	// topK candidates so the caller can re-rank before truncating.
	QueryHybrid(ctx context.Context, vector []float32, keywordText string, f *Filter, topK int) ([]Scored, error)

	// Close releases any resources held by the store.
	Close() error
}
