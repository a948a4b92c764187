package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/worklens-go/internal/catalog"
	"github.com/54b3r/worklens-go/internal/embedder"
	"github.com/54b3r/worklens-go/internal/index"
	"github.com/54b3r/worklens-go/internal/state"
)

// ---- fakes ----

// fakeConnector serves a fixed item set and records which listing was used.
type fakeConnector struct {
	items      []catalog.WorkItem
	listErr    error
	idListErr  error
	idCalls    int
	deltaCalls int
	// block, when non-nil, makes ListAll signal started and then wait until
	// the channel is closed.
	block   chan struct{}
	started chan struct{}
}

func (f *fakeConnector) ListAll(ctx context.Context) ([]catalog.WorkItem, error) {
	if f.block != nil {
		if f.started != nil {
			close(f.started)
			f.started = nil
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.items, nil
}

func (f *fakeConnector) ListChangedSince(_ context.Context, since time.Time) ([]catalog.WorkItem, error) {
	f.deltaCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []catalog.WorkItem
	for _, it := range f.items {
		if !it.Changed.Before(since) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeConnector) ListAllIDs(context.Context) (map[string]struct{}, error) {
	f.idCalls++
	if f.idListErr != nil {
		return nil, f.idListErr
	}
	ids := make(map[string]struct{}, len(f.items))
	for _, it := range f.items {
		ids[it.ID] = struct{}{}
	}
	return ids, nil
}

// fakeEmbedder produces deterministic vectors and fails scripted item ids.
type fakeEmbedder struct {
	failIDs map[string]bool
	calls   int
}

func (f *fakeEmbedder) EmbedChanged(_ context.Context, items []catalog.WorkItem) (map[string][]float32, []embedder.ItemFailure) {
	f.calls++
	out := make(map[string][]float32, len(items))
	var failures []embedder.ItemFailure
	for _, it := range items {
		if f.failIDs[it.ID] {
			failures = append(failures, embedder.ItemFailure{ID: it.ID, Err: errors.New("fake embed failure")})
			continue
		}
		out[it.ID] = []float32{float32(len(it.ID))}
	}
	return out, failures
}

// fakeStore is an in-memory index.Store.
type fakeStore struct {
	mu        sync.Mutex
	docs      map[string]index.Document
	vecs      map[string][]float32
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs: make(map[string]index.Document),
		vecs: make(map[string][]float32),
	}
}

func (s *fakeStore) Upsert(_ context.Context, docs []index.Document, embeddings [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for i, d := range docs {
		s.docs[d.ID] = d
		s.vecs[d.ID] = embeddings[i]
	}
	return nil
}

func (s *fakeStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.docs, id)
		delete(s.vecs, id)
	}
	return nil
}

func (s *fakeStore) ListIDs(context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(s.docs))
	for id := range s.docs {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (s *fakeStore) Checksums(_ context.Context, ids []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for _, id := range ids {
		if d, ok := s.docs[id]; ok {
			out[id] = d.Checksum
		}
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*index.Document, []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, nil, index.ErrNotFound
	}
	return &d, s.vecs[id], nil
}

func (s *fakeStore) QueryVector(context.Context, []float32, *index.Filter, int) ([]index.Scored, error) {
	return nil, nil
}

func (s *fakeStore) QueryHybrid(context.Context, []float32, string, *index.Filter, int) ([]index.Scored, error) {
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

// ---- helpers ----

func makeItem(id int, changed time.Time) catalog.WorkItem {
	return catalog.WorkItem{
		ID:      fmt.Sprintf("%d", id),
		Type:    catalog.TypeBug,
		Title:   fmt.Sprintf("bug %d", id),
		State:   "Active",
		Changed: changed,
	}
}

func newTestReconciler(t *testing.T, conn catalog.Connector, emb Embedder, store index.Store) (*Reconciler, *state.SQLiteStore) {
	t.Helper()
	states, err := state.Open(":memory:")
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { _ = states.Close() })
	r, err := New(conn, emb, store, states, nil)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r, states
}

// ---- tests ----

func Test_Reconciler_FullRunIndexesEverything(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{items: []catalog.WorkItem{
		makeItem(1, base), makeItem(2, base), makeItem(3, base),
	}}
	store := newFakeStore()
	r, states := newTestReconciler(t, conn, &fakeEmbedder{}, store)

	report, err := r.Run(context.Background(), ModeFull, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Fetched != 3 || report.Upserted != 3 || report.Failed() != 0 {
		t.Errorf("report: fetched=%d upserted=%d failed=%d, want 3/3/0",
			report.Fetched, report.Upserted, report.Failed())
	}
	if len(store.docs) != 3 {
		t.Errorf("want 3 indexed docs, got %d", len(store.docs))
	}

	st, err := states.State(context.Background())
	if err != nil || st == nil {
		t.Fatalf("state after run: %v, %v", st, err)
	}
	if st.ItemCount != 3 {
		t.Errorf("item count: want 3, got %d", st.ItemCount)
	}
}

func Test_Reconciler_SecondRunSkipsUnchanged(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{items: []catalog.WorkItem{makeItem(1, base), makeItem(2, base)}}
	store := newFakeStore()
	emb := &fakeEmbedder{}
	r, _ := newTestReconciler(t, conn, emb, store)

	if _, err := r.Run(context.Background(), ModeFull, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := r.Run(context.Background(), ModeFull, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Skipped != 2 || report.Upserted != 0 {
		t.Errorf("second run: skipped=%d upserted=%d, want 2/0", report.Skipped, report.Upserted)
	}
	if emb.calls != 1 {
		t.Errorf("embedder should not be called on a no-op run, calls=%d", emb.calls)
	}
}

func Test_Reconciler_ContentChangeReindexes(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{items: []catalog.WorkItem{makeItem(1, base)}}
	store := newFakeStore()
	r, _ := newTestReconciler(t, conn, &fakeEmbedder{}, store)

	if _, err := r.Run(context.Background(), ModeFull, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}

	conn.items[0].Description = "stack trace attached"
	conn.items[0].Changed = base.Add(time.Hour)
	report, err := r.Run(context.Background(), ModeFull, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Upserted != 1 || report.Skipped != 0 {
		t.Errorf("want the changed item re-upserted, got upserted=%d skipped=%d",
			report.Upserted, report.Skipped)
	}
	if got := store.docs["1"].Checksum; got != conn.items[0].Checksum() {
		t.Errorf("indexed checksum not updated")
	}
}

func Test_Reconciler_DeltaFallsBackToFullWithoutWatermark(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{items: []catalog.WorkItem{makeItem(1, base)}}
	r, _ := newTestReconciler(t, conn, &fakeEmbedder{}, newFakeStore())

	report, err := r.Run(context.Background(), ModeDelta, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Mode != ModeFull {
		t.Errorf("mode: want full fallback, got %s", report.Mode)
	}
	if conn.deltaCalls != 0 {
		t.Errorf("delta listing should not be used without a watermark")
	}
}

func Test_Reconciler_DeltaFetchesOnlyChanged(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{items: []catalog.WorkItem{makeItem(1, base), makeItem(2, base)}}
	store := newFakeStore()
	r, states := newTestReconciler(t, conn, &fakeEmbedder{}, store)

	if _, err := r.Run(context.Background(), ModeFull, nil); err != nil {
		t.Fatalf("full run: %v", err)
	}
	st, _ := states.State(context.Background())

	// Item 2 changes after the watermark; item 1 does not.
	conn.items[1].Description = "updated"
	conn.items[1].Changed = st.LastSync.Add(time.Hour)
	conn.items[0].Changed = st.LastSync.Add(-time.Hour)

	report, err := r.Run(context.Background(), ModeDelta, nil)
	if err != nil {
		t.Fatalf("delta run: %v", err)
	}
	if report.Mode != ModeDelta || conn.deltaCalls != 1 {
		t.Fatalf("want one delta listing, got mode=%s calls=%d", report.Mode, conn.deltaCalls)
	}
	if report.Fetched != 1 || report.Upserted != 1 {
		t.Errorf("want only the changed item processed, fetched=%d upserted=%d",
			report.Fetched, report.Upserted)
	}
}

func Test_Reconciler_DeltaBoundaryTimestampIsNoOp(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{items: []catalog.WorkItem{makeItem(1, base)}}
	store := newFakeStore()
	emb := &fakeEmbedder{}
	r, states := newTestReconciler(t, conn, emb, store)
	r.now = func() time.Time { return base }

	// The full run pins the watermark to the clock, so the item's change
	// timestamp equals the watermark exactly.
	if _, err := r.Run(context.Background(), ModeFull, nil); err != nil {
		t.Fatalf("full run: %v", err)
	}
	st, _ := states.State(context.Background())
	if !st.LastSync.Equal(conn.items[0].Changed) {
		t.Fatalf("watermark %v must equal the item timestamp %v", st.LastSync, conn.items[0].Changed)
	}

	report, err := r.Run(context.Background(), ModeDelta, nil)
	if err != nil {
		t.Fatalf("delta run: %v", err)
	}
	// The inclusive listing refetches the boundary item; the checksum diff
	// then classifies it as unchanged.
	if report.Mode != ModeDelta || conn.deltaCalls != 1 {
		t.Fatalf("want one delta listing, got mode=%s calls=%d", report.Mode, conn.deltaCalls)
	}
	if report.Fetched != 1 || report.Skipped != 1 {
		t.Errorf("boundary item: fetched=%d skipped=%d, want 1/1", report.Fetched, report.Skipped)
	}
	if report.Upserted != 0 || report.Embedded != 0 {
		t.Errorf("boundary refetch must not reindex, upserted=%d embedded=%d",
			report.Upserted, report.Embedded)
	}
	if emb.calls != 1 {
		t.Errorf("embedder should not run again for a checksum no-op, calls=%d", emb.calls)
	}
}

func Test_Reconciler_FullRunDeletesStale(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{items: []catalog.WorkItem{makeItem(1, base), makeItem(2, base)}}
	store := newFakeStore()
	r, _ := newTestReconciler(t, conn, &fakeEmbedder{}, store)

	if _, err := r.Run(context.Background(), ModeFull, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Item 2 disappears from the catalog.
	conn.items = conn.items[:1]
	report, err := r.Run(context.Background(), ModeFull, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Deleted != 1 {
		t.Errorf("deleted: want 1, got %d", report.Deleted)
	}
	if _, ok := store.docs["2"]; ok {
		t.Error("stale doc 2 should be gone from the index")
	}
	if _, ok := store.docs["1"]; !ok {
		t.Error("doc 1 should survive")
	}
}

func Test_Reconciler_DeltaDeleteCheckUsesIDListing(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{items: []catalog.WorkItem{makeItem(1, base), makeItem(2, base)}}
	store := newFakeStore()
	r, _ := newTestReconciler(t, conn, &fakeEmbedder{}, store)

	if _, err := r.Run(context.Background(), ModeFull, nil); err != nil {
		t.Fatalf("full run: %v", err)
	}

	// Item 2 is deleted at the source; nothing else changed.
	conn.items = conn.items[:1]
	report, err := r.Run(context.Background(), ModeDelta, nil)
	if err != nil {
		t.Fatalf("delta run: %v", err)
	}
	if conn.idCalls != 1 {
		t.Errorf("want one catalog id listing for the delete check, got %d", conn.idCalls)
	}
	if report.Deleted != 1 {
		t.Errorf("deleted: want 1, got %d", report.Deleted)
	}
}

func Test_Reconciler_EmbeddingFailureIsPartial(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{items: []catalog.WorkItem{makeItem(1, base), makeItem(2, base)}}
	store := newFakeStore()
	emb := &fakeEmbedder{failIDs: map[string]bool{"2": true}}
	r, states := newTestReconciler(t, conn, emb, store)

	report, err := r.Run(context.Background(), ModeFull, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Outcome() != "partial" || report.Failed() != 1 {
		t.Errorf("want partial outcome with 1 failure, got %s/%d", report.Outcome(), report.Failed())
	}
	if _, ok := store.docs["2"]; ok {
		t.Error("failed item must not be upserted")
	}
	if _, ok := store.docs["1"]; !ok {
		t.Error("healthy item should be upserted")
	}

	runs, err := states.RecentRuns(context.Background(), 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("recent runs: %v, %d", err, len(runs))
	}
	if runs[0].Outcome != "partial" || runs[0].Failed != 1 {
		t.Errorf("recorded run: want partial/1, got %s/%d", runs[0].Outcome, runs[0].Failed)
	}

	// The failed item has no indexed checksum, so the next run retries it.
	emb.failIDs = nil
	report, err = r.Run(context.Background(), ModeFull, nil)
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if report.Upserted != 1 || report.Skipped != 1 {
		t.Errorf("retry run: upserted=%d skipped=%d, want 1/1", report.Upserted, report.Skipped)
	}
}

func Test_Reconciler_FetchFailureIsFatal(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{listErr: errors.New("catalog unreachable")}
	r, states := newTestReconciler(t, conn, &fakeEmbedder{}, newFakeStore())

	_, err := r.Run(context.Background(), ModeFull, nil)
	if err == nil {
		t.Fatal("want error when the catalog listing fails")
	}

	st, serr := states.State(context.Background())
	if serr != nil {
		t.Fatalf("state: %v", serr)
	}
	if st != nil {
		t.Error("watermark must not advance on a fatal run")
	}
	runs, rerr := states.RecentRuns(context.Background(), 1)
	if rerr != nil || len(runs) != 1 {
		t.Fatalf("recent runs: %v, %d", rerr, len(runs))
	}
	if runs[0].Outcome != "error" || runs[0].Error == "" {
		t.Errorf("recorded run: want error outcome with message, got %+v", runs[0])
	}
}

func Test_Reconciler_ConcurrentRunRejected(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	block := make(chan struct{})
	started := make(chan struct{})
	conn := &fakeConnector{
		items:   []catalog.WorkItem{makeItem(1, base)},
		block:   block,
		started: started,
	}
	r, _ := newTestReconciler(t, conn, &fakeEmbedder{}, newFakeStore())

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), ModeFull, nil)
		done <- err
	}()

	// Wait until the first run holds the lock inside ListAll, then the
	// second attempt must be rejected.
	<-started
	if _, err := r.Run(context.Background(), ModeFull, nil); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("second run: want ErrSyncInProgress, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}
