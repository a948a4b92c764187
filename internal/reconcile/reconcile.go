// Package reconcile implements the catalog-to-index sync engine. A run
// fetches work items from the catalog (all of them, or only those changed
// since the last watermark), embeds the changed ones, upserts them into the
// index, removes documents whose source items no longer exist, and advances
// the persisted watermark. Runs are idempotent: re-running over unchanged
// data performs no index writes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/54b3r/worklens-go/internal/catalog"
	"github.com/54b3r/worklens-go/internal/embedder"
	"github.com/54b3r/worklens-go/internal/index"
	"github.com/54b3r/worklens-go/internal/state"
)

// Mode selects how much of the catalog a run considers.
type Mode string

const (
	// ModeFull fetches every work item in the catalog.
	ModeFull Mode = "full"
	// ModeDelta fetches only items changed since the last watermark.
	// Falls back to a full run when no watermark exists yet.
	ModeDelta Mode = "delta"
)

// ErrSyncInProgress is returned by Run when another run is already active.
var ErrSyncInProgress = errors.New("reconcile: a sync run is already in progress")

// Embedder produces embeddings for changed items. Satisfied by
// *embedder.Batcher.
type Embedder interface {
	// EmbedChanged returns a map from item id to embedding plus per-item
	// failures for items that could not be embedded.
	EmbedChanged(ctx context.Context, items []catalog.WorkItem) (map[string][]float32, []embedder.ItemFailure)
}

// Config holds the tunables for a Reconciler. Zero values select defaults.
type Config struct {
	// UpsertBatchSize is the number of documents written per index call.
	// Defaults to 64.
	UpsertBatchSize int

	// DeltaDeleteCheck enables deletion reconciliation on delta runs. It
	// costs one extra catalog id listing per run; full runs always
	// reconcile deletions. Defaults to true.
	DeltaDeleteCheck bool

	// Logger receives run progress. Defaults to slog.Default().
	Logger *slog.Logger
}

// Report summarizes a completed run.
type Report struct {
	// Mode is the mode the run actually executed in (a delta request with
	// no watermark reports ModeFull).
	Mode Mode
	// StartedAt is when the run began.
	StartedAt time.Time
	// FinishedAt is when the run ended.
	FinishedAt time.Time
	// Fetched is the number of items retrieved from the catalog.
	Fetched int
	// Skipped is the number of fetched items whose indexed checksum already
	// matched, so no embedding or write was needed.
	Skipped int
	// Embedded is the number of items whose embeddings were produced.
	Embedded int
	// Upserted is the number of documents written to the index.
	Upserted int
	// Deleted is the number of stale documents removed from the index.
	Deleted int
	// Failures lists items that could not be embedded or written. The run
	// proceeds past these without advancing them.
	Failures []embedder.ItemFailure
}

// Failed returns the number of failed items.
func (r *Report) Failed() int { return len(r.Failures) }

// Outcome returns "ok" when every item succeeded, "partial" otherwise.
func (r *Report) Outcome() string {
	if len(r.Failures) == 0 {
		return "ok"
	}
	return "partial"
}

// Reconciler orchestrates sync runs. At most one run executes at a time;
// concurrent Run calls return ErrSyncInProgress.
type Reconciler struct {
	// connector reads work items from the remote catalog.
	connector catalog.Connector
	// embedder converts changed items into vectors.
	embedder Embedder
	// store is the vector/keyword index being reconciled.
	store index.Store
	// states persists the watermark and run history.
	states state.Store
	// cfg holds the resolved configuration.
	cfg Config
	// log receives structured run progress.
	log *slog.Logger

	// mu serializes runs.
	mu sync.Mutex
	// now is swappable in tests.
	now func() time.Time
}

// New constructs a Reconciler from the provided dependencies.
func New(connector catalog.Connector, emb Embedder, store index.Store, states state.Store, cfg *Config) (*Reconciler, error) {
	if connector == nil {
		return nil, fmt.Errorf("reconcile: connector must not be nil")
	}
	if emb == nil {
		return nil, fmt.Errorf("reconcile: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("reconcile: store must not be nil")
	}
	if states == nil {
		return nil, fmt.Errorf("reconcile: state store must not be nil")
	}
	c := Config{DeltaDeleteCheck: true}
	if cfg != nil {
		c = *cfg
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Reconciler{
		connector: connector,
		embedder:  emb,
		store:     store,
		states:    states,
		cfg:       c,
		log:       c.Logger,
		now:       time.Now,
	}, nil
}

// Run executes one sync in the given mode. Progress is reported via the
// optional callback. A fatal error (catalog listing failure, state store
// failure) aborts the run without advancing the watermark; per-item
// embedding and write failures are collected in the report instead.
func (r *Reconciler) Run(ctx context.Context, mode Mode, progress func(msg string)) (*Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer r.mu.Unlock()

	if progress == nil {
		progress = func(string) {}
	}

	report := &Report{Mode: mode, StartedAt: r.now().UTC()}
	err := r.run(ctx, report, progress)
	report.FinishedAt = r.now().UTC()

	run := state.Run{
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Mode:       string(report.Mode),
		Outcome:    report.Outcome(),
		Fetched:    report.Fetched,
		Embedded:   report.Embedded,
		Upserted:   report.Upserted,
		Deleted:    report.Deleted,
		Failed:     report.Failed(),
	}
	if err != nil {
		run.Outcome = "error"
		run.Error = err.Error()
	}
	if rerr := r.states.RecordRun(ctx, run); rerr != nil {
		r.log.Warn("reconcile: failed to record run history", slog.String("error", rerr.Error()))
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

// run executes the sync stages, mutating the report as it goes.
func (r *Reconciler) run(ctx context.Context, report *Report, progress func(msg string)) error {
	// Resolve the effective mode: a delta with no watermark is a full run.
	prev, err := r.states.State(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load sync state: %w", err)
	}
	if report.Mode == ModeDelta && prev == nil {
		r.log.Info("reconcile: no previous sync, running full")
		report.Mode = ModeFull
	}

	// Fetch. A listing failure is fatal: without the item set there is
	// nothing safe to reconcile.
	var items []catalog.WorkItem
	switch report.Mode {
	case ModeFull:
		progress("fetching all items from catalog")
		items, err = r.connector.ListAll(ctx)
	case ModeDelta:
		progress(fmt.Sprintf("fetching items changed since %s", prev.LastSync.Format(time.RFC3339)))
		items, err = r.connector.ListChangedSince(ctx, prev.LastSync)
	default:
		return fmt.Errorf("reconcile: unknown mode %q", report.Mode)
	}
	if err != nil {
		return fmt.Errorf("reconcile: fetch: %w", err)
	}
	report.Fetched = len(items)
	progress(fmt.Sprintf("fetched %d items", len(items)))

	// Diff against stored checksums so unchanged items cost nothing.
	changed, err := r.diff(ctx, items)
	if err != nil {
		return err
	}
	report.Skipped = len(items) - len(changed)
	if report.Skipped > 0 {
		progress(fmt.Sprintf("skipping %d unchanged items", report.Skipped))
	}

	// Embed and upsert the changed items. Failures here are per-item.
	if len(changed) > 0 {
		progress(fmt.Sprintf("embedding %d items", len(changed)))
		vectors, failures := r.embedder.EmbedChanged(ctx, changed)
		report.Embedded = len(vectors)
		report.Failures = append(report.Failures, failures...)

		upserted, failures := r.upsert(ctx, changed, vectors)
		report.Upserted = upserted
		report.Failures = append(report.Failures, failures...)
		progress(fmt.Sprintf("upserted %d items", upserted))
	}

	// Remove index documents whose source items are gone.
	if report.Mode == ModeFull || r.cfg.DeltaDeleteCheck {
		deleted, err := r.deleteStale(ctx, report.Mode, items)
		if err != nil {
			// Deletion failure leaves stale documents behind but does not
			// invalidate the upserts already made; surface it as fatal so
			// the watermark does not advance past it.
			return err
		}
		report.Deleted = deleted
		if deleted > 0 {
			progress(fmt.Sprintf("deleted %d stale items", deleted))
		}
	}

	// Advance the watermark to the run start. Items changed mid-run fall
	// on or after it and will be refetched by the next delta; the checksum
	// diff makes that refetch free when nothing actually changed.
	count, err := r.indexCount(ctx, prev)
	if err != nil {
		return err
	}
	if err := r.states.SetState(ctx, state.SyncState{LastSync: report.StartedAt, ItemCount: count}); err != nil {
		return fmt.Errorf("reconcile: save sync state: %w", err)
	}

	r.log.Info("reconcile: run complete",
		slog.String("mode", string(report.Mode)),
		slog.Int("fetched", report.Fetched),
		slog.Int("skipped", report.Skipped),
		slog.Int("upserted", report.Upserted),
		slog.Int("deleted", report.Deleted),
		slog.Int("failed", report.Failed()),
	)
	return nil
}

// diff returns the subset of items whose content checksum differs from the
// indexed one (or that are not indexed at all).
func (r *Reconciler) diff(ctx context.Context, items []catalog.WorkItem) ([]catalog.WorkItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	stored, err := r.store.Checksums(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("reconcile: load checksums: %w", err)
	}
	changed := make([]catalog.WorkItem, 0, len(items))
	for _, it := range items {
		if sum, ok := stored[it.ID]; ok && sum == it.Checksum() {
			continue
		}
		changed = append(changed, it)
	}
	return changed, nil
}

// upsert writes the embedded items to the index in batches. A failed batch
// marks its items as failures and the run continues with the next batch.
func (r *Reconciler) upsert(ctx context.Context, items []catalog.WorkItem, vectors map[string][]float32) (int, []embedder.ItemFailure) {
	var (
		docs []index.Document
		vecs [][]float32
	)
	for _, it := range items {
		vec, ok := vectors[it.ID]
		if !ok {
			// Embedding failed; already recorded by the batcher.
			continue
		}
		docs = append(docs, docFromItem(it))
		vecs = append(vecs, vec)
	}

	var (
		upserted int
		failures []embedder.ItemFailure
	)
	for start := 0; start < len(docs); start += r.cfg.UpsertBatchSize {
		end := min(start+r.cfg.UpsertBatchSize, len(docs))
		batch := docs[start:end]
		if err := r.store.Upsert(ctx, batch, vecs[start:end]); err != nil {
			for _, d := range batch {
				failures = append(failures, embedder.ItemFailure{ID: d.ID, Err: err})
			}
			r.log.Warn("reconcile: upsert batch failed",
				slog.Int("items", len(batch)),
				slog.String("error", err.Error()),
			)
			continue
		}
		upserted += len(batch)
	}
	return upserted, failures
}

// deleteStale removes index documents whose ids no longer exist in the
// catalog. On a full run the fetched items are the authoritative id set; a
// delta run asks the catalog for its full id list.
func (r *Reconciler) deleteStale(ctx context.Context, mode Mode, fetched []catalog.WorkItem) (int, error) {
	var (
		source map[string]struct{}
		err    error
	)
	if mode == ModeFull {
		source = make(map[string]struct{}, len(fetched))
		for _, it := range fetched {
			source[it.ID] = struct{}{}
		}
	} else {
		source, err = r.connector.ListAllIDs(ctx)
		if err != nil {
			return 0, fmt.Errorf("reconcile: list catalog ids: %w", err)
		}
	}

	indexed, err := r.store.ListIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list index ids: %w", err)
	}

	var stale []string
	for id := range indexed {
		if _, ok := source[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := r.store.Delete(ctx, stale); err != nil {
		return 0, fmt.Errorf("reconcile: delete stale: %w", err)
	}
	return len(stale), nil
}

// indexCount returns the current index size, falling back to the previous
// count when listing fails.
func (r *Reconciler) indexCount(ctx context.Context, prev *state.SyncState) (int, error) {
	ids, err := r.store.ListIDs(ctx)
	if err != nil {
		if prev != nil {
			r.log.Warn("reconcile: could not count index, keeping previous count",
				slog.String("error", err.Error()))
			return prev.ItemCount, nil
		}
		return 0, fmt.Errorf("reconcile: count index: %w", err)
	}
	return len(ids), nil
}

// docFromItem converts a catalog work item into its index document.
func docFromItem(it catalog.WorkItem) index.Document {
	return index.Document{
		ID:         it.ID,
		Content:    it.Content(),
		Title:      it.Title,
		Type:       string(it.Type),
		State:      it.State,
		Priority:   it.Priority,
		Severity:   it.Severity,
		Tags:       strings.Join(it.Tags, ";"),
		AssignedTo: it.AssignedTo,
		Project:    it.Project,
		URL:        it.URL,
		Changed:    it.Changed,
		Checksum:   it.Checksum(),
	}
}
