package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/54b3r/worklens-go/internal/budget"
	"github.com/54b3r/worklens-go/internal/catalog"
)

// Batcher defaults. Chosen to stay well inside the request limits of the
// hosted embedding APIs while keeping sync throughput reasonable.
const (
	defaultMaxBatchSize   = 16
	defaultMaxBatchTokens = 60000
	defaultMaxRetries     = 4
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 30 * time.Second
)

// ItemFailure records a work item whose embedding could not be produced after
// all retries. The sync run continues past these; they are surfaced in the
// run report instead of aborting the run.
type ItemFailure struct {
	// ID is the work item identifier.
	ID string
	// Err is the final error after retries were exhausted.
	Err error
}

// BatcherConfig holds the tunables for a Batcher. Zero values select the
// package defaults.
type BatcherConfig struct {
	// MaxBatchSize is the maximum number of items per embedding request.
	MaxBatchSize int
	// MaxBatchTokens caps the cumulative estimated token count of a batch.
	MaxBatchTokens int
	// MaxItemTokens caps each item's text; longer texts are truncated from
	// the start deterministically before embedding.
	MaxItemTokens int
	// MaxRetries is the number of retry attempts for transient failures.
	MaxRetries int
	// BaseDelay is the initial backoff delay; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// Logger receives per-batch progress. Defaults to slog.Default().
	Logger *slog.Logger
}

// Batcher groups work items into bounded embedding requests and retries
// transient failures with jittered exponential backoff. Failures that
// survive the retry budget are isolated per item so one poisoned text
// cannot sink a whole batch.
type Batcher struct {
	emb Embedder
	cfg BatcherConfig
	log *slog.Logger

	// sleep waits for the given duration or until ctx is done. Swappable
	// in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBatcher constructs a Batcher around the given Embedder. A nil cfg
// selects all defaults.
func NewBatcher(emb Embedder, cfg *BatcherConfig) *Batcher {
	c := BatcherConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.MaxBatchTokens <= 0 {
		c.MaxBatchTokens = defaultMaxBatchTokens
	}
	if c.MaxItemTokens <= 0 {
		c.MaxItemTokens = budget.DefaultEmbedTokens
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{
		emb: emb,
		cfg: c,
		log: log,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// EmbedChanged embeds the content of each work item and returns a map from
// item ID to its embedding, plus per-item failures for items that could not
// be embedded. Cancellation of ctx stops further work; items not yet
// attempted are reported as failures with the context error.
func (b *Batcher) EmbedChanged(ctx context.Context, items []catalog.WorkItem) (map[string][]float32, []ItemFailure) {
	out := make(map[string][]float32, len(items))
	var failures []ItemFailure

	batches := b.split(items)
	for bi, batch := range batches {
		if ctx.Err() != nil {
			for _, rest := range batches[bi:] {
				for _, it := range rest {
					failures = append(failures, ItemFailure{ID: it.id, Err: ctx.Err()})
				}
			}
			return out, failures
		}

		vecs, err := b.embedWithRetry(ctx, batch.texts())
		if err == nil {
			for i, it := range batch {
				out[it.id] = vecs[i]
			}
			continue
		}

		// The batch failed as a whole. Fall back to one request per item so
		// a single bad text only costs itself.
		b.log.Warn("embedder: batch failed, retrying items individually",
			slog.Int("batch", bi),
			slog.Int("items", len(batch)),
			slog.String("error", err.Error()),
		)
		for _, it := range batch {
			if ctx.Err() != nil {
				failures = append(failures, ItemFailure{ID: it.id, Err: ctx.Err()})
				continue
			}
			vec, ierr := b.embedWithRetry(ctx, []string{it.text})
			if ierr != nil {
				failures = append(failures, ItemFailure{ID: it.id, Err: ierr})
				continue
			}
			out[it.id] = vec[0]
		}
	}

	return out, failures
}

// batchItem pairs a work item ID with its truncated embedding text.
type batchItem struct {
	id   string
	text string
}

type batch []batchItem

func (b batch) texts() []string {
	t := make([]string, len(b))
	for i, it := range b {
		t[i] = it.text
	}
	return t
}

// split truncates each item's content and groups the items into batches that
// respect both the item-count and cumulative-token limits. An item whose
// truncated text alone reaches MaxBatchTokens still gets its own batch.
func (b *Batcher) split(items []catalog.WorkItem) []batch {
	var (
		batches []batch
		cur     batch
		curTok  int
	)
	for _, it := range items {
		text := budget.Truncate(it.Content(), b.cfg.MaxItemTokens)
		tok := budget.Estimate(text)
		if len(cur) > 0 && (len(cur) >= b.cfg.MaxBatchSize || curTok+tok > b.cfg.MaxBatchTokens) {
			batches = append(batches, cur)
			cur = nil
			curTok = 0
		}
		cur = append(cur, batchItem{id: it.ID, text: text})
		curTok += tok
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// embedWithRetry calls the embedder, retrying transient failures up to
// MaxRetries times with jittered exponential backoff. A server-provided
// Retry-After hint overrides the computed delay. Non-transient errors and
// context cancellation return immediately.
func (b *Batcher) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		vecs, err := b.emb.Embed(ctx, texts)
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, fmt.Errorf("embedder: expected %d embeddings, got %d", len(texts), len(vecs))
			}
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
		if attempt >= b.cfg.MaxRetries {
			return nil, fmt.Errorf("embedder: retries exhausted after %d attempts: %w", attempt+1, lastErr)
		}

		delay := b.backoff(attempt)
		if hint := RetryAfterHint(err); hint > 0 {
			delay = min(hint, b.cfg.MaxDelay)
		}
		if serr := b.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

// backoff computes the jittered delay for the given zero-based attempt:
// BaseDelay doubled per attempt, capped at MaxDelay, with the final value
// drawn uniformly from [d/2, d).
func (b *Batcher) backoff(attempt int) time.Duration {
	d := b.cfg.BaseDelay << uint(attempt)
	if d <= 0 || d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half))
}
