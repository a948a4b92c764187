// Package triage analyzes a bug against the indexed backlog: it finds
// likely duplicates among existing bugs, surfaces related requirement
// stories, and produces a short recommendation. Matching goes through the
// retrieval engine in vector-only mode: the query is a whole work item, so
// keyword overlap adds noise rather than signal.
package triage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/worklens-go/internal/answer"
	"github.com/54b3r/worklens-go/internal/catalog"
	"github.com/54b3r/worklens-go/internal/embedder"
	"github.com/54b3r/worklens-go/internal/index"
	"github.com/54b3r/worklens-go/internal/retrieval"
)

// Analyzer defaults.
const (
	// defaultDuplicateThreshold is the cosine similarity at or above which
	// a same-type match is reported as a likely duplicate.
	defaultDuplicateThreshold = 0.85
	// defaultRelatedFloor is the similarity below which matches are
	// discarded entirely.
	defaultRelatedFloor = 0.5
	// defaultSimilarTopK is how many same-type candidates to examine.
	defaultSimilarTopK = 10
	// defaultRequirementTopK is how many requirement stories to examine.
	defaultRequirementTopK = 5
)

// noMatchesRecommendation is returned when nothing clears the floor.
const noMatchesRecommendation = "No related items found. This appears to be a new issue."

// Config holds the analyzer tunables. Zero values select defaults.
type Config struct {
	// DuplicateThreshold is the similarity for duplicate classification.
	DuplicateThreshold float64
	// RelatedFloor is the minimum similarity for any match.
	RelatedFloor float64
	// SimilarTopK is the same-type candidate pool size.
	SimilarTopK int
	// RequirementTopK is the requirement-story candidate pool size.
	RequirementTopK int
}

// Match is a scored document.
type Match struct {
	index.Document

	// Score is the cosine similarity to the triaged item.
	Score float64
}

// Result is a completed triage analysis.
type Result struct {
	// Item is the triaged work item, nil when triaging free text.
	Item *index.Document
	// Duplicates are same-type matches at or above the duplicate threshold,
	// highest similarity first.
	Duplicates []Match
	// Similar are same-type matches between the related floor and the
	// duplicate threshold.
	Similar []Match
	// Related are requirement stories above the related floor.
	Related []Match
	// Recommendation is the model's triage advice, or a fixed notice when
	// nothing matched.
	Recommendation string
}

// Analyzer runs triage queries against the index.
type Analyzer struct {
	// store resolves the triaged item and its stored vector.
	store index.Store
	// embedder embeds free-text descriptions.
	embedder embedder.Embedder
	// engine ranks candidates in vector-only mode.
	engine *retrieval.Engine
	// model writes the recommendation.
	model answer.ChatModel
	// cfg holds the resolved configuration.
	cfg Config
}

// New constructs an Analyzer. The model may be nil; recommendations then
// fall back to a summary of the match counts.
func New(store index.Store, emb embedder.Embedder, model answer.ChatModel, cfg *Config) (*Analyzer, error) {
	if store == nil {
		return nil, fmt.Errorf("triage: store must not be nil")
	}
	if emb == nil {
		return nil, fmt.Errorf("triage: embedder must not be nil")
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = defaultDuplicateThreshold
	}
	if c.RelatedFloor <= 0 {
		c.RelatedFloor = defaultRelatedFloor
	}
	if c.SimilarTopK <= 0 {
		c.SimilarTopK = defaultSimilarTopK
	}
	if c.RequirementTopK <= 0 {
		c.RequirementTopK = defaultRequirementTopK
	}
	engine, err := retrieval.NewEngine(emb, store)
	if err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}
	return &Analyzer{store: store, embedder: emb, engine: engine, model: model, cfg: c}, nil
}

// Triage analyzes the indexed work item with the given id. The stored
// embedding is reused, so no embedding call is needed.
func (a *Analyzer) Triage(ctx context.Context, itemID string) (*Result, error) {
	doc, vec, err := a.store.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, fmt.Errorf("triage: work item %s is not indexed: %w", itemID, err)
		}
		return nil, fmt.Errorf("triage: load item %s: %w", itemID, err)
	}
	if len(vec) == 0 {
		// Stored without a vector; embed the stored content instead.
		vecs, err := a.embedder.Embed(ctx, []string{doc.Content})
		if err != nil {
			return nil, fmt.Errorf("triage: re-embed item %s: %w", itemID, err)
		}
		vec = vecs[0]
	}
	return a.analyze(ctx, doc, vec)
}

// TriageText analyzes a free-text bug description that is not (or not yet)
// an indexed work item.
func (a *Analyzer) TriageText(ctx context.Context, description string) (*Result, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("triage: description must not be empty")
	}
	vecs, err := a.embedder.Embed(ctx, []string{description})
	if err != nil {
		return nil, fmt.Errorf("triage: embed description: %w", err)
	}
	return a.analyze(ctx, nil, vecs[0])
}

// analyze runs the two vector-only retrievals and classifies the matches.
// Both queries exclude the triaged item itself, and an item already
// classified as a duplicate or similar never reappears as a related story.
func (a *Analyzer) analyze(ctx context.Context, item *index.Document, vec []float32) (*Result, error) {
	sameType := string(catalog.TypeBug)
	var exclude []string
	if item != nil {
		sameType = item.Type
		exclude = []string{item.ID}
	}

	similar, err := a.engine.RetrieveVector(ctx, vec, retrieval.Options{
		Mode:           retrieval.ModeVectorOnly,
		TopK:           a.cfg.SimilarTopK,
		Filter:         &index.Filter{Types: []string{sameType}, ExcludeIDs: exclude},
		MinVectorScore: a.cfg.RelatedFloor,
	})
	if err != nil {
		return nil, fmt.Errorf("triage: similarity query: %w", err)
	}

	related, err := a.engine.RetrieveVector(ctx, vec, retrieval.Options{
		Mode:           retrieval.ModeVectorOnly,
		TopK:           a.cfg.RequirementTopK,
		Filter:         &index.Filter{Types: []string{string(catalog.TypeUserStory)}, ExcludeIDs: exclude},
		MinVectorScore: a.cfg.RelatedFloor,
	})
	if err != nil {
		return nil, fmt.Errorf("triage: requirement query: %w", err)
	}

	res := &Result{Item: item}
	classified := make(map[string]struct{}, len(similar))
	for _, s := range similar {
		classified[s.ID] = struct{}{}
		if s.VectorScore >= a.cfg.DuplicateThreshold {
			res.Duplicates = append(res.Duplicates, Match{Document: s.Document, Score: s.VectorScore})
		} else {
			res.Similar = append(res.Similar, Match{Document: s.Document, Score: s.VectorScore})
		}
	}
	for _, s := range related {
		if _, dup := classified[s.ID]; dup {
			continue
		}
		res.Related = append(res.Related, Match{Document: s.Document, Score: s.VectorScore})
	}

	if len(res.Duplicates) == 0 && len(res.Similar) == 0 && len(res.Related) == 0 {
		res.Recommendation = noMatchesRecommendation
		return res, nil
	}

	rec, err := a.recommend(ctx, res)
	if err != nil {
		return nil, err
	}
	res.Recommendation = rec
	return res, nil
}

// recommend asks the model for triage advice, falling back to a counted
// summary when no model is configured.
func (a *Analyzer) recommend(ctx context.Context, res *Result) (string, error) {
	if a.model == nil {
		return fmt.Sprintf("Found %d likely duplicates, %d similar items, and %d related stories.",
			len(res.Duplicates), len(res.Similar), len(res.Related)), nil
	}

	messages := []*schema.Message{
		schema.SystemMessage(triagePrompt),
		schema.UserMessage(renderTriageContext(res)),
	}
	sr, err := a.model.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("triage: recommendation stream failed: %w", err)
	}
	defer sr.Close()

	var b strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("triage: recommendation receive: %w", err)
		}
		if msg != nil {
			b.WriteString(msg.Content)
		}
	}
	return b.String(), nil
}

// triagePrompt instructs the model to give a short, actionable verdict.
const triagePrompt = `You triage bug reports for an engineering team. Given a
bug and its closest matches from the backlog, state in a few sentences:
whether the bug is likely a duplicate (and of which item), which existing
items are related, and what the reporter should do next. Reference items by
id (e.g. #123). Do not invent items.`

// renderTriageContext renders the analysis for the recommendation prompt.
func renderTriageContext(res *Result) string {
	var b strings.Builder
	if res.Item != nil {
		fmt.Fprintf(&b, "Bug under triage: #%s: %s\n%s\n\n", res.Item.ID, res.Item.Title, res.Item.Content)
	} else {
		b.WriteString("Bug under triage: (new report, not yet filed)\n\n")
	}
	writeMatches(&b, "Likely duplicates", res.Duplicates)
	writeMatches(&b, "Similar bugs", res.Similar)
	writeMatches(&b, "Related stories", res.Related)
	return b.String()
}

func writeMatches(b *strings.Builder, heading string, matches []Match) {
	if len(matches) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", heading)
	for _, m := range matches {
		fmt.Fprintf(b, "- #%s: %s (similarity %.2f, state %s)\n", m.ID, m.Title, m.Score, m.State)
	}
	b.WriteString("\n")
}
