package answer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/worklens-go/internal/budget"
	"github.com/54b3r/worklens-go/internal/retrieval"
)

// systemPrompt instructs the model to answer only from the provided work
// items and to cite them by id.
const systemPrompt = `You are a work-item assistant for an engineering team.
Answer questions using ONLY the work items provided in the context. If the
context does not contain the answer, say so plainly.

Rules:
1. Reference work items by id when you mention them (e.g. "Work Item #123").
2. Do not invent work items, ids, states, or assignees.
3. If the context contains an ANSWER line with a count, use that exact number.
4. Keep answers concise and factual.`

// ChatModel is the streaming surface the Streamer needs. Satisfied by any
// eino chat model.
type ChatModel interface {
	// Stream generates a response as a stream of message chunks.
	Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error)
}

// Citation is a work-item reference extracted from the answer text and
// resolved against the assembled context.
type Citation struct {
	// ID is the cited work-item id.
	ID string
	// Title is the item's title.
	Title string
	// URL is the canonical browser URL for the item.
	URL string
}

// Answered is the completed result of a streamed answer.
type Answered struct {
	// Text is the full answer as streamed to the writer.
	Text string
	// Citations are the context items the answer actually referenced,
	// in first-mention order.
	Citations []Citation
	// ContextIDs are the ids of the items shown to the model.
	ContextIDs []string
	// Dropped is the number of retrieved items that did not fit the
	// context budget.
	Dropped int
	// PromptTokens is the estimated token count of the messages sent to
	// the model, context included.
	PromptTokens int
}

// StreamerConfig holds the tunables for a Streamer.
type StreamerConfig struct {
	// MaxContextTokens caps the assembled context. Defaults to
	// budget.DefaultContextTokens.
	MaxContextTokens int
	// AppendReferences adds a reference list after the streamed answer.
	AppendReferences bool
}

// Streamer assembles context and streams grounded answers.
type Streamer struct {
	// model generates the answer.
	model ChatModel
	// cfg holds the resolved configuration.
	cfg StreamerConfig
}

// NewStreamer constructs a Streamer around the given chat model.
func NewStreamer(m ChatModel, cfg *StreamerConfig) (*Streamer, error) {
	if m == nil {
		return nil, fmt.Errorf("answer: chat model must not be nil")
	}
	c := StreamerConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = budget.DefaultContextTokens
	}
	return &Streamer{model: m, cfg: c}, nil
}

// citationPattern matches work-item references in answer text.
var citationPattern = regexp.MustCompile(`#(\d+)`)

// Answer assembles the context from results, streams the model's response to
// w token-by-token, and returns the completed answer with its citations.
// Cancelling ctx stops the stream; whatever was already written stays
// written, and the context error is returned.
func (s *Streamer) Answer(ctx context.Context, query string, results []retrieval.Result, w io.Writer) (*Answered, error) {
	assembled := Assemble(results, s.cfg.MaxContextTokens)

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(renderPrompt(query, assembled.Text)),
	}

	sr, err := s.model.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("answer: stream failed: %w", err)
	}
	defer sr.Close()

	var text strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("answer: stream receive: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return nil, fmt.Errorf("answer: write chunk: %w", err)
		}
		text.WriteString(msg.Content)
	}

	out := &Answered{
		Text:         text.String(),
		Dropped:      assembled.Dropped,
		PromptTokens: budget.EstimateMessages(messages),
	}
	for _, r := range assembled.Included {
		out.ContextIDs = append(out.ContextIDs, r.ID)
	}
	out.Citations = extractCitations(out.Text, assembled.Included)

	if s.cfg.AppendReferences && len(assembled.Included) > 0 {
		refs := References(assembled.Included)
		if _, err := io.WriteString(w, refs); err != nil {
			return nil, fmt.Errorf("answer: write references: %w", err)
		}
	}
	return out, nil
}

// renderPrompt combines the context block and the user's question.
func renderPrompt(query, contextText string) string {
	if contextText == "" {
		return fmt.Sprintf("No work items matched the question.\n\nQuestion: %s", query)
	}
	return fmt.Sprintf("Work items:\n\n%s\n\nQuestion: %s", contextText, query)
}

// extractCitations returns the context items referenced in the text, in
// first-mention order. References to ids outside the context are ignored:
// a citation the model invented is not a citation.
func extractCitations(text string, included []retrieval.Result) []Citation {
	byID := make(map[string]retrieval.Result, len(included))
	for _, r := range included {
		byID[r.ID] = r
	}
	var (
		citations []Citation
		seen      = map[string]struct{}{}
	)
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if _, ok := seen[id]; ok {
			continue
		}
		r, ok := byID[id]
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		citations = append(citations, Citation{ID: r.ID, Title: r.Title, URL: r.URL})
	}
	return citations
}
