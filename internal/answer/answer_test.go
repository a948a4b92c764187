package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/worklens-go/internal/budget"
	"github.com/54b3r/worklens-go/internal/index"
	"github.com/54b3r/worklens-go/internal/retrieval"
)

// ---- fakes ----

// fakeModel streams scripted chunks and records the messages it was given.
type fakeModel struct {
	chunks []string
	err    error
	got    []*schema.Message
}

func (f *fakeModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = input
	out := make([]*schema.Message, len(f.chunks))
	for i, c := range f.chunks {
		out[i] = schema.AssistantMessage(c, nil)
	}
	return schema.StreamReaderFromArray(out), nil
}

// chunkWriter records each individual write.
type chunkWriter struct {
	writes []string
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, string(p))
	return len(p), nil
}

func result(id, title, content string) retrieval.Result {
	return retrieval.Result{Document: index.Document{
		ID:      id,
		Title:   title,
		Type:    "Bug",
		State:   "Active",
		Content: content,
		URL:     "https://dev.azure.com/org/proj/_workitems/edit/" + id,
	}}
}

// ---- assembler tests ----

func Test_Assemble_OrdersByID(t *testing.T) {
	t.Parallel()
	results := []retrieval.Result{
		result("10", "ten", "c"),
		result("2", "two", "c"),
		result("5", "five", "c"),
	}
	got := Assemble(results, 1000)
	if len(got.Included) != 3 {
		t.Fatalf("want 3 included, got %d", len(got.Included))
	}
	if got.Included[0].ID != "2" || got.Included[1].ID != "5" || got.Included[2].ID != "10" {
		t.Errorf("context order: want [2 5 10], got [%s %s %s]",
			got.Included[0].ID, got.Included[1].ID, got.Included[2].ID)
	}
	first := strings.Index(got.Text, "#2:")
	last := strings.Index(got.Text, "#10:")
	if first < 0 || last < 0 || first > last {
		t.Errorf("rendered text not in id order:\n%s", got.Text)
	}
}

func Test_Assemble_BudgetSpentInRankOrder(t *testing.T) {
	t.Parallel()
	// The top-ranked item nearly fills the budget; the lower-ranked one is
	// tiny with a smaller id. Rank must decide inclusion, not id.
	top := result("9", "top ranked", strings.Repeat("a", 4*80)) // ~80 tokens
	cheap := result("1", "low ranked", "tiny")

	got := Assemble([]retrieval.Result{top, cheap}, 100)
	if len(got.Included) != 1 || got.Included[0].ID != "9" {
		ids := make([]string, len(got.Included))
		for i, r := range got.Included {
			ids[i] = r.ID
		}
		t.Fatalf("included: want [9], got %v", ids)
	}
	if got.Dropped != 1 {
		t.Errorf("dropped: want 1, got %d", got.Dropped)
	}
}

func Test_Assemble_WholeItemOrDrop(t *testing.T) {
	t.Parallel()
	small := result("1", "small", "tiny")
	big := result("2", "big", strings.Repeat("x", 4*500)) // ~500 tokens
	alsoSmall := result("3", "also small", "tiny")

	got := Assemble([]retrieval.Result{small, big, alsoSmall}, 100)
	if len(got.Included) != 2 {
		t.Fatalf("want 2 included, got %d", len(got.Included))
	}
	for _, r := range got.Included {
		if r.ID == "2" {
			t.Error("oversized item must be dropped whole, not truncated")
		}
	}
	if got.Dropped != 1 {
		t.Errorf("dropped: want 1, got %d", got.Dropped)
	}
	if strings.Contains(got.Text, "xxxx") {
		t.Error("no fragment of the dropped item may appear in the context")
	}
}

func Test_Assemble_BudgetRespected(t *testing.T) {
	t.Parallel()
	var results []retrieval.Result
	for _, id := range []string{"1", "2", "3", "4"} {
		results = append(results, result(id, "item", strings.Repeat("y", 4*100)))
	}
	got := Assemble(results, 250)
	if used := budget.Estimate(got.Text); used > 250 {
		t.Errorf("context estimates to %d tokens, budget is 250", used)
	}
	if len(got.Included) == 0 {
		t.Error("at least one item should fit a 250-token budget")
	}
}

func Test_References_Rendering(t *testing.T) {
	t.Parallel()
	refs := References([]retrieval.Result{result("7", "login crash", "c")})
	if !strings.Contains(refs, "#7: login crash") {
		t.Errorf("references missing the item line: %q", refs)
	}
	if !strings.Contains(refs, "_workitems/edit/7") {
		t.Errorf("references missing the URL: %q", refs)
	}
	if References(nil) != "" {
		t.Error("no included items should render no references")
	}
}

// ---- streamer tests ----

func Test_Streamer_StreamsChunksIncrementally(t *testing.T) {
	t.Parallel()
	m := &fakeModel{chunks: []string{"Work Item ", "#1 covers ", "the crash."}}
	s, err := NewStreamer(m, nil)
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}

	w := &chunkWriter{}
	got, err := s.Answer(context.Background(), "what covers the crash?",
		[]retrieval.Result{result("1", "crash", "login crash details")}, w)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(w.writes) != 3 {
		t.Errorf("want 3 incremental writes, got %d: %v", len(w.writes), w.writes)
	}
	if got.Text != "Work Item #1 covers the crash." {
		t.Errorf("text: got %q", got.Text)
	}
}

func Test_Streamer_PromptCarriesContextAndQuestion(t *testing.T) {
	t.Parallel()
	m := &fakeModel{chunks: []string{"ok"}}
	s, _ := NewStreamer(m, nil)

	_, err := s.Answer(context.Background(), "why does login fail?",
		[]retrieval.Result{result("9", "login bug", "stack trace here")}, &strings.Builder{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(m.got) != 2 {
		t.Fatalf("want system+user messages, got %d", len(m.got))
	}
	if m.got[0].Role != schema.System {
		t.Errorf("first message should be the system prompt")
	}
	user := m.got[1].Content
	if !strings.Contains(user, "Work Item #9") || !strings.Contains(user, "stack trace here") {
		t.Errorf("user message missing context: %q", user)
	}
	if !strings.Contains(user, "why does login fail?") {
		t.Errorf("user message missing the question: %q", user)
	}
}

func Test_Streamer_ReportsPromptTokenEstimate(t *testing.T) {
	t.Parallel()
	m := &fakeModel{chunks: []string{"ok"}}
	s, _ := NewStreamer(m, nil)

	got, err := s.Answer(context.Background(), "q",
		[]retrieval.Result{result("9", "login bug", "stack trace here")}, &strings.Builder{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	want := budget.EstimateMessages(m.got)
	if got.PromptTokens != want || want == 0 {
		t.Errorf("PromptTokens = %d, want %d (and non-zero)", got.PromptTokens, want)
	}
}

func Test_Streamer_CitationsResolveOnlyAgainstContext(t *testing.T) {
	t.Parallel()
	m := &fakeModel{chunks: []string{"See #1 and #999 for details. Also #1 again."}}
	s, _ := NewStreamer(m, nil)

	got, err := s.Answer(context.Background(), "q",
		[]retrieval.Result{result("1", "real item", "c")}, &strings.Builder{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(got.Citations) != 1 {
		t.Fatalf("want 1 citation, got %v", got.Citations)
	}
	if got.Citations[0].ID != "1" || got.Citations[0].Title != "real item" {
		t.Errorf("citation: got %+v", got.Citations[0])
	}
}

func Test_Streamer_AppendsReferences(t *testing.T) {
	t.Parallel()
	m := &fakeModel{chunks: []string{"answer text"}}
	s, _ := NewStreamer(m, &StreamerConfig{AppendReferences: true})

	var out strings.Builder
	got, err := s.Answer(context.Background(), "q",
		[]retrieval.Result{result("4", "ref item", "c")}, &out)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !strings.Contains(out.String(), "References:") {
		t.Errorf("writer output missing references: %q", out.String())
	}
	// The reference list is presentation, not answer text.
	if strings.Contains(got.Text, "References:") {
		t.Error("references must not leak into the answer text")
	}
}

func Test_Streamer_StreamFailure(t *testing.T) {
	t.Parallel()
	m := &fakeModel{err: errors.New("model down")}
	s, _ := NewStreamer(m, nil)

	if _, err := s.Answer(context.Background(), "q", nil, &strings.Builder{}); err == nil {
		t.Fatal("want error when the model stream cannot start")
	}
}

func Test_Streamer_EmptyContextStillAnswers(t *testing.T) {
	t.Parallel()
	m := &fakeModel{chunks: []string{"No matching work items were found."}}
	s, _ := NewStreamer(m, nil)

	got, err := s.Answer(context.Background(), "anything about teleportation?", nil, &strings.Builder{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(got.ContextIDs) != 0 || len(got.Citations) != 0 {
		t.Errorf("empty retrieval should yield no context ids or citations: %+v", got)
	}
	if !strings.Contains(m.got[1].Content, "No work items matched") {
		t.Errorf("prompt should state that no items matched: %q", m.got[1].Content)
	}
}
