package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/54b3r/worklens-go/internal/answer"
	"github.com/54b3r/worklens-go/internal/index"
	"github.com/54b3r/worklens-go/internal/retrieval"
)

// ---------------------------------------------------------------------------
// Fakes shared by the handler tests
// ---------------------------------------------------------------------------

// fakeRetriever implements the retriever interface for tests.
type fakeRetriever struct {
	// results is returned from every Retrieve call.
	results []retrieval.Result
	// err is returned as the error value.
	err error
	// called records whether Retrieve was invoked.
	called bool
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ retrieval.Options) ([]retrieval.Result, error) {
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

// fakeAnswerer implements the answerer interface for tests.
// It writes a fixed response to the writer and returns configurable values.
type fakeAnswerer struct {
	// response is written verbatim to the writer on each Answer call.
	response string
	// citations is returned on the Answered value.
	citations []answer.Citation
	// err is returned as the error value.
	err error
}

func (f *fakeAnswerer) Answer(_ context.Context, _ string, _ []retrieval.Result, w io.Writer) (*answer.Answered, error) {
	if f.err != nil {
		return nil, f.err
	}
	_, _ = fmt.Fprint(w, f.response)
	return &answer.Answered{Text: f.response, Citations: f.citations}, nil
}

// newTestServer builds a *Server via New with fakes filled in for any nil
// dependency. Each call gets a fresh Prometheus registry so metric
// registration never collides across tests.
func newTestServer(t *testing.T, deps *Deps) *Server {
	t.Helper()
	if deps == nil {
		deps = &Deps{}
	}
	if deps.Retriever == nil {
		deps.Retriever = &fakeRetriever{}
	}
	if deps.Answerer == nil {
		deps.Answerer = &fakeAnswerer{}
	}
	s, err := New(deps, &Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.stopRL)
	return s
}

// ---------------------------------------------------------------------------
// POST /api/query — validation error paths
// ---------------------------------------------------------------------------

func TestHandleQuery_MissingQuestion(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/query",
		strings.NewReader(`{"topK":3}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleQuery(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleQuery_InvalidJSON(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/query",
		strings.NewReader(`not-json`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleQuery(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/query — streaming paths (fakes, SSE response)
// ---------------------------------------------------------------------------

// TestHandleQuery_Success verifies that a valid request produces an SSE
// stream with the answer text, a citations event, and a "done" event.
// httptest.ResponseRecorder implements http.Flusher so the handler's flusher
// check passes without a real connection.
func TestHandleQuery_Success(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{results: []retrieval.Result{
		{Document: index.Document{ID: "42", Title: "Checkout times out"}},
	}}
	a := &fakeAnswerer{
		response:  "Work item #42 tracks the checkout timeout.",
		citations: []answer.Citation{{ID: "42", Title: "Checkout times out"}},
	}
	s := newTestServer(t, &Deps{Retriever: r, Answerer: a})

	req := httptest.NewRequest(http.MethodPost, "/api/query",
		strings.NewReader(`{"question":"why does checkout time out?"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleQuery(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "data: Work item #42") {
		t.Errorf("expected answer chunk in body, got: %s", body)
	}
	if !strings.Contains(body, "event: citations") {
		t.Errorf("expected citations event in body, got: %s", body)
	}
	if !strings.Contains(body, "event: done") || !strings.Contains(body, "[DONE]") {
		t.Errorf("expected SSE done event in body, got: %s", body)
	}
}

// TestHandleQuery_GreetingSkipsRetrieval verifies that a pure greeting is
// answered directly without touching the index.
func TestHandleQuery_GreetingSkipsRetrieval(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{}
	s := newTestServer(t, &Deps{Retriever: r, Answerer: &fakeAnswerer{}})

	req := httptest.NewRequest(http.MethodPost, "/api/query",
		strings.NewReader(`{"question":"hello!"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleQuery(w, req)

	if r.called {
		t.Error("greeting should not run retrieval")
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: done") {
		t.Errorf("expected done event in body, got: %s", body)
	}
}

// TestHandleQuery_RetrieverError verifies that a retrieval failure is
// delivered as an in-band SSE error event (the response is already 200 by
// the time the stream fails).
func TestHandleQuery_RetrieverError(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{err: fmt.Errorf("qdrant unavailable")}
	s := newTestServer(t, &Deps{Retriever: r, Answerer: &fakeAnswerer{}})

	req := httptest.NewRequest(http.MethodPost, "/api/query",
		strings.NewReader(`{"question":"open bugs"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleQuery(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event in body, got: %s", body)
	}
	if !strings.Contains(body, "qdrant unavailable") {
		t.Errorf("expected error message in body, got: %s", body)
	}
}

// TestHandleQuery_AnswerError verifies that a model failure mid-stream is
// delivered as an SSE error event.
func TestHandleQuery_AnswerError(t *testing.T) {
	t.Parallel()

	a := &fakeAnswerer{err: fmt.Errorf("LLM unavailable")}
	s := newTestServer(t, &Deps{Retriever: &fakeRetriever{}, Answerer: a})

	req := httptest.NewRequest(http.MethodPost, "/api/query",
		strings.NewReader(`{"question":"open bugs"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleQuery(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event in body, got: %s", body)
	}
	if !strings.Contains(body, "LLM unavailable") {
		t.Errorf("expected error message in body, got: %s", body)
	}
}
