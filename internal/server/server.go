// Package server implements the HTTP server that exposes work-item retrieval,
// duplicate triage, and catalog sync via a REST/SSE API.
// The server is started by the `worklens serve` CLI command.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/worklens-go/internal/index"
	"github.com/54b3r/worklens-go/internal/logging"
	"github.com/54b3r/worklens-go/internal/reconcile"
	"github.com/54b3r/worklens-go/internal/retrieval"
	"github.com/54b3r/worklens-go/internal/triage"
)

// statusRunLimit is the number of recent sync runs returned by /api/sync/status.
const statusRunLimit = 10

// greetingReply is streamed for pure greetings instead of running retrieval.
const greetingReply = `Hello! Ask me about the work items in this project — ` +
	`for example "what are the open critical bugs?" or "show me #123".`

// New constructs a Server from the provided dependencies and config.
func New(deps *Deps, cfg *Config) (*Server, error) {
	if deps == nil || deps.Retriever == nil || deps.Answerer == nil {
		return nil, fmt.Errorf("server: retriever and answerer must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		deps:        deps,
		cfg:         cfg,
		log:         cfg.Logger,
		pingers:     cfg.Pingers,
		metrics:     newServerMetrics(cfg.Registry),
		syncRunning: make(chan struct{}, 1),
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.Logger)
	s.stopRL = stopRL

	if cfg.APIKey == "" {
		cfg.Logger.Warn("server: WORKLENS_API_KEY not set — API authentication disabled")
	}

	// protected wraps an API handler with auth and the per-IP rate limit.
	protected := func(name string, h http.HandlerFunc) http.Handler {
		return authMiddleware(cfg.APIKey, rl.middleware(s.instrument(name, h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/query", protected("query", s.handleQuery))
	mux.Handle("POST /api/triage", protected("triage", s.handleTriage))
	mux.Handle("POST /api/sync", protected("sync", s.handleSync))
	mux.Handle("GET /api/sync/status", protected("sync_status", s.handleSyncStatus))
	mux.Handle("GET /api/health", s.instrument("health", s.handleHealth))
	mux.Handle("GET /api/ready", s.instrument("ready", s.handleReady))
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(cfg.Logger, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleQuery handles POST /api/query requests. It streams the grounded
// answer using Server-Sent Events (SSE) so clients can render tokens as
// they arrive, then emits a citations event and a done event.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// sseWriter wraps the ResponseWriter to emit SSE-formatted data events.
	sw := &sseWriter{w: w, flusher: flusher}

	s.metrics.queryActiveStreams.Inc()
	start := time.Now()
	outcome := "ok"
	defer func() {
		s.metrics.queryActiveStreams.Dec()
		s.metrics.queryRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.queryDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	// Pure greetings skip retrieval entirely.
	if retrieval.Parse(req.Question).Greeting {
		sw.Write([]byte(greetingReply))
		fmt.Fprintf(w, "event: done\ndata: [DONE]\n\n")
		flusher.Flush()
		return
	}

	results, err := s.deps.Retriever.Retrieve(r.Context(), req.Question, retrieval.Options{TopK: req.TopK})
	if err != nil {
		outcome = streamOutcome(r.Context(), err)
		writeSSEError(w, flusher, err)
		return
	}

	ans, err := s.deps.Answerer.Answer(r.Context(), req.Question, results, sw)
	if err != nil {
		outcome = streamOutcome(r.Context(), err)
		writeSSEError(w, flusher, err)
		return
	}

	if len(ans.Citations) > 0 {
		if data, err := json.Marshal(ans.Citations); err == nil {
			fmt.Fprintf(w, "event: citations\ndata: %s\n\n", data)
		}
	}
	// Signal stream completion.
	fmt.Fprintf(w, "event: done\ndata: [DONE]\n\n")
	flusher.Flush()
}

// handleTriage handles POST /api/triage requests. It analyzes one work item,
// or a free-form description, against the index and returns duplicates,
// similar items, related stories, and a recommendation.
func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Triager == nil {
		http.Error(w, "triage is not configured", http.StatusServiceUnavailable)
		return
	}

	var req triageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	hasID := strings.TrimSpace(req.ItemID) != ""
	hasText := strings.TrimSpace(req.Description) != ""
	if hasID == hasText {
		http.Error(w, "exactly one of itemId or description is required", http.StatusBadRequest)
		return
	}

	var (
		res *triage.Result
		err error
	)
	if hasID {
		res, err = s.deps.Triager.Triage(r.Context(), req.ItemID)
	} else {
		res, err = s.deps.Triager.TriageText(r.Context(), req.Description)
	}
	if err != nil {
		s.metrics.triageRequestsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, index.ErrNotFound) {
			http.Error(w, "work item not found", http.StatusNotFound)
			return
		}
		log := logging.FromContext(r.Context())
		log.Error("triage failed", slog.Any("error", err))
		http.Error(w, "triage failed", http.StatusInternalServerError)
		return
	}
	s.metrics.triageRequestsTotal.WithLabelValues("ok").Inc()

	resp := triageResponse{
		Duplicates:     matchesJSON(res.Duplicates),
		Similar:        matchesJSON(res.Similar),
		Related:        matchesJSON(res.Related),
		Recommendation: res.Recommendation,
	}
	if res.Item != nil {
		resp.ItemID = res.Item.ID
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleSync handles POST /api/sync. The reconciliation runs in the
// background; only one sync started through this server can be in flight
// at a time, and a second request receives 409 Conflict.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		http.Error(w, "sync is not configured", http.StatusServiceUnavailable)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode := reconcile.ModeDelta
	switch req.Mode {
	case "", "delta":
	case "full":
		mode = reconcile.ModeFull
	default:
		http.Error(w, "mode must be \"full\" or \"delta\"", http.StatusBadRequest)
		return
	}

	select {
	case s.syncRunning <- struct{}{}:
	default:
		http.Error(w, "a sync is already running", http.StatusConflict)
		return
	}

	log := s.log.With(slog.String("mode", string(mode)))
	go func() {
		defer func() { <-s.syncRunning }()

		// The sync must outlive the HTTP request.
		ctx := logging.WithLogger(context.Background(), log)
		report, err := s.deps.Syncer.Run(ctx, mode, func(msg string) {
			log.Info("sync progress", slog.String("msg", msg))
		})
		if err != nil {
			s.metrics.syncRunsTotal.WithLabelValues(string(mode), "error").Inc()
			log.Error("background sync failed", slog.Any("error", err))
			return
		}
		s.metrics.syncRunsTotal.WithLabelValues(string(mode), report.Outcome()).Inc()
		log.Info("background sync finished",
			slog.String("outcome", report.Outcome()),
			slog.Int("fetched", report.Fetched),
			slog.Int("upserted", report.Upserted),
			slog.Int("deleted", report.Deleted),
			slog.Int("failed", len(report.Failures)),
		)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(syncAccepted{Status: "started", Mode: string(mode)})
}

// handleSyncStatus handles GET /api/sync/status. It reports the sync
// watermark and the most recent runs, newest first.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		http.Error(w, "sync state is not configured", http.StatusServiceUnavailable)
		return
	}

	log := logging.FromContext(r.Context())

	resp := statusResponse{
		SyncRunning: len(s.syncRunning) > 0,
		Runs:        []runJSON{},
	}

	st, err := s.deps.Runs.State(r.Context())
	if err != nil {
		log.Error("sync status: load state", slog.Any("error", err))
		http.Error(w, "failed to load sync state", http.StatusInternalServerError)
		return
	}
	if st != nil {
		resp.LastSync = &st.LastSync
		resp.ItemCount = st.ItemCount
	}

	runs, err := s.deps.Runs.RecentRuns(r.Context(), statusRunLimit)
	if err != nil {
		log.Error("sync status: load runs", slog.Any("error", err))
		http.Error(w, "failed to load sync runs", http.StatusInternalServerError)
		return
	}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runJSON{
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Mode:       run.Mode,
			Outcome:    run.Outcome,
			Fetched:    run.Fetched,
			Embedded:   run.Embedded,
			Upserted:   run.Upserted,
			Deleted:    run.Deleted,
			Failed:     run.Failed,
			Error:      run.Error,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// matchesJSON converts triage matches to their wire form.
func matchesJSON(in []triage.Match) []matchJSON {
	out := make([]matchJSON, 0, len(in))
	for _, m := range in {
		out = append(out, matchJSON{
			ID:    m.ID,
			Title: m.Title,
			State: m.State,
			URL:   m.URL,
			Score: m.Score,
		})
	}
	return out
}

// streamOutcome classifies a streaming failure for metrics.
func streamOutcome(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// writeSSEError emits an SSE error event. The HTTP status is already 200 by
// the time a stream fails, so the error travels in-band.
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	flusher.Flush()
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line chunks never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	lines := strings.Split(chunk, "\n")
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = fmt.Fprint(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}
