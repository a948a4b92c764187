package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/worklens-go/internal/answer"
	"github.com/54b3r/worklens-go/internal/reconcile"
	"github.com/54b3r/worklens-go/internal/retrieval"
	"github.com/54b3r/worklens-go/internal/state"
	"github.com/54b3r/worklens-go/internal/triage"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives the server's Prometheus metrics and backs GET /metrics.
	// If nil a fresh registry is created, keeping tests hermetic.
	Registry *prometheus.Registry
}

// retriever is the interface handleQuery calls to rank work items against a
// question. *retrieval.Engine satisfies it; tests inject a fake.
type retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, error)
}

// answerer is the interface handleQuery calls to stream a grounded answer.
// *answer.Streamer satisfies it; tests inject a fake.
type answerer interface {
	Answer(ctx context.Context, query string, results []retrieval.Result, w io.Writer) (*answer.Answered, error)
}

// triager is the interface handleTriage calls to analyze an item for
// duplicates. *triage.Analyzer satisfies it.
type triager interface {
	Triage(ctx context.Context, itemID string) (*triage.Result, error)
	TriageText(ctx context.Context, description string) (*triage.Result, error)
}

// syncer is the interface handleSync calls to run a reconciliation.
// *reconcile.Reconciler satisfies it.
type syncer interface {
	Run(ctx context.Context, mode reconcile.Mode, progress func(msg string)) (*reconcile.Report, error)
}

// runLog is the read side of the sync state store used by GET /api/sync/status.
type runLog interface {
	State(ctx context.Context) (*state.SyncState, error)
	RecentRuns(ctx context.Context, n int) ([]state.Run, error)
}

// Deps bundles the components the server exposes over HTTP. Retriever and
// Answerer are required; the remaining fields disable their endpoints when nil.
type Deps struct {
	// Retriever ranks work items for /api/query.
	Retriever retriever
	// Answerer streams grounded answers for /api/query.
	Answerer answerer
	// Triager serves /api/triage. Optional.
	Triager triager
	// Syncer serves /api/sync. Optional.
	Syncer syncer
	// Runs serves /api/sync/status. Optional.
	Runs runLog
}

// Server is the HTTP server that exposes retrieval, triage, and sync.
type Server struct {
	// deps holds the wired components behind the API routes.
	deps *Deps
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments registered for this instance.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
	// syncRunning guards the single background sync slot for POST /api/sync.
	syncRunning chan struct{}
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	// Question is the user's natural language question.
	Question string `json:"question"`
	// TopK overrides the number of work items retrieved. Optional.
	TopK int `json:"topK,omitempty"`
}

// triageRequest is the JSON body for POST /api/triage.
// Exactly one of ItemID or Description must be set.
type triageRequest struct {
	// ItemID triages an already-indexed work item by id.
	ItemID string `json:"itemId,omitempty"`
	// Description triages free-form text that is not yet a work item.
	Description string `json:"description,omitempty"`
}

// matchJSON is one similar item in a triage response.
type matchJSON struct {
	// ID is the work item id.
	ID string `json:"id"`
	// Title is the work item title.
	Title string `json:"title"`
	// State is the workflow state.
	State string `json:"state"`
	// URL links to the item in Azure DevOps.
	URL string `json:"url,omitempty"`
	// Score is the similarity to the triaged item.
	Score float64 `json:"score"`
}

// triageResponse is the JSON response for POST /api/triage.
type triageResponse struct {
	// ItemID is the triaged item id, empty for free-form descriptions.
	ItemID string `json:"itemId,omitempty"`
	// Duplicates are same-type items above the duplicate threshold.
	Duplicates []matchJSON `json:"duplicates"`
	// Similar are same-type items between the related floor and the threshold.
	Similar []matchJSON `json:"similar"`
	// Related are user stories the item may belong to.
	Related []matchJSON `json:"related"`
	// Recommendation is the suggested next action.
	Recommendation string `json:"recommendation"`
}

// syncRequest is the JSON body for POST /api/sync.
type syncRequest struct {
	// Mode is "full" or "delta". Defaults to "delta".
	Mode string `json:"mode,omitempty"`
}

// syncAccepted is the JSON response for an accepted POST /api/sync.
type syncAccepted struct {
	// Status is always "started".
	Status string `json:"status"`
	// Mode is the resolved sync mode.
	Mode string `json:"mode"`
}

// runJSON is one sync run in the status response.
type runJSON struct {
	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	// Mode is "full" or "delta".
	Mode string `json:"mode"`
	// Outcome is "ok", "partial", or "error".
	Outcome string `json:"outcome"`
	// Fetched through Failed are the run's item counts.
	Fetched  int `json:"fetched"`
	Embedded int `json:"embedded"`
	Upserted int `json:"upserted"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
	// Error is the failure message for "error" runs.
	Error string `json:"error,omitempty"`
}

// statusResponse is the JSON response for GET /api/sync/status.
type statusResponse struct {
	// LastSync is the current sync watermark; nil before the first sync.
	LastSync *time.Time `json:"lastSync"`
	// ItemCount is the number of items in the index at the last sync.
	ItemCount int `json:"itemCount"`
	// SyncRunning is true while a background sync started by this server
	// instance is in flight.
	SyncRunning bool `json:"syncRunning"`
	// Runs lists recent sync runs, newest first.
	Runs []runJSON `json:"runs"`
}
