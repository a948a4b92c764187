package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/54b3r/worklens-go/internal/answer"
	"github.com/54b3r/worklens-go/internal/logging"
	"github.com/54b3r/worklens-go/internal/provider"
	"github.com/54b3r/worklens-go/internal/retrieval"
	"github.com/54b3r/worklens-go/internal/server"
	"github.com/54b3r/worklens-go/internal/tracing"
	"github.com/54b3r/worklens-go/internal/triage"
)

// envRetriever layers the RETRIEVAL_* environment tunables under each
// request's options; a request TopK overrides the environment default.
type envRetriever struct {
	engine *retrieval.Engine
	base   retrieval.Options
}

func (r *envRetriever) Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, error) {
	merged := r.base
	if opts.TopK > 0 {
		merged.TopK = opts.TopK
	}
	return r.engine.Retrieve(ctx, query, merged) //nolint:wrapcheck // thin adapter, engine errors carry package context
}

// NewServeCmd constructs the `worklens serve` command, which starts the HTTP
// server exposing retrieval, triage, and sync over a REST/SSE API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WorkLens HTTP server",
		Long: `Start the WorkLens HTTP server on localhost.

The server answers questions over SSE (POST /api/query), triages items for
duplicates (POST /api/triage), and runs background syncs (POST /api/sync).
Set WORKLENS_API_KEY to require Bearer authentication on the API routes.

Examples:
  worklens serve
  worklens serve --port 9090
  MODEL_PROVIDER=azure worklens serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}

			emb, backend, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			log.Info("embedder initialised", slog.String("provider", backend))

			store, err := buildIndexStore(ctx, backend)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer store.Close()

			engine, err := retrieval.NewEngine(emb, store)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			streamer, err := answer.NewStreamer(chatModel, &answer.StreamerConfig{
				MaxContextTokens: getEnvInt("ANSWER_MAX_CONTEXT_TOKENS", 0),
				// Citations travel as a dedicated SSE event, not inline text.
				AppendReferences: false,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			analyzer, err := triage.New(store, emb, chatModel, &triage.Config{
				DuplicateThreshold: getEnvFloat("TRIAGE_DUPLICATE_THRESHOLD", 0),
				RelatedFloor:       getEnvFloat("TRIAGE_RELATED_FLOOR", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			deps := &server.Deps{
				Retriever: &envRetriever{engine: engine, base: retrievalOptionsFromEnv()},
				Answerer:  streamer,
				Triager:   analyzer,
			}

			pingers := []server.Pinger{
				server.NewQdrantPinger(store.Client()),
				server.NewEmbedderPinger(emb, backend),
			}

			// The catalog and the sync endpoints are optional: without AZDO_*
			// credentials the server still answers and triages from the
			// existing index.
			connector, err := buildConnector()
			if err != nil {
				log.Warn("sync endpoints disabled", slog.Any("reason", err))
			} else {
				states, stErr := buildStateStore(log)
				if stErr != nil {
					return fmt.Errorf("serve: %w", stErr)
				}
				if states == nil {
					log.Warn("sync endpoints disabled", slog.String("reason", "state store disabled"))
				} else {
					defer func() { _ = states.Close() }()

					rec, recErr := buildReconciler(connector, emb, store, states, log)
					if recErr != nil {
						return fmt.Errorf("serve: %w", recErr)
					}
					deps.Syncer = rec
					deps.Runs = states
					pingers = append(pingers, server.NewCatalogPinger(connector))
				}
			}

			srv, err := server.New(deps, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: pingers,
				APIKey:  os.Getenv("WORKLENS_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
