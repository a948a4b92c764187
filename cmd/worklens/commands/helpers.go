package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/54b3r/worklens-go/internal/catalog"
	"github.com/54b3r/worklens-go/internal/embedder"
	"github.com/54b3r/worklens-go/internal/index"
	"github.com/54b3r/worklens-go/internal/reconcile"
	"github.com/54b3r/worklens-go/internal/retrieval"
	"github.com/54b3r/worklens-go/internal/state"
)

// getEnvOrDefault returns the env var value or fallback when unset/empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the env var parsed as int, or fallback when unset or
// unparseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvFloat returns the env var parsed as float64, or fallback when unset
// or unparseable.
func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// buildConnector constructs the Azure DevOps connector from the AZDO_*
// environment. AZDO_ORG accepts either a bare organization name or a full
// organization URL.
func buildConnector() (*catalog.AzureDevOpsConnector, error) {
	org := os.Getenv("AZDO_ORG")
	if org == "" {
		return nil, fmt.Errorf("AZDO_ORG is not set (organization name or URL)")
	}
	orgURL := org
	if !strings.HasPrefix(orgURL, "http://") && !strings.HasPrefix(orgURL, "https://") {
		orgURL = "https://dev.azure.com/" + org
	}

	var types []string
	if raw := os.Getenv("AZDO_WORK_ITEM_TYPES"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	connector, err := catalog.NewAzureDevOpsConnector(&catalog.AzureDevOpsConfig{
		OrgURL:   orgURL,
		Project:  os.Getenv("AZDO_PROJECT"),
		PAT:      os.Getenv("AZDO_PAT"),
		AreaPath: os.Getenv("AZDO_AREA_PATH"),
		Types:    types,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise catalog connector: %w", err)
	}
	return connector, nil
}

// buildEmbedder validates the embedding configuration and constructs the
// client. The returned backend name labels the embedder in logs and probes.
func buildEmbedder(log *slog.Logger) (embedder.Embedder, string, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, "", err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, "", fmt.Errorf("failed to initialise embedder: %w", err)
	}
	backend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
	return emb, backend, nil
}

// buildIndexStore connects to Qdrant using the QDRANT_* environment. The
// collection vector size is derived from the embedding backend.
func buildIndexStore(ctx context.Context, backend string) (*index.QdrantStore, error) {
	host := getEnvOrDefault("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)

	store, err := index.NewQdrantStore(ctx, &index.QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: getEnvOrDefault("QDRANT_COLLECTION", "worklens-items"),
		VectorSize: uint64(embedder.DefaultDimensions(backend)), //nolint:gosec // dimensions are bounded
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}
	return store, nil
}

// buildStateStore opens the sync-state database. WORKLENS_STATE_DB overrides
// the default path (~/.worklens/state.db); set to "disabled" to run without
// one, in which case (nil, nil) is returned.
func buildStateStore(log *slog.Logger) (*state.SQLiteStore, error) {
	path := os.Getenv("WORKLENS_STATE_DB")
	if path == "disabled" {
		log.Info("state store disabled via WORKLENS_STATE_DB=disabled")
		return nil, nil
	}
	if path == "" {
		var err error
		path, err = state.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve state db path: %w", err)
		}
	}
	st, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db at %s: %w", path, err)
	}
	log.Info("state store opened", slog.String("path", path))
	return st, nil
}

// buildReconciler assembles the sync pipeline from already-built
// dependencies, applying the SYNC_* environment tunables.
func buildReconciler(connector catalog.Connector, emb embedder.Embedder, store index.Store, states state.Store, log *slog.Logger) (*reconcile.Reconciler, error) {
	batcher := embedder.NewBatcher(emb, &embedder.BatcherConfig{
		MaxBatchSize: getEnvInt("SYNC_EMBED_BATCH_SIZE", 0),
		Logger:       log,
	})

	rec, err := reconcile.New(connector, batcher, store, states, &reconcile.Config{
		UpsertBatchSize:  getEnvInt("SYNC_BATCH_SIZE", 0),
		DeltaDeleteCheck: os.Getenv("SYNC_DELTA_DELETE_CHECK") != "false",
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}
	return rec, nil
}

// retrievalOptionsFromEnv builds the baseline retrieval options from the
// RETRIEVAL_* environment. Zero values defer to the engine's defaults.
func retrievalOptionsFromEnv() retrieval.Options {
	return retrieval.Options{
		TopK:           getEnvInt("RETRIEVAL_TOP_K", 0),
		VectorWeight:   getEnvFloat("RETRIEVAL_VECTOR_WEIGHT", 0),
		KeywordWeight:  getEnvFloat("RETRIEVAL_KEYWORD_WEIGHT", 0),
		MinVectorScore: getEnvFloat("RETRIEVAL_MIN_VECTOR_SCORE", 0),
		RankFusion:     os.Getenv("RETRIEVAL_RANK_FUSION") == "true",
	}
}
