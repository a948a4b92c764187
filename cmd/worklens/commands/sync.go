package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/worklens-go/internal/logging"
	"github.com/54b3r/worklens-go/internal/reconcile"
)

// NewSyncCmd constructs the `worklens sync` command, which reconciles the
// vector index against the remote work-item catalog.
func NewSyncCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync work items from the catalog into the vector index",
		Long: `Fetch work items from Azure DevOps and reconcile the Qdrant index.

By default a delta sync runs: only items changed since the last recorded
watermark are fetched, and unchanged items (matching checksum) are skipped
without re-embedding. The first sync, or --full, rebuilds from the complete
catalog and removes index entries whose items no longer exist.

Required environment variables:
  AZDO_ORG             Azure DevOps organization name or URL
  AZDO_PROJECT         Project name
  AZDO_PAT             Personal access token with work-item read scope
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  MODEL_PROVIDER       Embedding backend: ollama, openai, azure (default: ollama)

Examples:
  worklens sync
  worklens sync --full
  AZDO_AREA_PATH='Widgets\Platform' worklens sync --full`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			connector, err := buildConnector()
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			emb, backend, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			log.Info("embedder initialised", slog.String("provider", backend))

			store, err := buildIndexStore(ctx, backend)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			defer store.Close()

			states, err := buildStateStore(log)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if states == nil {
				return fmt.Errorf("sync: a state store is required (unset WORKLENS_STATE_DB or point it at a writable path)")
			}
			defer func() { _ = states.Close() }()

			rec, err := buildReconciler(connector, emb, store, states, log)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			mode := reconcile.ModeDelta
			if full {
				mode = reconcile.ModeFull
			}

			report, err := rec.Run(ctx, mode, func(msg string) {
				log.Info(msg)
			})
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			fmt.Printf("sync %s (%s): fetched %d, skipped %d, embedded %d, upserted %d, deleted %d, failed %d in %s\n",
				report.Outcome(), report.Mode,
				report.Fetched, report.Skipped, report.Embedded,
				report.Upserted, report.Deleted, report.Failed(),
				report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

			for _, f := range report.Failures {
				fmt.Printf("  item %s: %v\n", f.ID, f.Err)
			}
			if report.Failed() > 0 {
				return fmt.Errorf("sync: %d item(s) failed; they will be retried on the next run", report.Failed())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Rebuild from the complete catalog instead of a delta sync")

	return cmd
}
