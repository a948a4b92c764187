package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/worklens-go/internal/logging"
	"github.com/54b3r/worklens-go/internal/server"
)

// statusRunLimit is the number of recent sync runs printed.
const statusRunLimit = 10

// NewStatusCmd constructs the `worklens status` command, which prints the
// sync watermark and recent run history from the local state store, and
// optionally probes the configured dependencies.
func NewStatusCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync watermark and recent run history",
		Long: `Show when the last sync completed, how many items are indexed, and the
outcome of recent runs.

With --check, the catalog, Qdrant, and embedding backend are each probed
with a minimal request and the result of every probe is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			if check {
				if err := runConnectionChecks(cmd, log); err != nil {
					return err
				}
				fmt.Println()
			}

			states, err := buildStateStore(log)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if states == nil {
				return fmt.Errorf("status: no state store configured (WORKLENS_STATE_DB=disabled)")
			}
			defer func() { _ = states.Close() }()

			st, err := states.State(ctx)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if st == nil {
				fmt.Println("No sync has completed yet. Run 'worklens sync --full' first.")
			} else {
				fmt.Printf("Last sync: %s (%d items indexed)\n",
					st.LastSync.Local().Format(time.RFC1123), st.ItemCount)
			}

			runs, err := states.RecentRuns(ctx, statusRunLimit)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if len(runs) == 0 {
				return nil
			}

			fmt.Printf("\nRecent runs:\n")
			fmt.Printf("  %-20s %-6s %-8s %8s %8s %8s %8s %8s\n",
				"STARTED", "MODE", "OUTCOME", "FETCHED", "EMBEDDED", "UPSERTED", "DELETED", "FAILED")
			for _, r := range runs {
				fmt.Printf("  %-20s %-6s %-8s %8d %8d %8d %8d %8d\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Mode, r.Outcome,
					r.Fetched, r.Embedded, r.Upserted, r.Deleted, r.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Probe the catalog, index, and embedding backend")

	return cmd
}

// runConnectionChecks probes each configured dependency with a minimal
// request and prints a line per probe. A failed probe does not abort the
// remaining ones; the first failure is returned at the end.
func runConnectionChecks(cmd *cobra.Command, log *slog.Logger) error {
	ctx := cmd.Context()

	var pingers []server.Pinger

	connector, err := buildConnector()
	if err != nil {
		fmt.Printf("catalog   skipped: %v\n", err)
	} else {
		pingers = append(pingers, server.NewCatalogPinger(connector))
	}

	emb, backend, err := buildEmbedder(log)
	if err != nil {
		fmt.Printf("embedder  skipped: %v\n", err)
	} else {
		pingers = append(pingers, server.NewEmbedderPinger(emb, backend))

		store, storeErr := buildIndexStore(ctx, backend)
		if storeErr != nil {
			fmt.Printf("qdrant    failed: %v\n", storeErr)
			err = storeErr
		} else {
			defer store.Close()
			pingers = append(pingers, server.NewQdrantPinger(store.Client()))
		}
	}

	var firstErr error
	if err != nil {
		firstErr = err
	}
	for _, p := range pingers {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pErr := p.Ping(probeCtx)
		cancel()
		if pErr != nil {
			fmt.Printf("%-9s failed: %v\n", p.Name(), pErr)
			if firstErr == nil {
				firstErr = fmt.Errorf("status: %s probe failed: %w", p.Name(), pErr)
			}
			continue
		}
		fmt.Printf("%-9s ok\n", p.Name())
	}
	return firstErr
}
