package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/worklens-go/internal/logging"
	"github.com/54b3r/worklens-go/internal/provider"
	"github.com/54b3r/worklens-go/internal/triage"
)

// NewTriageCmd constructs the `worklens triage` command, which finds
// duplicate and related work items for an existing item or a draft
// description.
func NewTriageCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "triage [item-id]",
		Short: "Find duplicate and related work items",
		Long: `Analyze a work item against the index and report likely duplicates,
similar items of the same type, and related requirement stories, together
with a short model recommendation.

Pass either an indexed item id, or --description to triage a draft that has
not been filed yet.

Examples:
  worklens triage 1432
  worklens triage --description "Save button crashes the editor on large files"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			if (len(args) == 0) == (description == "") {
				return fmt.Errorf("triage: pass exactly one of an item id or --description")
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("triage: failed to initialise model provider: %w", err)
			}

			emb, backend, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("triage: %w", err)
			}

			store, err := buildIndexStore(ctx, backend)
			if err != nil {
				return fmt.Errorf("triage: %w", err)
			}
			defer store.Close()

			analyzer, err := triage.New(store, emb, chatModel, &triage.Config{
				DuplicateThreshold: getEnvFloat("TRIAGE_DUPLICATE_THRESHOLD", 0),
				RelatedFloor:       getEnvFloat("TRIAGE_RELATED_FLOOR", 0),
			})
			if err != nil {
				return fmt.Errorf("triage: %w", err)
			}

			var res *triage.Result
			if len(args) == 1 {
				res, err = analyzer.Triage(ctx, args[0])
			} else {
				res, err = analyzer.TriageText(ctx, description)
			}
			if err != nil {
				return fmt.Errorf("triage: %w", err)
			}

			printTriageResult(res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Draft description to triage instead of an indexed item")

	return cmd
}

// printTriageResult renders a triage analysis to stdout.
func printTriageResult(res *triage.Result) {
	if res.Item != nil {
		fmt.Printf("Triage for #%s — %s [%s / %s]\n\n", res.Item.ID, res.Item.Title, res.Item.Type, res.Item.State)
	} else {
		fmt.Printf("Triage for draft description\n\n")
	}

	printMatchSection("Likely duplicates", res.Duplicates)
	printMatchSection("Similar items", res.Similar)
	printMatchSection("Related stories", res.Related)

	if res.Recommendation != "" {
		fmt.Printf("Recommendation:\n%s\n", res.Recommendation)
	}
}

// printMatchSection renders one scored match list, skipping empty sections.
func printMatchSection(heading string, matches []triage.Match) {
	if len(matches) == 0 {
		return
	}
	fmt.Printf("%s:\n", heading)
	for _, m := range matches {
		fmt.Printf("  %.2f  #%-6s %s [%s]\n", m.Score, m.ID, m.Title, m.State)
		if m.URL != "" {
			fmt.Printf("        %s\n", m.URL)
		}
	}
	fmt.Println()
}
