package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/54b3r/worklens-go/internal/answer"
	"github.com/54b3r/worklens-go/internal/logging"
	"github.com/54b3r/worklens-go/internal/provider"
	"github.com/54b3r/worklens-go/internal/retrieval"
)

// askGreetingReply is printed for pure greetings instead of running retrieval.
const askGreetingReply = "Hello! Ask me about the work items in this project — " +
	"for example \"what open bugs mention the save dialog?\" or \"summarize WI-1432\"."

// NewAskCmd constructs the `worklens ask` command, which answers a single
// natural language question from the indexed work items and streams the
// response to stdout.
func NewAskCmd() *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about the indexed work items",
		Long: `Ask a natural language question about the synced work items.

The question is answered strictly from the indexed items: relevant items are
retrieved with hybrid vector/keyword search, assembled into context, and the
model's answer streams to stdout with a reference list of the cited items.
Mention an item directly (e.g. "#1432" or "WI-1432") to pin it into context.

Examples:
  worklens ask "what open bugs mention the save dialog?"
  worklens ask "summarize WI-1432 and anything related to it"
  worklens ask --top-k 10 "which stories cover the export feature?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			question := args[0]

			if retrieval.Parse(question).Greeting {
				fmt.Println(askGreetingReply)
				return nil
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			emb, backend, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			store, err := buildIndexStore(ctx, backend)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer store.Close()

			engine, err := retrieval.NewEngine(emb, store)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			opts := retrievalOptionsFromEnv()
			if topK > 0 {
				opts.TopK = topK
			}

			results, err := engine.Retrieve(ctx, question, opts)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			streamer, err := answer.NewStreamer(chatModel, &answer.StreamerConfig{
				MaxContextTokens: getEnvInt("ANSWER_MAX_CONTEXT_TOKENS", 0),
				AppendReferences: os.Getenv("ANSWER_REFERENCES") != "false",
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			ans, err := streamer.Answer(ctx, question, results, os.Stdout)
			fmt.Println()
			if err != nil {
				return err //nolint:wrapcheck // CLI entry point — error goes directly to cobra
			}
			log.Debug("answer complete",
				"prompt_tokens", ans.PromptTokens,
				"context_items", len(ans.ContextIDs),
				"dropped", ans.Dropped)
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of work items to retrieve as context")

	return cmd
}
