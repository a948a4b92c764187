// Command worklens is the entry point for the WorkLens work-item assistant.
// It provides a CLI interface (via Cobra) and an optional HTTP server that
// exposes retrieval, triage, and sync over a REST/SSE API.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/worklens-go/cmd/worklens/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
