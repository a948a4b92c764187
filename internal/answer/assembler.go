// Package answer turns ranked retrieval results into a grounded, streamed
// response: it assembles a token-budgeted context from whole work items,
// streams the model's answer to the caller as it is generated, and extracts
// citations that resolve against the items actually shown to the model.
package answer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/54b3r/worklens-go/internal/budget"
	"github.com/54b3r/worklens-go/internal/retrieval"
)

// Context is the assembled prompt context: the rendered text plus the items
// that made it in. Citations are resolved only against Included.
type Context struct {
	// Text is the rendered context block.
	Text string
	// Included are the results that fit the budget, in context order.
	Included []retrieval.Result
	// Dropped is the number of results that did not fit.
	Dropped int
}

// Assemble renders results into a context block without exceeding maxTokens.
// The budget is spent in rank order (the input order from retrieval), so a
// cheap low-ranked item can never displace a better one. Items are taken
// whole: an item that would overflow the budget is dropped entirely and
// assembly continues with the next one, so the model never sees a truncated
// work item. The included set then renders in ascending id order, matching
// how reviewers read a backlog.
func Assemble(results []retrieval.Result, maxTokens int) Context {
	if maxTokens <= 0 {
		maxTokens = budget.DefaultContextTokens
	}

	var (
		included []retrieval.Result
		dropped  int
		used     int
	)
	for _, r := range results {
		cost := budget.Estimate(renderItem(r))
		if used+cost > maxTokens {
			dropped++
			continue
		}
		used += cost
		included = append(included, r)
	}

	sort.SliceStable(included, func(i, j int) bool {
		return idLess(included[i].ID, included[j].ID)
	})

	var b strings.Builder
	for _, r := range included {
		if b.Len() > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString(renderItem(r))
	}
	return Context{Text: b.String(), Included: included, Dropped: dropped}
}

// renderItem renders one work item as a context block.
func renderItem(r retrieval.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work Item #%s: %s\n", r.ID, r.Title)
	fmt.Fprintf(&b, "Type: %s | State: %s", r.Type, r.State)
	if r.AssignedTo != "" {
		fmt.Fprintf(&b, " | Assigned To: %s", r.AssignedTo)
	}
	if r.Priority != "" {
		fmt.Fprintf(&b, " | Priority: %s", r.Priority)
	}
	if r.Severity != "" {
		fmt.Fprintf(&b, " | Severity: %s", r.Severity)
	}
	b.WriteString("\n")
	if r.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", r.URL)
	}
	b.WriteString(r.Content)
	return b.String()
}

// References renders the reference list appended after a streamed answer.
func References(included []retrieval.Result) string {
	if len(included) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nReferences:\n")
	for _, r := range included {
		fmt.Fprintf(&b, "- #%s: %s (%s)", r.ID, r.Title, r.State)
		if r.URL != "" {
			fmt.Fprintf(&b, " — %s", r.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// idLess orders ids numerically when both parse as integers, falling back to
// lexicographic order.
func idLess(a, b string) bool {
	na, erra := strconv.Atoi(a)
	nb, errb := strconv.Atoi(b)
	if erra == nil && errb == nil {
		return na < nb
	}
	return a < b
}
