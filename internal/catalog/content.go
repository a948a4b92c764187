package catalog

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
)

// htmlTagPattern matches HTML/XML tags for stripping. Catalog description
// fields are stored as HTML fragments; the index wants plain text.
var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// whitespacePattern collapses runs of whitespace left behind by tag removal.
var whitespacePattern = regexp.MustCompile(`\s+`)

// StripHTML removes markup from an HTML fragment and normalises whitespace.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = htmlTagPattern.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// Content assembles the full searchable text of a work item: every field a
// question could reasonably match against, joined into one embeddable string.
// The field order is fixed so that identical items produce identical content,
// which in turn makes the checksum stable across syncs.
func (w WorkItem) Content() string {
	parts := []string{
		"Title: " + w.Title,
		"Type: " + string(w.Type),
		"State: " + w.State,
	}
	if w.Description != "" {
		parts = append(parts, "Description: "+w.Description)
	}
	if w.AcceptanceCriteria != "" {
		parts = append(parts, "Acceptance Criteria: "+w.AcceptanceCriteria)
	}
	if w.ReproSteps != "" {
		parts = append(parts, "Repro Steps: "+w.ReproSteps)
	}
	if len(w.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(w.Tags, "; "))
	}
	if w.Priority != "" {
		parts = append(parts, "Priority: "+w.Priority)
	}
	if w.Severity != "" {
		parts = append(parts, "Severity: "+w.Severity)
	}
	if w.AssignedTo != "" {
		parts = append(parts, "Assigned To: "+w.AssignedTo)
	}
	if w.Comments != "" {
		parts = append(parts, "Comments: "+w.Comments)
	}
	return strings.Join(parts, "\n\n")
}

// Checksum returns a deterministic digest of the item's assembled content.
// The reconciler compares it against the indexed checksum to skip re-embedding
// items that were refetched but not actually changed.
func (w WorkItem) Checksum() string {
	h := sha256.Sum256([]byte(w.Content()))
	return fmt.Sprintf("%x", h[:16])
}
