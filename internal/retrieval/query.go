package retrieval

import (
	"regexp"
	"strings"

	"github.com/54b3r/worklens-go/internal/index"
)

// ParsedQuery is the structured reading of a free-text question: explicit
// item ids, metadata filters implied by the phrasing, and whether the
// question asks for a count or listing rather than an explanation.
type ParsedQuery struct {
	// IDs are work-item ids referenced explicitly (#123, WI-123, "work item 123").
	IDs []string
	// Filter holds the metadata predicates implied by the question.
	Filter index.Filter
	// Count is true when the question asks "how many" / "list all" style
	// questions, which want wider retrieval.
	Count bool
	// Greeting is true for plain conversational openers that need no
	// retrieval at all.
	Greeting bool
}

// typeTerm maps a question phrase to a work-item type. Ordered: multi-word
// phrases come before their substrings so "user stories" resolves to
// User Story, not Task or a partial match.
type typeTerm struct {
	term     string
	itemType string
}

var typeTerms = []typeTerm{
	{"user story", "User Story"},
	{"user stories", "User Story"},
	{"story", "User Story"},
	{"stories", "User Story"},
	{"bug", "Bug"},
	{"bugs", "Bug"},
	{"issue", "Bug"},
	{"issues", "Bug"},
	{"defect", "Bug"},
	{"defects", "Bug"},
	{"task", "Task"},
	{"tasks", "Task"},
	{"epic", "Epic"},
	{"epics", "Epic"},
	{"feature", "Feature"},
	{"features", "Feature"},
}

// stateTerms maps question phrases to workflow states. First match wins.
var stateTerms = []typeTerm{
	{"closed", "Closed"},
	{"resolved", "Resolved"},
	{"completed", "Closed"},
	{"done", "Closed"},
	{"in progress", "Active"},
	{"active", "Active"},
	{"open", "Active"},
	{"new", "New"},
}

// priorityTerms maps question phrases to priority tiers. First match wins.
var priorityTerms = []typeTerm{
	{"priority 1", "1"},
	{"p1", "1"},
	{"highest priority", "1"},
	{"priority 2", "2"},
	{"p2", "2"},
	{"high priority", "2"},
	{"priority 3", "3"},
	{"p3", "3"},
	{"medium priority", "3"},
	{"priority 4", "4"},
	{"p4", "4"},
	{"low priority", "4"},
}

// severityTerms maps question phrases to severity labels. First match wins.
var severityTerms = []typeTerm{
	{"critical", "1 - Critical"},
	{"severity 1", "1 - Critical"},
	{"high severity", "2 - High"},
	{"severity 2", "2 - High"},
	{"medium severity", "3 - Medium"},
	{"severity 3", "3 - Medium"},
	{"low severity", "4 - Low"},
	{"severity 4", "4 - Low"},
}

// idPatterns match explicit work-item references in a question.
var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`#(\d+)`),
	regexp.MustCompile(`(?i)WI-(\d+)`),
	regexp.MustCompile(`(?i)work\s*item\s*#?(\d+)`),
	regexp.MustCompile(`(?i)\bitem\s*#?(\d+)`),
}

// countPatterns detect count/list intent.
var countPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhow many\b`),
	regexp.MustCompile(`\bcount\b`),
	regexp.MustCompile(`\bnumber of\b`),
	regexp.MustCompile(`\blist all\b`),
	regexp.MustCompile(`\bshow all\b`),
	regexp.MustCompile(`\bgive me all\b`),
	regexp.MustCompile(`\btotal\b`),
}

// greetings are standalone conversational openers.
var greetings = []string{
	"hi", "hello", "hey", "greetings",
	"good morning", "good afternoon", "good evening",
	"thanks", "thank you", "how are you",
}

// Parse reads a free-text question into its structured form. Parsing is
// purely lexical: a fixed rule table, no model calls.
func Parse(question string) ParsedQuery {
	var p ParsedQuery
	lower := strings.ToLower(strings.TrimSpace(question))

	p.Greeting = isGreeting(lower)
	if p.Greeting {
		return p
	}

	p.IDs = ExtractIDs(question)
	p.Count = matchesAny(lower, countPatterns)

	if t := matchTerm(lower, typeTerms); t != "" {
		p.Filter.Types = []string{t}
	}
	if s := matchTerm(lower, stateTerms); s != "" {
		p.Filter.States = []string{s}
	}
	if pr := matchTerm(lower, priorityTerms); pr != "" {
		p.Filter.Priorities = []string{pr}
	}
	if sv := matchTerm(lower, severityTerms); sv != "" {
		p.Filter.Severities = []string{sv}
	}
	p.Filter.IDs = p.IDs
	return p
}

// ExtractIDs returns the work-item ids referenced in the text, de-duplicated
// in first-seen order.
func ExtractIDs(text string) []string {
	var ids []string
	seen := map[string]struct{}{}
	for _, re := range idPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			id := m[1]
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// matchTerm returns the mapped value of the first term found in the question
// as a whole word (or phrase), or empty.
func matchTerm(lower string, terms []typeTerm) string {
	for _, t := range terms {
		if matchWord(lower, t.term) {
			return t.itemType
		}
	}
	return ""
}

// matchWord reports whether the phrase occurs in s on word boundaries.
func matchWord(s, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		before := start == 0 || !isWordByte(s[start-1])
		after := end == len(s) || !isWordByte(s[end])
		if before && after {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func matchesAny(lower string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// isGreeting reports whether the text is only a conversational opener.
func isGreeting(lower string) bool {
	lower = strings.TrimRight(lower, "!. ")
	for _, g := range greetings {
		if lower == g || strings.HasPrefix(lower, g+" ") || strings.HasPrefix(lower, g+",") {
			// "hi, how many bugs..." is a real question, not a greeting.
			rest := strings.TrimLeft(strings.TrimPrefix(lower, g), ", ")
			if len(rest) > 20 {
				return false
			}
			return true
		}
	}
	return false
}
