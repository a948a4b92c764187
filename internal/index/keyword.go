package index

import (
	"strings"
	"unicode"
)

// stopTerms are query words too common to contribute to keyword matching.
var stopTerms = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"in": true, "on": true, "for": true, "to": true, "with": true, "is": true,
	"are": true, "all": true, "any": true, "me": true, "show": true,
	"list": true, "find": true, "what": true, "which": true, "items": true,
	"item": true, "work": true,
}

// KeywordScore returns the fraction of meaningful query terms that appear in
// the document text, in [0,1]. It is a deliberately simple lexical overlap
// measure: the index's vector search carries the semantic load, and this
// score only boosts candidates that literally mention the query's terms.
func KeywordScore(text, query string) float64 {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return 0
	}

	lower := strings.ToLower(text)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// queryTerms tokenizes a query into lowercase terms, dropping stop words and
// fragments shorter than two characters.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopTerms[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}
