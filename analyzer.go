package elasticsearch

import (
	"bytes"
	"slices"
	"strings"
)

// Document is a flat map of field names to text values.
type Document map[string]string

// tokenize splits field text into normalized tokens:
// lowercase, separated by whitespace.
func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// normalizeToken folds a single token the same way tokenize does, so
// queries meet the terms the index stores.
func normalizeToken(tok string) string {
	return strings.ToLower(tok)
}

// fieldTerm builds the dictionary term for one token of one field.
// Terms are namespaced by field, the same token in different fields
// stays distinct.
func fieldTerm(field, token string) []byte {
	return []byte(field + ":" + token)
}

func fieldPrefix(field string) []byte {
	return []byte(field + ":")
}

// analyze flattens a document into its unique terms, sorted.
func analyze(doc Document) [][]byte {
	seen := make(map[string]struct{})
	terms := make([][]byte, 0, len(doc))
	for field, text := range doc {
		for _, tok := range tokenize(text) {
			key := field + ":" + tok
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			terms = append(terms, []byte(key))
		}
	}
	slices.SortFunc(terms, bytes.Compare)
	return terms
}
