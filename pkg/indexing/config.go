// Package indexing extracts and sanitizes the searchable-text
// representation of hypergraph nodes and learned patterns before they are
// handed to pkg/search's BM25 index, shared by the Graph and Pattern
// sources of Quad-Fusion Search.
package indexing

import (
	"strings"
	"unicode"

	"github.com/orneryd/nornicmem/pkg/pool"
)

// SearchableProperties lists the property keys considered when deriving a
// node's or pattern's searchable text, in extraction order.
var SearchableProperties = []string{
	"content",
	"text",
	"title",
	"name",
	"description",
	"path",
	"key",
	"namespace",
	"context",
	"action",
	"tags",
}

// ExtractSearchableText extracts text from a properties map for full-text
// indexing, concatenating every matching SearchableProperties value (in
// list order) with spaces. Non-string and empty values are skipped.
func ExtractSearchableText(properties map[string]interface{}) string {
	b := pool.GetStringBuilder()
	defer pool.PutStringBuilder(b)

	wrote := false
	for _, prop := range SearchableProperties {
		val, ok := properties[prop]
		if !ok {
			continue
		}
		str, ok := val.(string)
		if !ok || len(str) == 0 {
			continue
		}
		if wrote {
			b.WriteByte(' ')
		}
		b.WriteString(str)
		wrote = true
	}

	return b.String()
}

// TokenizeForBM25 tokenizes text for BM25 indexing.
// Simple whitespace + punctuation tokenizer with lowercase.
func TokenizeForBM25(text string) []string {
	text = strings.ToLower(text)

	var tokens []string
	var current strings.Builder

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		}
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}

// SanitizeText cleans text for search by removing invalid Unicode and
// control characters that may have arrived embedded in untrusted node or
// pattern metadata.
func SanitizeText(text string) string {
	if len(text) == 0 {
		return text
	}

	var result strings.Builder
	result.Grow(len(text))

	for _, r := range text {
		// Skip problematic control characters (keep tab, newline, CR)
		if (r >= 0x00 && r <= 0x08) || r == 0x0B || (r >= 0x0E && r <= 0x1F) {
			result.WriteRune(' ')
			continue
		}

		// Skip surrogate pairs (invalid in Go strings)
		if r >= 0xD800 && r <= 0xDFFF {
			result.WriteRune('�')
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}
