package record

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeContent canonicalizes text for exact-duplicate detection:
// lowercase, punctuation trimmed at token edges, whitespace collapsed.
func NormalizeContent(content string) string {
	fields := strings.Fields(strings.ToLower(content))
	normalized := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimFunc(field, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return strings.Join(normalized, " ")
}

// Fingerprint returns the content fingerprint: sha256 over the normalized
// text, hex encoded. Two records with equal fingerprints are exact
// duplicates regardless of casing, punctuation, or spacing.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}
