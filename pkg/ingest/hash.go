// Package ingest owns the upload side of the system: parsing, content-hash
// deduplication, chunking, job publication, suggested-question generation,
// and document deletion.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// ContentHash fingerprints document text for deduplication. Case and
// whitespace differences do not change the hash, so a re-export of the same
// material lands on the same document.
func ContentHash(content string) string {
	normalized := strings.ToLower(content)
	normalized = whitespaceRun.ReplaceAllString(normalized, " ")
	normalized = strings.TrimSpace(normalized)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
