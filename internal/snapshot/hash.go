package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/aegis-grc/aegis/internal/graph"
)

// ComputeHash returns the hex SHA-256 of the RFC 8785 canonical JSON form of
// the graph. Canonicalization keeps the hash independent of map ordering, so
// identical graphs always hash identically.
func ComputeHash(g graph.Graph) (string, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal graph: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("snapshot: canonicalize graph: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
