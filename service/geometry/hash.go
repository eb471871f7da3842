package geometry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/go-spatial/geom"
	geomwkt "github.com/go-spatial/geom/encoding/wkt"
)

// Hash returns the sha256 hex digest of the WKT form of g.
// It is computed on the original geometry, never on a prepared boundary, so
// the same input always resolves to the same cache slot. It is not
// canonicalized: reordering rings or coordinates yields a different hash.
func Hash(g geom.Geometry) (string, error) {
	wkt, err := geomwkt.EncodeString(g)
	if err != nil {
		return "", fmt.Errorf("Hash.EncodeString: %w", err)
	}
	sum := sha256.Sum256([]byte(wkt))
	return hex.EncodeToString(sum[:]), nil
}
