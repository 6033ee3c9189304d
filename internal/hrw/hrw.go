// Package hrw implements the scoring kernel for rendezvous (highest random
// weight) hashing. Node selection lives one layer up; this package only turns
// (key, node) pairs into comparable scores.
package hrw

import (
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"
)

// Score64 returns the rendezvous score of key on the given node.
// seed is optional (e.g., a cluster name) to avoid cross-cluster collisions.
func Score64(key []byte, node string, seed string) uint64 {
	// 8-byte digest => uint64 score
	h, _ := blake2b.New(8, nil)

	// Optional personalization via including seed in the input.
	// (Go's blake2b supports "config" personalization only via x/crypto; this is fine.)
	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}

	h.Write(key)
	h.Write([]byte{0})
	h.Write([]byte(node))

	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum)
}

// Weighted maps a raw score onto a node weight using the logarithmic method:
// -w / ln(score/2^64). The mapping is strictly increasing in score, so under
// equal weights the weighted ordering and the raw uint64 ordering agree.
func Weighted(score uint64, weight float64) float64 {
	u := float64(score) / (1 << 64)
	switch {
	case u <= 0:
		return 0
	case u >= 1:
		// float64(MaxUint64) rounds up to exactly 2^64
		return math.Inf(1)
	}
	return -weight / math.Log(u)
}
