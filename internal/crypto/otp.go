package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// randInt63n returns a cryptographically secure uniform random value in
// [0, max) using rejection sampling via crypto/rand.
func randInt63n(max int64) (int64, error) {
	if max <= 0 {
		return 0, fmt.Errorf("crypto: invalid upper bound %d", max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, fmt.Errorf("crypto: generating random int: %w", err)
	}
	return n.Int64(), nil
}
