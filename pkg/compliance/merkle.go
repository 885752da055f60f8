package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MerkleRoot computes an RFC 6962 style root over hex digests. Leaves are
// hashed with a 0x00 prefix and interior nodes with 0x01; an odd node is
// promoted unchanged. The root of no leaves is SHA-256 of the empty string.
func MerkleRoot(digests []string) (string, error) {
	if len(digests) == 0 {
		sum := sha256.Sum256(nil)

		return hex.EncodeToString(sum[:]), nil
	}

	level := make([][]byte, len(digests))

	for i, d := range digests {
		raw, err := hex.DecodeString(d)
		if err != nil {
			return "", fmt.Errorf("leaf %d is not hex: %w", i, err)
		}

		h := sha256.New()
		h.Write([]byte{0x00})
		h.Write(raw)
		level[i] = h.Sum(nil)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)

		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])

				continue
			}

			h := sha256.New()
			h.Write([]byte{0x01})
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}

		level = next
	}

	return hex.EncodeToString(level[0]), nil
}
