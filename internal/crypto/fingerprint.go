package crypto

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint computes a BLAKE3 fingerprint of a public key, suitable for
// logs and audit records. It is never applied to private material.
func Fingerprint(publicKey []byte) string {
	sum := blake3.Sum256(publicKey)
	return "BLAKE3:" + hex.EncodeToString(sum[:16])
}
