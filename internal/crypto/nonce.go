package crypto

import (
	"encoding/binary"
)

// DeriveNonce generates a deterministic 12-byte nonce from a base nonce and a
// counter.
//
// Each stream draws a random base nonce; XORing the chunk index into it gives
// every chunk of the stream a distinct nonce under the same key.
//
// The nonce derivation formula:
//
//	Nonce = Base XOR (counter encoded as 8-byte little-endian, padded to 12 bytes)
//
// Parameters:
//   - base: 12-byte random base nonce recorded in the stream metadata
//   - counter: Chunk index
//
// Returns:
//   - 12-byte nonce
func DeriveNonce(base [NonceSize]byte, counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte

	// Encode counter as 8-byte little-endian
	var counterBytes [8]byte
	binary.LittleEndian.PutUint64(counterBytes[:], counter)

	// XOR the first 8 bytes of the base with the counter
	for i := 0; i < 8; i++ {
		nonce[i] = base[i] ^ counterBytes[i]
	}

	// Copy the remaining 4 bytes unchanged
	copy(nonce[8:12], base[8:12])

	return nonce
}
