package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// GenerateSigningKeyPair generates a new Ed25519 keypair.
// The keypair is used for ad-hoc data signing and for device certificates.
//
// Returns:
//   - SigningKeyPair holding the 32-byte public key and 32-byte seed
//   - error if random number generation fails
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 keypair: %w", err)
	}
	defer Zero(priv)

	kp := &SigningKeyPair{KeyID: uuid.New()}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv.Seed())

	return kp, nil
}

// Sign produces a deterministic Ed25519 signature over data.
//
// Parameters:
//   - data: Message to sign
//   - privateSeed: 32-byte Ed25519 seed
//
// Returns:
//   - 64-byte signature
//   - error of KindInvalidKey if the seed has the wrong length
func Sign(data, privateSeed []byte) (Signature, error) {
	var sig Signature
	if len(privateSeed) != SigningSeedSize {
		return sig, invalidKey("sign", "seed must be %d bytes, got %d", SigningSeedSize, len(privateSeed))
	}

	priv := ed25519.NewKeyFromSeed(privateSeed)
	defer Zero(priv)

	copy(sig[:], ed25519.Sign(priv, data))
	return sig, nil
}

// Sign signs data with the keypair's seed.
func (kp *SigningKeyPair) Sign(data []byte) (Signature, error) {
	return Sign(data, kp.PrivateKey[:])
}

// Verify reports whether signature is a valid Ed25519 signature of data by
// publicKey. It never panics: malformed inputs simply verify false, because
// an invalid signature is an expected outcome for trust decisions.
func Verify(data, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}
