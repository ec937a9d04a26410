package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

// GenerateKeyPair generates a new X25519 ephemeral keypair for key exchange.
// These keys should be generated fresh for each session (and each rotation)
// and destroyed once the session keys are derived, to ensure forward secrecy.
//
// Returns:
//   - KeyPair containing public and private keys
//   - error if random number generation fails
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{
		KeyID:     uuid.New(),
		CreatedAt: time.Now().UTC(),
	}

	// Retry on the (negligible) chance of an all-zero scalar.
	for {
		if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
			return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
		}
		if !isZero(kp.PrivateKey[:]) {
			break
		}
	}

	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		kp.Destroy()
		return nil, fmt.Errorf("failed to derive X25519 public key: %w", err)
	}
	copy(kp.PublicKey[:], pub)

	return kp, nil
}

// KeyExchange performs Elliptic Curve Diffie-Hellman key exchange.
// Given our private key and peer's public key, computes the shared secret.
//
// Parameters:
//   - localPrivate: Our 32-byte X25519 private scalar
//   - remotePublic: Peer's 32-byte X25519 public key
//
// Returns:
//   - sharedSecret: 32-byte shared secret
//   - error of KindInvalidKey if either key has the wrong length, the private
//     scalar is all zero, or the public key is a low-order point (the
//     exchange collapses to the identity element)
func KeyExchange(localPrivate, remotePublic []byte) ([SharedSecretSize]byte, error) {
	var sharedSecret [SharedSecretSize]byte

	if len(localPrivate) != KeySize {
		return sharedSecret, invalidKey("key exchange", "private key must be %d bytes, got %d", KeySize, len(localPrivate))
	}
	if len(remotePublic) != KeySize {
		return sharedSecret, invalidKey("key exchange", "public key must be %d bytes, got %d", KeySize, len(remotePublic))
	}
	if isZero(localPrivate) {
		return sharedSecret, invalidKey("key exchange", "private key is all zero")
	}

	// curve25519.X25519 rejects low-order points by returning an error for
	// an all-zero output.
	out, err := curve25519.X25519(localPrivate, remotePublic)
	if err != nil {
		return sharedSecret, &Error{Kind: KindInvalidKey, Op: "key exchange", Err: err}
	}
	copy(sharedSecret[:], out)
	Zero(out)

	if subtle.ConstantTimeCompare(sharedSecret[:], make([]byte, SharedSecretSize)) == 1 {
		return sharedSecret, invalidKey("key exchange", "all-zero shared secret")
	}

	return sharedSecret, nil
}
