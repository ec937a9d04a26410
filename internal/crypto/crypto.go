// Package crypto implements the end-to-end encrypted session channel used by
// remote-control sessions.
//
// This package implements:
//   - X25519 ephemeral keypairs and Diffie-Hellman key agreement
//   - HKDF-SHA256 session key derivation (independent encryption and
//     authentication keys, domain-separated by session id and key version)
//   - ChaCha20 + Poly1305 authenticated encryption of discrete messages
//   - Chunked stream encryption for file transfers and recordings
//   - Ed25519 signing keypairs, signatures and verification
//
// Nothing in this package logs, persists, or caches key material. Callers
// own every key value they receive and should call Destroy when done.
package crypto

import (
	"time"

	"github.com/google/uuid"
)

// Byte-exact sizes fixed by the primitives.
const (
	KeySize          = 32 // X25519 public/private, symmetric keys
	NonceSize        = 12
	TagSize          = 16
	SigningSeedSize  = 32
	SigningKeySize   = 32
	SignatureSize    = 64
	SharedSecretSize = 32
)

// KeyPair is an X25519 keypair used for a single key agreement.
// The private key must never leave local memory.
type KeyPair struct {
	KeyID      uuid.UUID
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
	CreatedAt  time.Time
}

// Destroy scrubs the private scalar.
func (kp *KeyPair) Destroy() {
	if kp == nil {
		return
	}
	Zero(kp.PrivateKey[:])
}

// SessionKeys is an immutable snapshot of the symmetric keys protecting one
// session at one key version. Rotation produces a new value; nothing mutates
// an existing one except Destroy.
type SessionKeys struct {
	SessionID         uuid.UUID
	EncryptionKey     [KeySize]byte
	AuthenticationKey [KeySize]byte
	CreatedAt         time.Time
	Version           uint32
}

// Clone returns an independent copy. The copy must be destroyed separately.
func (k *SessionKeys) Clone() *SessionKeys {
	c := *k
	return &c
}

// Destroy scrubs both symmetric keys.
func (k *SessionKeys) Destroy() {
	if k == nil {
		return
	}
	Zero(k.EncryptionKey[:])
	Zero(k.AuthenticationKey[:])
}

// EncryptedMessage is one authenticated ciphertext as carried by the
// real-time transport. Ciphertext has the same length as the plaintext.
type EncryptedMessage struct {
	KeyVersion uint32          `json:"key_version"`
	Ciphertext []byte          `json:"ciphertext"`
	Nonce      [NonceSize]byte `json:"nonce"`
	Tag        [TagSize]byte   `json:"tag"`
	Timestamp  int64           `json:"timestamp"` // unix milliseconds, authenticated
}

// Time returns the authenticated production time of the message.
func (m *EncryptedMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// SigningKeyPair is an Ed25519 keypair. PrivateKey holds the 32-byte seed.
type SigningKeyPair struct {
	KeyID      uuid.UUID
	PublicKey  [SigningKeySize]byte
	PrivateKey [SigningSeedSize]byte
}

// Destroy scrubs the private seed.
func (kp *SigningKeyPair) Destroy() {
	if kp == nil {
		return
	}
	Zero(kp.PrivateKey[:])
}

// Signature is a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte
