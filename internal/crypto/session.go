package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// Domain separation strings for session key derivation
	sessionSaltPrefix  = "remotec-e2ee-v1|session|"
	encryptionInfo     = "remotec-e2ee-v1|encryption"
	authenticationInfo = "remotec-e2ee-v1|authentication"

	// InitialKeyVersion is the version assigned by EstablishSessionKeys.
	InitialKeyVersion uint32 = 1
)

// EstablishSessionKeys runs key exchange against the peer's public key and
// derives the initial (version 1) session keys.
//
// Both endpoints derive byte-identical keys because X25519 is symmetric and
// the derivation depends only on the shared secret and the session id.
//
// Parameters:
//   - sessionID: Session identifier agreed through signaling
//   - local: Our X25519 keypair
//   - remotePublic: Peer's 32-byte X25519 public key
//
// Returns:
//   - SessionKeys at InitialKeyVersion
//   - error of KindInvalidKey if key exchange fails
func EstablishSessionKeys(sessionID uuid.UUID, local *KeyPair, remotePublic []byte) (*SessionKeys, error) {
	if local == nil {
		return nil, invalidKey("establish session keys", "local keypair is nil")
	}

	sharedSecret, err := KeyExchange(local.PrivateKey[:], remotePublic)
	if err != nil {
		return nil, err
	}
	defer Zero(sharedSecret[:])

	return DeriveSessionKeys(sessionID, InitialKeyVersion, sharedSecret[:])
}

// DeriveSessionKeys performs HKDF-based key derivation from an X25519 shared
// secret.
//
// Two independent HKDF-SHA256 expansions produce the encryption key and the
// authentication key. The salt binds the output to the session id and the key
// version, so the same key pairs used in two sessions (or at two versions)
// yield unrelated keys.
//
// Parameters:
//   - sessionID: Session identifier (salt component)
//   - version: Key version (salt component)
//   - sharedSecret: 32-byte X25519 shared secret (IKM)
//
// Returns:
//   - SessionKeys for the given session and version
//   - error if the secret is malformed or derivation fails
func DeriveSessionKeys(sessionID uuid.UUID, version uint32, sharedSecret []byte) (*SessionKeys, error) {
	if len(sharedSecret) != SharedSecretSize {
		return nil, invalidKey("derive session keys", "shared secret must be %d bytes, got %d", SharedSecretSize, len(sharedSecret))
	}
	if isZero(sharedSecret) {
		return nil, invalidKey("derive session keys", "shared secret is all zero")
	}
	if version == 0 {
		return nil, invalidKey("derive session keys", "key version must be positive")
	}

	salt := sessionSalt(sessionID, version)

	keys := &SessionKeys{
		SessionID: sessionID,
		Version:   version,
		CreatedAt: time.Now().UTC(),
	}
	if err := expand(sharedSecret, salt, encryptionInfo, keys.EncryptionKey[:]); err != nil {
		return nil, err
	}
	if err := expand(sharedSecret, salt, authenticationInfo, keys.AuthenticationKey[:]); err != nil {
		keys.Destroy()
		return nil, err
	}

	if subtle.ConstantTimeCompare(keys.EncryptionKey[:], keys.AuthenticationKey[:]) == 1 {
		keys.Destroy()
		return nil, invalidKey("derive session keys", "derived keys collide")
	}

	return keys, nil
}

func sessionSalt(sessionID uuid.UUID, version uint32) []byte {
	salt := make([]byte, 0, len(sessionSaltPrefix)+len(sessionID)+4)
	salt = append(salt, sessionSaltPrefix...)
	salt = append(salt, sessionID[:]...)
	return binary.BigEndian.AppendUint32(salt, version)
}

func expand(secret, salt []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return nil
}
