package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	messageAADLabel = "remotec-e2ee-v1|msg"

	// MaxMessageSize is the largest plaintext a single seal can cover: the
	// ChaCha20 block counter starts at 1 and is 32 bits wide.
	MaxMessageSize = (1<<32 - 1) * 64
)

var (
	// ErrMessageTooLarge is returned when a plaintext exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("plaintext exceeds maximum message size")
)

// Encrypt encrypts and authenticates plaintext under the session keys with a
// fresh random nonce.
//
// The ciphertext has exactly the plaintext's length; the 16-byte tag is
// carried separately. The session id, key version and timestamp are
// authenticated as associated data.
//
// Parameters:
//   - plaintext: Data to encrypt
//   - keys: Active session keys
//
// Returns:
//   - EncryptedMessage with ciphertext, nonce, tag and timestamp
//   - error if keys are missing, plaintext is too large, or RNG fails
//
// Security Warning:
//   - Nonces are random; the birthday bound is 2^48 messages per key version,
//     far beyond what a key version sees before rotation
func Encrypt(plaintext []byte, keys *SessionKeys) (*EncryptedMessage, error) {
	return EncryptAt(plaintext, keys, time.Now())
}

// EncryptAt is Encrypt with an explicit production time.
func EncryptAt(plaintext []byte, keys *SessionKeys, now time.Time) (*EncryptedMessage, error) {
	if keys == nil {
		return nil, invalidKey("encrypt", "session keys are nil")
	}

	msg := &EncryptedMessage{
		KeyVersion: keys.Version,
		Timestamp:  now.UnixMilli(),
	}
	if _, err := rand.Read(msg.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aad := messageAAD(keys, msg.Timestamp)
	ct, tag, err := seal(keys, &msg.Nonce, aad, plaintext)
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = ct
	msg.Tag = tag

	return msg, nil
}

// Decrypt verifies and decrypts a message under the session keys.
//
// The tag is recomputed and compared in constant time before any plaintext is
// produced. A wrong key, wrong key version, or any modification of the
// ciphertext, nonce, tag or timestamp yields KindIntegrity and no plaintext.
func Decrypt(msg *EncryptedMessage, keys *SessionKeys) ([]byte, error) {
	if keys == nil {
		return nil, invalidKey("decrypt", "session keys are nil")
	}
	if msg == nil {
		return nil, integrityError("decrypt", errors.New("message is nil"))
	}

	aad := messageAAD(keys, msg.Timestamp)
	return open(keys, &msg.Nonce, aad, msg.Ciphertext, &msg.Tag)
}

// seal encrypts plaintext with ChaCha20 under the encryption key (block
// counter starting at 1) and authenticates aad and ciphertext with a
// one-time Poly1305 key taken from block 0 of ChaCha20 under the
// authentication key. The layout of the authenticated data follows RFC 8439.
func seal(keys *SessionKeys, nonce *[NonceSize]byte, aad, plaintext []byte) ([]byte, [TagSize]byte, error) {
	var tag [TagSize]byte

	if uint64(len(plaintext)) > MaxMessageSize {
		return nil, tag, ErrMessageTooLarge
	}

	s, err := chacha20.NewUnauthenticatedCipher(keys.EncryptionKey[:], nonce[:])
	if err != nil {
		return nil, tag, &Error{Kind: KindInvalidKey, Op: "encrypt", Err: err}
	}
	s.SetCounter(1)

	ciphertext := make([]byte, len(plaintext))
	s.XORKeyStream(ciphertext, plaintext)

	mac, err := oneTimeMAC(keys, nonce)
	if err != nil {
		return nil, tag, err
	}
	authenticate(mac, aad, ciphertext)
	mac.Sum(tag[:0])

	return ciphertext, tag, nil
}

// open authenticates before decrypting. It never returns plaintext on
// failure.
func open(keys *SessionKeys, nonce *[NonceSize]byte, aad, ciphertext []byte, tag *[TagSize]byte) ([]byte, error) {
	if uint64(len(ciphertext)) > MaxMessageSize {
		return nil, integrityError("decrypt", ErrMessageTooLarge)
	}

	mac, err := oneTimeMAC(keys, nonce)
	if err != nil {
		return nil, err
	}
	authenticate(mac, aad, ciphertext)
	if !mac.Verify(tag[:]) {
		return nil, integrityError("decrypt", errors.New("authentication tag mismatch"))
	}

	s, err := chacha20.NewUnauthenticatedCipher(keys.EncryptionKey[:], nonce[:])
	if err != nil {
		return nil, &Error{Kind: KindInvalidKey, Op: "decrypt", Err: err}
	}
	s.SetCounter(1)

	plaintext := make([]byte, len(ciphertext))
	s.XORKeyStream(plaintext, ciphertext)

	return plaintext, nil
}

func oneTimeMAC(keys *SessionKeys, nonce *[NonceSize]byte) (*poly1305.MAC, error) {
	s, err := chacha20.NewUnauthenticatedCipher(keys.AuthenticationKey[:], nonce[:])
	if err != nil {
		return nil, &Error{Kind: KindInvalidKey, Op: "authenticate", Err: err}
	}

	var polyKey [32]byte
	s.XORKeyStream(polyKey[:], polyKey[:])
	defer Zero(polyKey[:])

	return poly1305.New(&polyKey), nil
}

var zeroPad [16]byte

func authenticate(mac *poly1305.MAC, aad, ciphertext []byte) {
	mac.Write(aad)
	if r := len(aad) % 16; r != 0 {
		mac.Write(zeroPad[:16-r])
	}
	mac.Write(ciphertext)
	if r := len(ciphertext) % 16; r != 0 {
		mac.Write(zeroPad[:16-r])
	}

	var lengths [16]byte
	binary.LittleEndian.PutUint64(lengths[:8], uint64(len(aad)))
	binary.LittleEndian.PutUint64(lengths[8:], uint64(len(ciphertext)))
	mac.Write(lengths[:])
}

func messageAAD(keys *SessionKeys, timestamp int64) []byte {
	aad := make([]byte, 0, len(messageAADLabel)+len(keys.SessionID)+4+8)
	aad = append(aad, messageAADLabel...)
	aad = append(aad, keys.SessionID[:]...)
	aad = binary.BigEndian.AppendUint32(aad, keys.Version)
	return binary.BigEndian.AppendUint64(aad, uint64(timestamp))
}
