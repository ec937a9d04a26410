// Package identity issues and validates short-lived device certificates.
package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58/base58"
	"github.com/quantarax/e2ee/internal/crypto"
	"github.com/zeebo/blake3"
)

const (
	// DefaultLifetime is the validity period of a new certificate.
	DefaultLifetime = 365 * 24 * time.Hour
	// DefaultIssuer names the authority when none is configured.
	DefaultIssuer = "remotec-e2ee"

	certLabel = "remotec-e2ee-v1|device-cert"
)

var (
	ErrUntrustedIssuer = errors.New("untrusted certificate issuer")
	ErrMalformed       = errors.New("malformed certificate")
)

// DeviceCertificate binds a device id and name to a public key. It is
// immutable once signed; any change invalidates the signature.
type DeviceCertificate struct {
	DeviceID        uuid.UUID `json:"device_id"`
	DeviceName      string    `json:"device_name"`
	PublicKey       []byte    `json:"public_key"`
	Signature       []byte    `json:"signature"`
	ValidFrom       time.Time `json:"valid_from"`
	ValidTo         time.Time `json:"valid_to"`
	Issuer          string    `json:"issuer"`
	IssuerPublicKey []byte    `json:"issuer_public_key"`
}

// SelfAttested reports whether the certificate was signed by the key it
// attests.
func (c *DeviceCertificate) SelfAttested() bool {
	return string(c.PublicKey) == string(c.IssuerPublicKey)
}

// Authority issues and checks DeviceCertificates.
//
// Without an issuer key the authority runs self-attested: each certificate
// is signed by the device's own signing key and only proves possession of
// that key. With an issuer key every certificate is signed by the issuer and
// Verify accepts only that issuer.
type Authority struct {
	name     string
	issuer   *crypto.SigningKeyPair
	lifetime time.Duration
	now      func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithIssuer sets the issuer name recorded in certificates.
func WithIssuer(name string) Option {
	return func(a *Authority) { a.name = name }
}

// WithIssuerKey signs certificates with kp instead of the device key. The
// authority keeps a reference; the caller still owns kp.
func WithIssuerKey(kp *crypto.SigningKeyPair) Option {
	return func(a *Authority) { a.issuer = kp }
}

// WithLifetime overrides DefaultLifetime.
func WithLifetime(d time.Duration) Option {
	return func(a *Authority) { a.lifetime = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// NewAuthority creates a certificate authority.
func NewAuthority(opts ...Option) *Authority {
	a := &Authority{
		name:     DefaultIssuer,
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GenerateCertificate attests kp's public key for the given device.
//
// Parameters:
//   - deviceID: Registered device id
//   - deviceName: Human-readable device name
//   - kp: The device's Ed25519 signing keypair
//
// Returns:
//   - Signed certificate valid from now for the configured lifetime
//   - error of KindInvalidKey if kp is nil, or if signing fails
func (a *Authority) GenerateCertificate(deviceID uuid.UUID, deviceName string, kp *crypto.SigningKeyPair) (*DeviceCertificate, error) {
	if kp == nil {
		return nil, &crypto.Error{Kind: crypto.KindInvalidKey, Op: "generate certificate", Err: errors.New("signing keypair is nil")}
	}

	signer := kp
	if a.issuer != nil {
		signer = a.issuer
	}

	now := a.now().UTC().Truncate(time.Second)
	cert := &DeviceCertificate{
		DeviceID:        deviceID,
		DeviceName:      deviceName,
		PublicKey:       append([]byte(nil), kp.PublicKey[:]...),
		ValidFrom:       now,
		ValidTo:         now.Add(a.lifetime),
		Issuer:          a.name,
		IssuerPublicKey: append([]byte(nil), signer.PublicKey[:]...),
	}

	sig, err := signer.Sign(signedBytes(cert))
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	cert.Signature = sig[:]

	return cert, nil
}

// Verify checks the validity window, the issuer and the signature, in that
// order. An expired certificate fails with ErrKeyExpired regardless of its
// signature.
func (a *Authority) Verify(cert *DeviceCertificate) error {
	if cert == nil {
		return fmt.Errorf("%w: nil", ErrMalformed)
	}
	if len(cert.PublicKey) != crypto.SigningKeySize || len(cert.IssuerPublicKey) != crypto.SigningKeySize || len(cert.Signature) != crypto.SignatureSize {
		return fmt.Errorf("%w: bad field lengths", ErrMalformed)
	}

	now := a.now()
	if now.Before(cert.ValidFrom) {
		return &crypto.Error{Kind: crypto.KindKeyExpired, Op: "verify certificate", Err: fmt.Errorf("not valid before %s", cert.ValidFrom.Format(time.RFC3339))}
	}
	if now.After(cert.ValidTo) {
		return &crypto.Error{Kind: crypto.KindKeyExpired, Op: "verify certificate", Err: fmt.Errorf("expired at %s", cert.ValidTo.Format(time.RFC3339))}
	}

	if a.issuer != nil {
		if string(cert.IssuerPublicKey) != string(a.issuer.PublicKey[:]) {
			return ErrUntrustedIssuer
		}
	} else if !cert.SelfAttested() {
		return ErrUntrustedIssuer
	}

	if !crypto.Verify(signedBytes(cert), cert.Signature, cert.IssuerPublicKey) {
		return &crypto.Error{Kind: crypto.KindIntegrity, Op: "verify certificate", Err: errors.New("bad signature")}
	}
	return nil
}

// ValidateCertificate reports whether cert is currently valid.
func (a *Authority) ValidateCertificate(cert *DeviceCertificate) bool {
	return a.Verify(cert) == nil
}

// DeviceFingerprint returns a printable identifier for a device public key.
func DeviceFingerprint(publicKey []byte) string {
	sum := blake3.Sum256(publicKey)
	return "rcd1" + base58.Encode(sum[:20])
}

// signedBytes encodes every field except the signature. Variable-length
// fields are length-prefixed so no two certificates share an encoding.
func signedBytes(c *DeviceCertificate) []byte {
	var b []byte
	b = append(b, certLabel...)
	b = append(b, c.DeviceID[:]...)
	b = appendField(b, []byte(c.DeviceName))
	b = appendField(b, c.PublicKey)
	b = binary.BigEndian.AppendUint64(b, uint64(c.ValidFrom.Unix()))
	b = binary.BigEndian.AppendUint64(b, uint64(c.ValidTo.Unix()))
	b = appendField(b, []byte(c.Issuer))
	b = appendField(b, c.IssuerPublicKey)
	return b
}

func appendField(b, field []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(field)))
	return append(b, field...)
}
