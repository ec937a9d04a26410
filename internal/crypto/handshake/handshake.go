// Package handshake runs the signed key offer that precedes a session: each
// side sends a fresh X25519 public key together with its device certificate
// and an Ed25519 signature binding the two, then both derive session keys.
package handshake

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/quantarax/e2ee/internal/crypto"
	"github.com/quantarax/e2ee/internal/crypto/identity"
)

const (
	typeClientHello = "client_hello"
	typeServerHello = "server_hello"

	transcriptLabel = "remotec-e2ee-v1|handshake|"
)

var (
	ErrUnexpectedMessage = errors.New("unexpected handshake message")
	ErrSessionMismatch   = errors.New("session id mismatch")
)

// Hello is one side's key offer.
type Hello struct {
	Type        string                      `json:"type"`
	SessionID   string                      `json:"session_id"`
	Ephemeral   string                      `json:"eph_pub"` // base64 X25519
	Certificate *identity.DeviceCertificate `json:"certificate"`
	Sig         string                      `json:"sig"` // base64 Ed25519 over the transcript
}

// Config holds one endpoint's identity and trust settings.
type Config struct {
	SessionID   uuid.UUID
	Identity    *crypto.SigningKeyPair
	Certificate *identity.DeviceCertificate
	// Authority verifies the peer's certificate.
	Authority *identity.Authority
}

func (c *Config) validate() error {
	if c.Identity == nil || c.Certificate == nil || c.Authority == nil {
		return errors.New("handshake config requires identity, certificate and authority")
	}
	if string(c.Certificate.PublicKey) != string(c.Identity.PublicKey[:]) {
		return errors.New("certificate does not attest the identity key")
	}
	return nil
}

// Result is the outcome of a successful handshake.
type Result struct {
	Keys *crypto.SessionKeys
	Peer *identity.DeviceCertificate
}

// Initiate runs the client side over rw (the signaling collaborator's
// stream) and returns the established session keys.
func Initiate(rw io.ReadWriter, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()

	ch, err := newHello(typeClientHello, &cfg, eph, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHello(rw, ch); err != nil {
		return nil, fmt.Errorf("failed to send client hello: %w", err)
	}

	var sh Hello
	if err := json.NewDecoder(rw).Decode(&sh); err != nil {
		return nil, fmt.Errorf("failed to read server hello: %w", err)
	}
	if sh.Type != typeServerHello {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, sh.Type)
	}
	peerEph, err := checkHello(&sh, &cfg, eph.PublicKey[:])
	if err != nil {
		return nil, err
	}

	keys, err := crypto.EstablishSessionKeys(cfg.SessionID, eph, peerEph)
	if err != nil {
		return nil, err
	}
	return &Result{Keys: keys, Peer: sh.Certificate}, nil
}

// Respond runs the server side over rw.
func Respond(rw io.ReadWriter, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var ch Hello
	if err := json.NewDecoder(rw).Decode(&ch); err != nil {
		return nil, fmt.Errorf("failed to read client hello: %w", err)
	}
	if ch.Type != typeClientHello {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, ch.Type)
	}
	peerEph, err := checkHello(&ch, &cfg, nil)
	if err != nil {
		return nil, err
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()

	keys, err := crypto.EstablishSessionKeys(cfg.SessionID, eph, peerEph)
	if err != nil {
		return nil, err
	}

	sh, err := newHello(typeServerHello, &cfg, eph, peerEph)
	if err != nil {
		keys.Destroy()
		return nil, err
	}
	if err := writeHello(rw, sh); err != nil {
		keys.Destroy()
		return nil, fmt.Errorf("failed to send server hello: %w", err)
	}
	return &Result{Keys: keys, Peer: ch.Certificate}, nil
}

func newHello(typ string, cfg *Config, eph *crypto.KeyPair, peerEph []byte) (*Hello, error) {
	h := &Hello{
		Type:        typ,
		SessionID:   cfg.SessionID.String(),
		Ephemeral:   base64.StdEncoding.EncodeToString(eph.PublicKey[:]),
		Certificate: cfg.Certificate,
	}
	sig, err := cfg.Identity.Sign(transcript(typ, cfg.SessionID, eph.PublicKey[:], peerEph, cfg.Certificate))
	if err != nil {
		return nil, err
	}
	h.Sig = base64.StdEncoding.EncodeToString(sig[:])
	return h, nil
}

// writeHello sends h as a single JSON value with no trailing newline, so a
// synchronous peer that decodes exactly one value never leaves the write
// blocked.
func writeHello(w io.Writer, h *Hello) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// checkHello verifies the peer's offer and returns its ephemeral key.
// ownEph is the local ephemeral key the peer must have signed over, or nil
// when the peer spoke first.
func checkHello(h *Hello, cfg *Config, ownEph []byte) ([]byte, error) {
	if h.SessionID != cfg.SessionID.String() {
		return nil, ErrSessionMismatch
	}
	if h.Certificate == nil {
		return nil, fmt.Errorf("%w: missing certificate", ErrUnexpectedMessage)
	}
	if err := cfg.Authority.Verify(h.Certificate); err != nil {
		return nil, fmt.Errorf("peer certificate rejected: %w", err)
	}

	peerEph, err := base64.StdEncoding.DecodeString(h.Ephemeral)
	if err != nil || len(peerEph) != crypto.KeySize {
		return nil, &crypto.Error{Kind: crypto.KindInvalidKey, Op: "handshake", Err: errors.New("bad ephemeral key")}
	}
	sig, err := base64.StdEncoding.DecodeString(h.Sig)
	if err != nil {
		sig = nil
	}
	if !crypto.Verify(transcript(h.Type, cfg.SessionID, peerEph, ownEph, h.Certificate), sig, h.Certificate.PublicKey) {
		return nil, &crypto.Error{Kind: crypto.KindIntegrity, Op: "handshake", Err: errors.New("offer signature invalid")}
	}
	return peerEph, nil
}

func transcript(typ string, sessionID uuid.UUID, eph, peerEph []byte, cert *identity.DeviceCertificate) []byte {
	msg := []byte(transcriptLabel)
	msg = append(msg, typ...)
	msg = append(msg, '|')
	msg = append(msg, sessionID[:]...)
	msg = append(msg, eph...)
	msg = append(msg, peerEph...)
	msg = append(msg, cert.DeviceID[:]...)
	return append(msg, cert.Signature...)
}
