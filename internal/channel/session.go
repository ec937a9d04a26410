package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quantarax/e2ee/internal/audit"
	"github.com/quantarax/e2ee/internal/crypto"
	"github.com/quantarax/e2ee/internal/observability"
)

// Session owns the key material of one session.
//
// All methods are safe for concurrent use. Encryption and decryption work
// on a private copy of the keys taken under a read lock, so traffic in both
// directions proceeds in parallel; only installing or scrubbing keys takes
// the write lock.
type Session struct {
	id  uuid.UUID
	m   *Manager
	log *observability.Logger

	mu       sync.RWMutex
	state    State
	active   *crypto.SessionKeys
	previous []retainedKeys // oldest first

	replay     *replayCache
	suppressed atomic.Uint64
}

// retainedKeys is a previous version kept readable until expiresAt.
type retainedKeys struct {
	keys      *crypto.SessionKeys
	expiresAt time.Time
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current state bits.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// KeyVersion returns the active key version, or 0 before establishment and
// after retirement.
func (s *Session) KeyVersion() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return 0
	}
	return s.active.Version
}

// RetainedVersions lists the previous versions still decryptable.
func (s *Session) RetainedVersions() []uint32 {
	now := s.m.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint32
	for _, r := range s.previous {
		if now.Before(r.expiresAt) {
			out = append(out, r.keys.Version)
		}
	}
	return out
}

// Establish performs the initial key agreement against the peer's public
// key and moves the session to Established. local is not destroyed; the
// caller should destroy it once both sides have established.
func (s *Session) Establish(ctx context.Context, local *crypto.KeyPair, remotePublic []byte) error {
	if v := s.KeyVersion(); v != 0 {
		return fmt.Errorf("%w: session already at version %d", ErrAlreadyEstablished, v)
	}

	ctx, span := observability.StartSpan(ctx, "channel.establish", s.id.String(), crypto.InitialKeyVersion)
	keys, err := crypto.EstablishSessionKeys(s.id, local, remotePublic)
	s.m.recordAgreement(err == nil)
	if err != nil {
		observability.EndSpan(span, crypto.KindOf(err).String(), err)
		return err
	}
	keys.CreatedAt = s.m.now().UTC()

	err = s.install(ctx, keys, map[string]string{"peer_key": crypto.Fingerprint(remotePublic)})
	observability.EndSpan(span, crypto.KindOf(err).String(), err)
	return err
}

// Install adopts keys derived elsewhere, e.g. by the handshake package.
// On an uninitialized session keys become the first active version. On an
// established session keys must be the next version and are installed as a
// rotation. The session takes ownership of keys.
func (s *Session) Install(ctx context.Context, keys *crypto.SessionKeys) error {
	return s.install(ctx, keys, nil)
}

func (s *Session) install(ctx context.Context, keys *crypto.SessionKeys, details map[string]string) error {
	if keys == nil {
		return &crypto.Error{Kind: crypto.KindInvalidKey, Op: "install", Err: errors.New("keys are nil")}
	}
	if keys.SessionID != s.id {
		keys.Destroy()
		return &crypto.Error{Kind: crypto.KindInvalidKey, Op: "install", Err: fmt.Errorf("keys belong to session %s", keys.SessionID)}
	}

	now := s.m.now()
	if keys.CreatedAt.IsZero() {
		keys.CreatedAt = now.UTC()
	}

	s.mu.Lock()
	if s.state.Has(StateRetired) {
		s.mu.Unlock()
		keys.Destroy()
		return &crypto.Error{Kind: crypto.KindKeyExpired, Op: "install", Err: errors.New("session retired")}
	}

	if s.active == nil {
		s.active = keys
		s.state = StateEstablished
		s.mu.Unlock()

		if s.m.metrics != nil {
			s.m.metrics.RecordSessionOpened()
		}
		s.log.KeysEstablished(s.id.String(), keys.Version)
		s.m.record(ctx, audit.Event{Action: audit.ActionKeysEstablished, SessionID: s.id.String(), KeyVersion: keys.Version, Details: details})
		return nil
	}

	if keys.Version != s.active.Version+1 {
		have := s.active.Version
		s.mu.Unlock()
		keys.Destroy()
		return fmt.Errorf("%w: have version %d, got %d", ErrRotationConflict, have, keys.Version)
	}

	retired := s.pruneLocked(now)
	prev := s.active
	graceUntil := now.Add(s.m.grace)
	if s.m.grace > 0 && s.m.maxRetained > 0 {
		s.previous = append(s.previous, retainedKeys{keys: prev, expiresAt: graceUntil})
		for len(s.previous) > s.m.maxRetained {
			retired = append(retired, s.previous[0].keys.Version)
			s.previous[0].keys.Destroy()
			s.previous = s.previous[1:]
		}
	} else {
		retired = append(retired, prev.Version)
		prev.Destroy()
	}
	s.active = keys
	s.state &^= StateRotationPending
	s.mu.Unlock()

	s.log.KeysRotated(s.id.String(), prev.Version, keys.Version, graceUntil)
	s.m.record(ctx, audit.Event{
		Action:     audit.ActionKeysRotated,
		SessionID:  s.id.String(),
		KeyVersion: keys.Version,
		Details:    map[string]string{"grace_until": graceUntil.UTC().Format(time.RFC3339)},
	})
	s.reportRetired(ctx, retired)
	return nil
}

// Encrypt encrypts plaintext under the active key version.
func (s *Session) Encrypt(plaintext []byte) (*crypto.EncryptedMessage, error) {
	keys, err := s.snapshotActive("encrypt")
	if err != nil {
		return nil, err
	}
	defer keys.Destroy()

	start := time.Now()
	msg, err := crypto.EncryptAt(plaintext, keys, s.m.now())
	s.observe("encrypt", err, start, len(plaintext))
	if err != nil {
		return nil, err
	}
	s.touch(keys)
	return msg, nil
}

// Decrypt decrypts msg under the key version it names.
func (s *Session) Decrypt(msg *crypto.EncryptedMessage) ([]byte, error) {
	if msg == nil {
		return nil, &crypto.Error{Kind: crypto.KindIntegrity, Op: "decrypt", Err: errors.New("message is nil")}
	}
	return s.DecryptWithVersion(msg.KeyVersion, msg)
}

// DecryptWithVersion decrypts msg under a specific key version.
//
// The active version and previous versions still inside their grace period
// are accepted. A version that has been retired fails with ErrKeyExpired; a
// version the session never had fails with ErrInvalidKey. An authentic
// message whose timestamp lies outside the configured clock skew fails with
// ErrStale, as does a second delivery of an accepted message, which also
// matches ErrReplay.
func (s *Session) DecryptWithVersion(version uint32, msg *crypto.EncryptedMessage) ([]byte, error) {
	keys, err := s.keysFor("decrypt", version)
	if err != nil {
		s.reject("decrypt", version, err)
		return nil, err
	}
	defer keys.Destroy()

	start := time.Now()
	pt, err := crypto.Decrypt(msg, keys)
	if err == nil {
		err = s.checkFresh(msg)
		if err == nil && !s.replay.admit(msg, s.m.now()) {
			err = &crypto.Error{Kind: crypto.KindStale, Op: "decrypt", Err: ErrReplay}
		}
		if err != nil {
			crypto.Zero(pt)
			pt = nil
		}
	}
	s.observe("decrypt", err, start, len(pt))
	if err != nil {
		s.reject("decrypt", version, err)
		return nil, err
	}
	s.touch(keys)
	return pt, nil
}

// EncryptStream encrypts r to w in chunks under the active key version,
// using the configured chunk size.
func (s *Session) EncryptStream(ctx context.Context, r io.Reader, w io.Writer) (*crypto.StreamMetadata, error) {
	keys, err := s.snapshotActive("encrypt stream")
	if err != nil {
		return nil, err
	}
	defer keys.Destroy()

	ctx, span := observability.StartSpan(ctx, "channel.encrypt_stream", s.id.String(), keys.Version)
	start := time.Now()
	meta, err := crypto.EncryptStream(ctx, r, w, keys, s.m.chunkSize)
	observability.EndSpan(span, crypto.KindOf(err).String(), err)
	if err != nil {
		s.observe("encrypt_stream", err, start, 0)
		return nil, err
	}

	s.observe("encrypt_stream", nil, start, int(meta.OriginalSize))
	if s.m.metrics != nil {
		s.m.metrics.RecordStreamChunks("encrypt", meta.ChunkCount)
	}
	s.log.StreamProcessed(s.id.String(), "encrypt", meta.ChunkCount, meta.OriginalSize, time.Since(start))
	s.touch(keys)
	return meta, nil
}

// DecryptStream decrypts a stream produced by EncryptStream under the key
// version recorded in meta. On error w may hold a verified prefix of the
// stream, which the caller must discard.
func (s *Session) DecryptStream(ctx context.Context, r io.Reader, w io.Writer, meta *crypto.StreamMetadata) error {
	if meta == nil {
		return &crypto.Error{Kind: crypto.KindIntegrity, Op: "decrypt stream", Err: errors.New("metadata is nil")}
	}
	keys, err := s.keysFor("decrypt stream", meta.KeyVersion)
	if err != nil {
		s.reject("decrypt_stream", meta.KeyVersion, err)
		return err
	}
	defer keys.Destroy()

	ctx, span := observability.StartSpan(ctx, "channel.decrypt_stream", s.id.String(), keys.Version)
	start := time.Now()
	err = crypto.DecryptStream(ctx, r, w, keys, meta)
	observability.EndSpan(span, crypto.KindOf(err).String(), err)
	if err != nil {
		s.observe("decrypt_stream", err, start, 0)
		if crypto.KindOf(err) != crypto.KindUnknown {
			s.reject("decrypt_stream", meta.KeyVersion, err)
		}
		return err
	}

	s.observe("decrypt_stream", nil, start, int(meta.OriginalSize))
	if s.m.metrics != nil {
		s.m.metrics.RecordStreamChunks("decrypt", meta.ChunkCount)
	}
	s.log.StreamProcessed(s.id.String(), "decrypt", meta.ChunkCount, meta.OriginalSize, time.Since(start))
	s.touch(keys)
	return nil
}

// Rotate runs a rotation as initiator through the manager's Exchanger and
// installs the new version. The previous version stays decryptable for the
// grace period.
//
// If the peer has accepted the new version but it cannot be installed
// locally, typically because a rotation started by the peer was installed
// in the meantime, the two sides no longer share keys. The session is then
// retired and the caller must establish a new one.
func (s *Session) Rotate(ctx context.Context) error {
	current, err := s.snapshotActive("rotate")
	if err != nil {
		return err
	}
	defer current.Destroy()

	s.setPending()
	next, err := s.m.RotateSessionKeys(ctx, s.id, current)
	if err != nil {
		s.clearPending()
	} else if err = s.Install(ctx, next); err != nil {
		s.log.RotationDiverged(s.id.String(), current.Version+1, err)
		s.Retire(ctx)
	}
	if s.m.metrics != nil {
		s.m.metrics.RecordRotation("initiator", err == nil)
	}
	return err
}

// AcceptRotation is the responder side of a rotation to version: it agrees
// against the initiator's fresh public key, installs the new version and
// returns the fresh public key the initiator needs.
func (s *Session) AcceptRotation(ctx context.Context, version uint32, remotePublic []byte) ([crypto.KeySize]byte, error) {
	var pub [crypto.KeySize]byte

	current, err := s.snapshotActive("accept rotation")
	if err != nil {
		return pub, err
	}
	defer current.Destroy()

	if version != current.Version+1 {
		return pub, fmt.Errorf("%w: have version %d, peer rotating to %d", ErrRotationConflict, current.Version, version)
	}

	ctx, span := observability.StartSpan(ctx, "channel.accept_rotation", s.id.String(), version)
	err = s.acceptRotation(ctx, current, remotePublic, &pub)
	observability.EndSpan(span, crypto.KindOf(err).String(), err)
	if s.m.metrics != nil {
		s.m.metrics.RecordRotation("responder", err == nil)
	}
	return pub, err
}

func (s *Session) acceptRotation(ctx context.Context, current *crypto.SessionKeys, remotePublic []byte, pub *[crypto.KeySize]byte) error {
	local, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer local.Destroy()

	next, err := s.m.DeriveRotatedKeys(s.id, current, local, remotePublic)
	if err != nil {
		return err
	}
	if err := s.Install(ctx, next); err != nil {
		return err
	}
	*pub = local.PublicKey
	return nil
}

// Prune scrubs previous versions whose grace period has elapsed.
func (s *Session) Prune(ctx context.Context) {
	now := s.m.now()
	s.mu.Lock()
	retired := s.pruneLocked(now)
	s.mu.Unlock()
	s.reportRetired(ctx, retired)
}

// Retire scrubs all key material and moves the session to its terminal
// state. Retiring twice is a no-op.
func (s *Session) Retire(ctx context.Context) {
	s.mu.Lock()
	if s.state.Has(StateRetired) {
		s.mu.Unlock()
		return
	}
	wasLive := s.active != nil
	scrubbed := 0
	if s.active != nil {
		s.active.Destroy()
		s.active = nil
		scrubbed++
	}
	for _, r := range s.previous {
		r.keys.Destroy()
		scrubbed++
	}
	s.previous = nil
	s.state = StateRetired
	s.mu.Unlock()

	s.replay.reset()
	s.m.failures.Forget(s.id.String())
	if wasLive && s.m.metrics != nil {
		s.m.metrics.RecordSessionRetired()
	}
	s.log.SessionRetired(s.id.String(), scrubbed)
	s.m.record(ctx, audit.Event{Action: audit.ActionSessionRetired, SessionID: s.id.String()})
}

// snapshotActive returns a private copy of the active keys.
func (s *Session) snapshotActive(op string) (*crypto.SessionKeys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usableLocked(op); err != nil {
		return nil, err
	}
	return s.active.Clone(), nil
}

// keysFor returns a private copy of the keys for version.
func (s *Session) keysFor(op string, version uint32) (*crypto.SessionKeys, error) {
	now := s.m.now()

	s.mu.RLock()
	if err := s.usableLocked(op); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	active := s.active.Version
	if version == active {
		keys := s.active.Clone()
		s.mu.RUnlock()
		return keys, nil
	}
	expired := false
	for _, r := range s.previous {
		if r.keys.Version != version {
			continue
		}
		if now.Before(r.expiresAt) {
			keys := r.keys.Clone()
			s.mu.RUnlock()
			return keys, nil
		}
		expired = true
		break
	}
	s.mu.RUnlock()

	if expired {
		s.Prune(context.Background())
	}
	if version != 0 && version < active {
		return nil, &crypto.Error{Kind: crypto.KindKeyExpired, Op: op, Err: fmt.Errorf("key version %d retired", version)}
	}
	return nil, &crypto.Error{Kind: crypto.KindInvalidKey, Op: op, Err: fmt.Errorf("unknown key version %d", version)}
}

func (s *Session) usableLocked(op string) error {
	if s.state.Has(StateRetired) {
		return &crypto.Error{Kind: crypto.KindKeyExpired, Op: op, Err: errors.New("session retired")}
	}
	if s.active == nil {
		return &crypto.Error{Kind: crypto.KindInvalidKey, Op: op, Err: errors.New("session not established")}
	}
	return nil
}

// pruneLocked scrubs expired previous versions and returns them.
func (s *Session) pruneLocked(now time.Time) []uint32 {
	var retired []uint32
	kept := s.previous[:0]
	for _, r := range s.previous {
		if now.Before(r.expiresAt) {
			kept = append(kept, r)
			continue
		}
		retired = append(retired, r.keys.Version)
		r.keys.Destroy()
	}
	clear(s.previous[len(kept):])
	s.previous = kept
	return retired
}

func (s *Session) reportRetired(ctx context.Context, versions []uint32) {
	for _, v := range versions {
		s.replay.forget(v)
		if s.m.metrics != nil {
			s.m.metrics.RecordKeyVersionRetired()
		}
		s.log.KeyVersionRetired(s.id.String(), v)
		s.m.record(ctx, audit.Event{Action: audit.ActionKeyVersionRetired, SessionID: s.id.String(), KeyVersion: v})
	}
}

// touch marks the session Active and, once the keys in use are past the
// maximum age, RotationPending.
func (s *Session) touch(keys *crypto.SessionKeys) {
	want := StateActive
	if s.m.IsRotationRequired(keys) {
		want |= StateRotationPending
	}

	s.mu.RLock()
	have := s.state
	s.mu.RUnlock()
	if have.Has(want) {
		return
	}

	s.mu.Lock()
	if !s.state.Has(StateRetired) && s.active != nil && s.active.Version == keys.Version {
		s.state |= want
	} else if !s.state.Has(StateRetired) {
		s.state |= StateActive
	}
	s.mu.Unlock()
}

func (s *Session) setPending() {
	s.mu.Lock()
	if !s.state.Has(StateRetired) {
		s.state |= StateRotationPending
	}
	s.mu.Unlock()
}

// clearPending drops RotationPending after a failed rotation unless the
// active keys still need rotating.
func (s *Session) clearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && !s.m.IsRotationRequired(s.active) {
		s.state &^= StateRotationPending
	}
}

func (s *Session) checkFresh(msg *crypto.EncryptedMessage) error {
	if s.m.maxClockSkew <= 0 {
		return nil
	}
	skew := s.m.now().Sub(msg.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > s.m.maxClockSkew {
		return &crypto.Error{Kind: crypto.KindStale, Op: "decrypt", Err: fmt.Errorf("timestamp off by %s", skew.Round(time.Second))}
	}
	return nil
}

// reject reports a failed decryption. Every failure is counted; log and
// audit records are throttled per session.
func (s *Session) reject(op string, version uint32, err error) {
	kind := crypto.KindOf(err).String()
	if s.m.metrics != nil {
		s.m.metrics.RecordRejected(op, kind)
	}
	if !s.m.failures.Allow(s.id.String(), s.m.now()) {
		s.suppressed.Add(1)
		return
	}
	suppressed := s.suppressed.Swap(0)
	s.log.DecryptFailed(s.id.String(), version, op, kind, suppressed)
	s.m.record(context.Background(), audit.Event{
		Action:     audit.ActionDecryptFailed,
		SessionID:  s.id.String(),
		KeyVersion: version,
		ErrorKind:  kind,
		Details:    map[string]string{"op": op},
	})
}

func (s *Session) observe(op string, err error, start time.Time, n int) {
	if s.m.metrics == nil {
		return
	}
	s.m.metrics.RecordCryptoOperation(op, err == nil, time.Since(start).Seconds())
	if err == nil && n > 0 {
		dir := "encrypt"
		if op == "decrypt" || op == "decrypt_stream" {
			dir = "decrypt"
		}
		s.m.metrics.RecordBytes(dir, int64(n))
	}
}
