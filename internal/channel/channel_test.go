package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quantarax/e2ee/internal/audit"
	"github.com/quantarax/e2ee/internal/config"
	"github.com/quantarax/e2ee/internal/crypto"
	"github.com/quantarax/e2ee/internal/observability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// pair is two endpoints of one session sharing a clock. Rotations started
// by a are answered by b.
type pair struct {
	clock  *fakeClock
	id     uuid.UUID
	a, b   *Session
	chainA *audit.Chain
}

func newPair(t *testing.T, cfg *config.Config, opts ...Option) *pair {
	t.Helper()
	p := &pair{clock: newFakeClock(), id: uuid.New(), chainA: audit.NewChain()}

	exchange := ExchangerFunc(func(ctx context.Context, id uuid.UUID, version uint32, pub [crypto.KeySize]byte) ([]byte, error) {
		reply, err := p.b.AcceptRotation(ctx, version, pub[:])
		if err != nil {
			return nil, err
		}
		return reply[:], nil
	})

	mA := NewManager(cfg, append([]Option{WithClock(p.clock.Now), WithAudit(p.chainA), WithExchanger(exchange)}, opts...)...)
	mB := NewManager(cfg, WithClock(p.clock.Now))
	p.a = mA.NewSession(p.id)
	p.b = mB.NewSession(p.id)

	kpA, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	kpB, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	defer kpA.Destroy()
	defer kpB.Destroy()

	ctx := context.Background()
	if err := p.a.Establish(ctx, kpA, kpB.PublicKey[:]); err != nil {
		t.Fatalf("A Establish failed: %v", err)
	}
	if err := p.b.Establish(ctx, kpB, kpA.PublicKey[:]); err != nil {
		t.Fatalf("B Establish failed: %v", err)
	}
	return p
}

func mustEncrypt(t *testing.T, s *Session, pt []byte) *crypto.EncryptedMessage {
	t.Helper()
	msg, err := s.Encrypt(pt)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	return msg
}

// TestSessionLifecycle tests establishment, a rotation with in-flight
// messages and expiry of the previous version after the grace period.
func TestSessionLifecycle(t *testing.T) {
	p := newPair(t, nil)
	ctx := context.Background()

	if p.a.KeyVersion() != 1 || p.b.KeyVersion() != 1 {
		t.Fatalf("versions = %d/%d, want 1/1", p.a.KeyVersion(), p.b.KeyVersion())
	}
	if got := p.a.State(); got != StateEstablished {
		t.Errorf("State = %s, want established", got)
	}

	plaintext := []byte("Hello, secure world")
	msg := mustEncrypt(t, p.a, plaintext)
	if len(msg.Ciphertext) != 19 || len(msg.Nonce) != 12 || len(msg.Tag) != 16 {
		t.Errorf("Sizes = %d/%d/%d, want 19/12/16", len(msg.Ciphertext), len(msg.Nonce), len(msg.Tag))
	}
	got, err := p.b.Decrypt(msg)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
	if !p.a.State().Has(StateActive) {
		t.Errorf("State after use = %s, want active", p.a.State())
	}

	inFlight := mustEncrypt(t, p.a, []byte("sent before rotation"))

	if err := p.a.Rotate(ctx); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if p.a.KeyVersion() != 2 || p.b.KeyVersion() != 2 {
		t.Fatalf("versions after rotation = %d/%d, want 2/2", p.a.KeyVersion(), p.b.KeyVersion())
	}
	if p.a.State().Has(StateRotationPending) {
		t.Errorf("RotationPending still set after rotation")
	}

	// Old version still decrypts within the grace period.
	if _, err := p.b.Decrypt(inFlight); err != nil {
		t.Errorf("In-flight message rejected during grace: %v", err)
	}
	if got := p.b.RetainedVersions(); !slices.Equal(got, []uint32{1}) {
		t.Errorf("RetainedVersions = %v, want [1]", got)
	}

	// New traffic uses the new version in both directions.
	reply := mustEncrypt(t, p.b, []byte("after rotation"))
	if reply.KeyVersion != 2 {
		t.Errorf("KeyVersion = %d, want 2", reply.KeyVersion)
	}
	if _, err := p.a.Decrypt(reply); err != nil {
		t.Errorf("Decrypt after rotation failed: %v", err)
	}

	p.clock.Advance(31 * time.Second)
	if _, err := p.b.Decrypt(inFlight); !errors.Is(err, crypto.ErrKeyExpired) {
		t.Errorf("Decrypt after grace = %v, want ErrKeyExpired", err)
	}
	if got := p.b.RetainedVersions(); len(got) != 0 {
		t.Errorf("RetainedVersions after grace = %v, want none", got)
	}

	p.a.Prune(ctx)
	p.a.Retire(ctx)
	p.a.Retire(ctx)
	if p.a.State() != StateRetired || p.a.KeyVersion() != 0 {
		t.Errorf("After Retire: state %s, version %d", p.a.State(), p.a.KeyVersion())
	}
	if _, err := p.a.Encrypt([]byte("x")); !errors.Is(err, crypto.ErrKeyExpired) {
		t.Errorf("Encrypt after Retire = %v, want ErrKeyExpired", err)
	}

	if err := p.chainA.Verify(); err != nil {
		t.Fatalf("Audit chain broken: %v", err)
	}
	var actions []string
	for _, e := range p.chainA.Entries() {
		actions = append(actions, e.Event.Action)
		if e.Event.Action == audit.ActionKeysEstablished && !strings.HasPrefix(e.Event.Details["peer_key"], "BLAKE3:") {
			t.Errorf("Established event lacks peer key fingerprint: %+v", e.Event.Details)
		}
	}
	want := []string{audit.ActionKeysEstablished, audit.ActionKeysRotated, audit.ActionKeyVersionRetired, audit.ActionSessionRetired}
	for _, a := range want {
		if !slices.Contains(actions, a) {
			t.Errorf("Audit actions %v missing %s", actions, a)
		}
	}
}

// TestDeriveRotatedKeys tests that rotation increments the version and
// produces independent keys.
func TestDeriveRotatedKeys(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(nil, WithClock(clock.Now))
	id := uuid.New()

	local, _ := crypto.GenerateKeyPair()
	peer, _ := crypto.GenerateKeyPair()
	current, err := crypto.EstablishSessionKeys(id, local, peer.PublicKey[:])
	if err != nil {
		t.Fatalf("EstablishSessionKeys failed: %v", err)
	}

	next, err := m.RotateSessionKeys(context.Background(), id, current)
	if err != nil {
		t.Fatalf("RotateSessionKeys failed: %v", err)
	}
	if next.Version != current.Version+1 {
		t.Errorf("Version = %d, want %d", next.Version, current.Version+1)
	}
	if next.EncryptionKey == current.EncryptionKey || next.AuthenticationKey == current.AuthenticationKey {
		t.Error("Rotated keys repeat previous keys")
	}
	if !next.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", next.CreatedAt, clock.Now())
	}
	if current.Version != 1 {
		t.Errorf("current was modified: version %d", current.Version)
	}

	if _, err := m.RotateSessionKeys(context.Background(), uuid.New(), current); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Errorf("Rotate with foreign session id = %v, want ErrInvalidKey", err)
	}
	if _, err := m.RotateSessionKeys(context.Background(), id, nil); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Errorf("Rotate with nil keys = %v, want ErrInvalidKey", err)
	}
}

// TestIsRotationRequired tests the maximum key age boundary.
func TestIsRotationRequired(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(nil, WithClock(clock.Now))
	keys := &crypto.SessionKeys{Version: 1, CreatedAt: clock.Now()}

	if m.IsRotationRequired(keys) {
		t.Error("Fresh keys need rotation")
	}
	clock.Advance(24 * time.Hour)
	if m.IsRotationRequired(keys) {
		t.Error("Keys exactly at max age need rotation")
	}
	clock.Advance(time.Second)
	if !m.IsRotationRequired(keys) {
		t.Error("Keys past max age do not need rotation")
	}
	if m.IsRotationRequired(nil) {
		t.Error("nil keys need rotation")
	}
}

// TestRotationPendingOnAge tests that use of aged keys flags the session.
func TestRotationPendingOnAge(t *testing.T) {
	p := newPair(t, nil)
	p.clock.Advance(25 * time.Hour)

	mustEncrypt(t, p.a, []byte("old keys"))
	if got := p.a.State(); !got.Has(StateActive | StateRotationPending) {
		t.Fatalf("State = %s, want active|rotation_pending", got)
	}

	if err := p.a.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if p.a.State().Has(StateRotationPending) {
		t.Errorf("State after rotation = %s", p.a.State())
	}
}

// TestSessionErrors tests the error kinds of unusable sessions and
// versions.
func TestSessionErrors(t *testing.T) {
	m := NewManager(nil)
	s := m.NewSession(uuid.New())

	if _, err := s.Encrypt([]byte("x")); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Errorf("Encrypt before Establish = %v, want ErrInvalidKey", err)
	}
	if err := s.Rotate(context.Background()); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Errorf("Rotate before Establish = %v, want ErrInvalidKey", err)
	}

	p := newPair(t, nil)
	msg := mustEncrypt(t, p.a, []byte("x"))

	tests := map[string]struct {
		version uint32
		want    error
	}{
		"zero version":   {0, crypto.ErrInvalidKey},
		"future version": {7, crypto.ErrInvalidKey},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := p.b.DecryptWithVersion(tt.version, msg); !errors.Is(err, tt.want) {
				t.Errorf("DecryptWithVersion(%d) = %v, want %v", tt.version, err, tt.want)
			}
		})
	}

	tampered := *msg
	tampered.Ciphertext = bytes.Clone(msg.Ciphertext)
	tampered.Ciphertext[0] ^= 1
	if _, err := p.b.Decrypt(&tampered); !errors.Is(err, crypto.ErrIntegrity) {
		t.Errorf("Tampered message = %v, want ErrIntegrity", err)
	}

	kp, _ := crypto.GenerateKeyPair()
	if err := p.a.Establish(context.Background(), kp, kp.PublicKey[:]); !errors.Is(err, ErrAlreadyEstablished) {
		t.Errorf("Second Establish = %v, want ErrAlreadyEstablished", err)
	}

	p.b.Retire(context.Background())
	if _, err := p.b.Decrypt(msg); !errors.Is(err, crypto.ErrKeyExpired) {
		t.Errorf("Decrypt after Retire = %v, want ErrKeyExpired", err)
	}
	if err := p.b.Establish(context.Background(), kp, kp.PublicKey[:]); !errors.Is(err, crypto.ErrKeyExpired) {
		t.Errorf("Establish after Retire = %v, want ErrKeyExpired", err)
	}
}

// TestStaleMessage tests the clock-skew window.
func TestStaleMessage(t *testing.T) {
	p := newPair(t, nil)
	msg := mustEncrypt(t, p.a, []byte("delayed"))

	p.clock.Advance(4 * time.Minute)
	if _, err := p.b.Decrypt(msg); err != nil {
		t.Errorf("Decrypt within skew failed: %v", err)
	}

	p.clock.Advance(2 * time.Minute)
	if _, err := p.b.Decrypt(msg); !errors.Is(err, crypto.ErrStale) {
		t.Errorf("Decrypt outside skew = %v, want ErrStale", err)
	}

	cfg := config.DefaultConfig()
	cfg.Messages.MaxClockSkew = 0
	q := newPair(t, cfg)
	msg = mustEncrypt(t, q.a, []byte("delayed"))
	q.clock.Advance(time.Hour)
	if _, err := q.b.Decrypt(msg); err != nil {
		t.Errorf("Decrypt with skew check disabled failed: %v", err)
	}
}

// TestReplayedMessage tests that a message is accepted once per key
// version and that the seen set is bounded by the skew window.
func TestReplayedMessage(t *testing.T) {
	p := newPair(t, nil)
	ctx := context.Background()

	msg := mustEncrypt(t, p.a, []byte("click at 10,10"))
	if _, err := p.b.Decrypt(msg); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}
	_, err := p.b.Decrypt(msg)
	if !errors.Is(err, ErrReplay) || !errors.Is(err, crypto.ErrStale) {
		t.Fatalf("Second delivery = %v, want ErrReplay", err)
	}
	if _, err := p.b.DecryptWithVersion(msg.KeyVersion, msg); !errors.Is(err, ErrReplay) {
		t.Errorf("DecryptWithVersion of replay = %v, want ErrReplay", err)
	}

	// A forged copy under a seen nonce fails authentication and does not
	// count against the genuine message.
	fresh := mustEncrypt(t, p.a, []byte("key down"))
	forged := *fresh
	forged.Tag[0] ^= 1
	if _, err := p.b.Decrypt(&forged); !errors.Is(err, crypto.ErrIntegrity) {
		t.Errorf("Forged message = %v, want ErrIntegrity", err)
	}
	if _, err := p.b.Decrypt(fresh); err != nil {
		t.Errorf("Genuine message after forgery rejected: %v", err)
	}

	// Entries age out with the skew window; the replay is then stale.
	p.clock.Advance(6 * time.Minute)
	late := mustEncrypt(t, p.a, []byte("later"))
	if _, err := p.b.Decrypt(late); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if n := p.b.replay.size(1); n != 1 {
		t.Errorf("Seen nonces after window = %d, want 1", n)
	}
	if _, err := p.b.Decrypt(msg); !errors.Is(err, crypto.ErrStale) {
		t.Errorf("Old replay = %v, want ErrStale", err)
	}

	// A rotation keeps the previous version's entries until it is retired.
	inFlight := mustEncrypt(t, p.a, []byte("before rotation"))
	if err := p.a.Rotate(ctx); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if _, err := p.b.Decrypt(inFlight); err != nil {
		t.Fatalf("In-flight message rejected: %v", err)
	}
	if _, err := p.b.Decrypt(inFlight); !errors.Is(err, ErrReplay) {
		t.Errorf("In-flight replay during grace = %v, want ErrReplay", err)
	}
	p.clock.Advance(31 * time.Second)
	p.b.Prune(ctx)
	if n := p.b.replay.size(1); n != 0 {
		t.Errorf("Seen nonces for retired version = %d, want 0", n)
	}
}

// TestReplayWithoutSkewCheck tests replay detection when the clock-skew
// check is disabled.
func TestReplayWithoutSkewCheck(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Messages.MaxClockSkew = 0
	p := newPair(t, cfg)

	msg := mustEncrypt(t, p.a, []byte("paste"))
	if _, err := p.b.Decrypt(msg); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	p.clock.Advance(time.Hour)
	if _, err := p.b.Decrypt(msg); !errors.Is(err, ErrReplay) {
		t.Errorf("Replay an hour later = %v, want ErrReplay", err)
	}
}

// TestRotationConflict tests that a rotation must target the next version.
func TestRotationConflict(t *testing.T) {
	p := newPair(t, nil)
	kp, _ := crypto.GenerateKeyPair()

	if _, err := p.b.AcceptRotation(context.Background(), 5, kp.PublicKey[:]); !errors.Is(err, ErrRotationConflict) {
		t.Errorf("AcceptRotation(5) = %v, want ErrRotationConflict", err)
	}

	stale, err := crypto.EstablishSessionKeys(p.id, kp, kp.PublicKey[:])
	if err != nil {
		t.Fatalf("EstablishSessionKeys failed: %v", err)
	}
	if err := p.a.Install(context.Background(), stale); !errors.Is(err, ErrRotationConflict) {
		t.Errorf("Install of version 1 = %v, want ErrRotationConflict", err)
	}
	if p.a.KeyVersion() != 1 {
		t.Errorf("KeyVersion = %d after failed install", p.a.KeyVersion())
	}

	failing := ExchangerFunc(func(context.Context, uuid.UUID, uint32, [crypto.KeySize]byte) ([]byte, error) {
		return nil, errors.New("peer unreachable")
	})
	q := newPair(t, nil, WithExchanger(failing))
	if err := q.a.Rotate(context.Background()); err == nil {
		t.Fatal("Rotate with failing exchanger succeeded")
	}
	if q.a.KeyVersion() != 1 || q.a.State().Has(StateRotationPending) {
		t.Errorf("After failed rotation: version %d, state %s", q.a.KeyVersion(), q.a.State())
	}
}

// TestRotationDiverged tests that a session is retired when the peer
// accepted a rotation that cannot be installed locally.
func TestRotationDiverged(t *testing.T) {
	var r *pair
	// The peer starts its own rotation to the same version while ours is
	// in flight, and a installs it first.
	crossing := ExchangerFunc(func(ctx context.Context, _ uuid.UUID, version uint32, pub [crypto.KeySize]byte) ([]byte, error) {
		reply, err := r.b.AcceptRotation(ctx, version, pub[:])
		if err != nil {
			return nil, err
		}
		peer, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		defer peer.Destroy()
		if _, err := r.a.AcceptRotation(ctx, version, peer.PublicKey[:]); err != nil {
			return nil, err
		}
		return reply[:], nil
	})
	r = newPair(t, nil, WithExchanger(crossing))

	err := r.a.Rotate(context.Background())
	if !errors.Is(err, ErrRotationConflict) {
		t.Fatalf("Rotate = %v, want ErrRotationConflict", err)
	}
	if r.a.State() != StateRetired {
		t.Errorf("State = %s, want retired", r.a.State())
	}
	if _, err := r.a.Encrypt([]byte("x")); !errors.Is(err, crypto.ErrKeyExpired) {
		t.Errorf("Encrypt after divergence = %v, want ErrKeyExpired", err)
	}
}

// TestMaxRetainedVersions tests eviction of the oldest retained version.
func TestMaxRetainedVersions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Keys.MaxRetainedVersions = 1
	m := NewManager(cfg)
	s := m.NewSession(uuid.New())

	kp, _ := crypto.GenerateKeyPair()
	peer, _ := crypto.GenerateKeyPair()
	if err := s.Establish(context.Background(), kp, peer.PublicKey[:]); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	v1 := mustEncrypt(t, s, []byte("v1"))

	for i := 0; i < 3; i++ {
		if err := s.Rotate(context.Background()); err != nil {
			t.Fatalf("Rotate %d failed: %v", i, err)
		}
	}
	if got := s.RetainedVersions(); !slices.Equal(got, []uint32{3}) {
		t.Errorf("RetainedVersions = %v, want [3]", got)
	}
	if _, err := s.Decrypt(v1); !errors.Is(err, crypto.ErrKeyExpired) {
		t.Errorf("Decrypt of evicted version = %v, want ErrKeyExpired", err)
	}
}

// TestZeroGracePeriod tests that the previous version is scrubbed on
// rotation when no grace period is configured.
func TestZeroGracePeriod(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Keys.RotationGracePeriod = 0
	p := newPair(t, cfg)

	msg := mustEncrypt(t, p.a, []byte("in flight"))
	if err := p.a.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if _, err := p.b.Decrypt(msg); !errors.Is(err, crypto.ErrKeyExpired) {
		t.Errorf("Decrypt = %v, want ErrKeyExpired", err)
	}
}

// TestFailureReportThrottle tests that rejected messages are always
// counted but reported at a bounded rate.
func TestFailureReportThrottle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Messages.FailureReportRate = 1
	cfg.Messages.FailureReportBurst = 2

	var logs bytes.Buffer
	chain := audit.NewChain()
	clock := newFakeClock()
	m := NewManager(cfg,
		WithClock(clock.Now),
		WithAudit(chain),
		WithLogger(observability.NewLogger("e2ee", "test", &logs)),
		WithMetrics(observability.NewMetrics()),
	)
	s := m.NewSession(uuid.New())
	kp, _ := crypto.GenerateKeyPair()
	if err := s.Establish(context.Background(), kp, kp.PublicKey[:]); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	msg := mustEncrypt(t, s, []byte("payload"))
	msg.Tag[0] ^= 1

	for i := 0; i < 5; i++ {
		if _, err := s.Decrypt(msg); !errors.Is(err, crypto.ErrIntegrity) {
			t.Fatalf("Decrypt = %v, want ErrIntegrity", err)
		}
	}
	countFailures := func() int {
		n := 0
		for _, e := range chain.Entries() {
			if e.Event.Action == audit.ActionDecryptFailed {
				n++
				if e.Event.ErrorKind != "integrity" {
					t.Errorf("ErrorKind = %q", e.Event.ErrorKind)
				}
			}
		}
		return n
	}
	if n := countFailures(); n != 2 {
		t.Errorf("Reported failures = %d, want 2", n)
	}

	clock.Advance(2 * time.Second)
	if _, err := s.Decrypt(msg); err == nil {
		t.Fatal("Tampered message accepted")
	}
	if n := countFailures(); n != 3 {
		t.Errorf("Reported failures after refill = %d, want 3", n)
	}
	if !strings.Contains(logs.String(), `"suppressed":3`) {
		t.Errorf("Log does not carry suppressed count: %s", logs.String())
	}
	if strings.Contains(logs.String(), "payload") {
		t.Error("Plaintext leaked into logs")
	}
}

// TestSessionStream tests stream encryption through a session, including
// a stream produced before a rotation.
func TestSessionStream(t *testing.T) {
	p := newPair(t, nil)
	ctx := context.Background()

	data := bytes.Repeat([]byte("recording frame "), 20000)
	var sealed bytes.Buffer
	meta, err := p.a.EncryptStream(ctx, bytes.NewReader(data), &sealed)
	if err != nil {
		t.Fatalf("EncryptStream failed: %v", err)
	}
	if meta.ChunkSize != config.DefaultConfig().Stream.ChunkSize {
		t.Errorf("ChunkSize = %d", meta.ChunkSize)
	}

	if err := p.a.Rotate(ctx); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	var out bytes.Buffer
	if err := p.b.DecryptStream(ctx, bytes.NewReader(sealed.Bytes()), &out, meta); err != nil {
		t.Fatalf("DecryptStream failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Error("Stream round trip mismatch")
	}

	p.clock.Advance(time.Minute)
	if err := p.b.DecryptStream(ctx, bytes.NewReader(sealed.Bytes()), io.Discard, meta); !errors.Is(err, crypto.ErrKeyExpired) {
		t.Errorf("DecryptStream after grace = %v, want ErrKeyExpired", err)
	}
}

// TestConcurrentTraffic tests encryption and decryption from many
// goroutines while a rotation happens.
func TestConcurrentTraffic(t *testing.T) {
	p := newPair(t, nil)

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				msg, err := p.a.Encrypt([]byte("concurrent"))
				if err != nil {
					errs <- err
					return
				}
				if _, err := p.b.Decrypt(msg); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	if err := p.a.Rotate(context.Background()); err != nil {
		t.Errorf("Rotate failed: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent traffic failed: %v", err)
	}
}

// TestStateString tests the state bitset rendering.
func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateUninitialized:                 "uninitialized",
		StateEstablished:                   "established",
		StateActive | StateRotationPending: "active|rotation_pending",
		StateEstablished | StateActive:     "established|active",
		StateRetired:                       "retired",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
