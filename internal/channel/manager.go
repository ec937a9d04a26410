// Package channel manages the lifecycle of session key material: initial
// establishment, use, rotation with a bounded grace period for in-flight
// messages, and retirement.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/quantarax/e2ee/internal/audit"
	"github.com/quantarax/e2ee/internal/config"
	"github.com/quantarax/e2ee/internal/crypto"
	"github.com/quantarax/e2ee/internal/observability"
	"github.com/quantarax/e2ee/internal/ratelimit"
)

// ErrRotationConflict is returned when rotated keys do not follow the
// session's active version, e.g. after a concurrent rotation.
var ErrRotationConflict = errors.New("rotation conflict")

// ErrAlreadyEstablished is returned by Establish on a session that already
// holds keys.
var ErrAlreadyEstablished = errors.New("session already established")

// Exchanger carries a fresh public key for the next key version to the peer
// and returns the peer's fresh public key. It is supplied by the signaling
// collaborator; the channel performs no network I/O itself.
type Exchanger interface {
	Exchange(ctx context.Context, sessionID uuid.UUID, version uint32, localPublic [crypto.KeySize]byte) ([]byte, error)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context, sessionID uuid.UUID, version uint32, localPublic [crypto.KeySize]byte) ([]byte, error)

func (f ExchangerFunc) Exchange(ctx context.Context, sessionID uuid.UUID, version uint32, localPublic [crypto.KeySize]byte) ([]byte, error) {
	return f(ctx, sessionID, version, localPublic)
}

// Manager is the KeyLifecycleManager. It holds policy and collaborators
// only; per-session key state lives in Session values it creates.
type Manager struct {
	maxKeyAge    time.Duration
	grace        time.Duration
	maxRetained  int
	maxClockSkew time.Duration
	chunkSize    int

	now       func() time.Time
	audit     audit.Sink
	logger    *observability.Logger
	metrics   *observability.Metrics
	exchanger Exchanger
	failures  *ratelimit.KeyedLimiter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAudit sets the audit sink. The default discards events.
func WithAudit(s audit.Sink) Option {
	return func(m *Manager) { m.audit = s }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *observability.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithExchanger sets the peer key exchanger used by RotateSessionKeys.
func WithExchanger(e Exchanger) Option {
	return func(m *Manager) { m.exchanger = e }
}

// NewManager creates a manager from cfg (defaults if nil).
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m := &Manager{
		maxKeyAge:    cfg.Keys.MaxKeyAge,
		grace:        cfg.Keys.RotationGracePeriod,
		maxRetained:  cfg.Keys.MaxRetainedVersions,
		maxClockSkew: cfg.Messages.MaxClockSkew,
		chunkSize:    cfg.Stream.ChunkSize,
		now:          time.Now,
		audit:        audit.Nop{},
		logger:       observability.NopLogger(),
		failures:     ratelimit.NewKeyedLimiter(cfg.Messages.FailureReportRate, cfg.Messages.FailureReportBurst, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewSession creates an uninitialized session.
func (m *Manager) NewSession(sessionID uuid.UUID) *Session {
	return &Session{
		id:     sessionID,
		m:      m,
		log:    m.logger,
		replay: newReplayCache(m.maxClockSkew),
	}
}

// IsRotationRequired reports whether keys are older than the configured
// maximum key age.
func (m *Manager) IsRotationRequired(keys *crypto.SessionKeys) bool {
	if keys == nil {
		return false
	}
	return m.now().Sub(keys.CreatedAt) > m.maxKeyAge
}

// RotateSessionKeys runs a fresh key agreement and derives the next key
// version for sessionID. current is not modified.
//
// The peer's fresh public key comes from the configured Exchanger. Without
// one, the agreement runs against a throwaway local peer, which suits
// single-endpoint use such as recordings at rest.
func (m *Manager) RotateSessionKeys(ctx context.Context, sessionID uuid.UUID, current *crypto.SessionKeys) (*crypto.SessionKeys, error) {
	if current == nil {
		return nil, &crypto.Error{Kind: crypto.KindInvalidKey, Op: "rotate", Err: errors.New("current keys are nil")}
	}
	ctx, span := observability.StartSpan(ctx, "channel.rotate", sessionID.String(), current.Version)
	next, err := m.rotate(ctx, sessionID, current)
	observability.EndSpan(span, crypto.KindOf(err).String(), err)
	return next, err
}

func (m *Manager) rotate(ctx context.Context, sessionID uuid.UUID, current *crypto.SessionKeys) (*crypto.SessionKeys, error) {
	local, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer local.Destroy()

	var remotePublic []byte
	if m.exchanger != nil {
		remotePublic, err = m.exchanger.Exchange(ctx, sessionID, current.Version+1, local.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("rotation key exchange failed: %w", err)
		}
	} else {
		peer, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		defer peer.Destroy()
		remotePublic = peer.PublicKey[:]
	}

	return m.DeriveRotatedKeys(sessionID, current, local, remotePublic)
}

// DeriveRotatedKeys derives version current.Version+1 from a fresh key
// agreement between local and remotePublic. The new keys depend only on the
// new agreement, never on current's key material, and are guaranteed to
// differ from current's.
func (m *Manager) DeriveRotatedKeys(sessionID uuid.UUID, current *crypto.SessionKeys, local *crypto.KeyPair, remotePublic []byte) (*crypto.SessionKeys, error) {
	if current == nil || local == nil {
		return nil, &crypto.Error{Kind: crypto.KindInvalidKey, Op: "rotate", Err: errors.New("missing key material")}
	}
	if current.SessionID != sessionID {
		return nil, &crypto.Error{Kind: crypto.KindInvalidKey, Op: "rotate", Err: fmt.Errorf("keys belong to session %s", current.SessionID)}
	}
	if current.Version == math.MaxUint32 {
		return nil, &crypto.Error{Kind: crypto.KindInvalidKey, Op: "rotate", Err: errors.New("key version exhausted")}
	}

	shared, err := crypto.KeyExchange(local.PrivateKey[:], remotePublic)
	m.recordAgreement(err == nil)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(shared[:])

	next, err := crypto.DeriveSessionKeys(sessionID, current.Version+1, shared[:])
	if err != nil {
		return nil, err
	}
	if next.EncryptionKey == current.EncryptionKey || next.AuthenticationKey == current.AuthenticationKey {
		next.Destroy()
		return nil, &crypto.Error{Kind: crypto.KindInvalidKey, Op: "rotate", Err: errors.New("rotated keys repeat previous keys")}
	}
	next.CreatedAt = m.now().UTC()
	return next, nil
}

func (m *Manager) recordAgreement(ok bool) {
	if m.metrics != nil {
		m.metrics.RecordKeyAgreement(ok)
	}
}

func (m *Manager) record(ctx context.Context, e audit.Event) {
	if e.Time.IsZero() {
		e.Time = m.now().UTC()
	}
	if err := m.audit.Record(ctx, e); err != nil {
		m.logger.Error(err, "audit sink failed")
	}
}
