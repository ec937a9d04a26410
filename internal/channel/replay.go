package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/quantarax/e2ee/internal/crypto"
)

// ErrReplay is wrapped by the KindStale error returned for a message whose
// nonce was already accepted under the same key version.
var ErrReplay = errors.New("message replayed")

type nonceSet map[[crypto.NonceSize]byte]time.Time

// replayCache remembers the nonces of accepted messages per key version.
// An entry is dropped once its message would fail the clock-skew check
// anyway. With the check disabled entries live as long as their version.
type replayCache struct {
	window time.Duration

	mu        sync.Mutex
	versions  map[uint32]nonceSet
	nextSweep time.Time
}

func newReplayCache(window time.Duration) *replayCache {
	return &replayCache{window: window, versions: make(map[uint32]nonceSet)}
}

// admit records msg as seen and reports whether it was new. Only
// authenticated messages may be admitted.
func (c *replayCache) admit(msg *crypto.EncryptedMessage, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.window > 0 && !now.Before(c.nextSweep) {
		c.sweepLocked(now)
		c.nextSweep = now.Add(c.window / 4)
	}

	seen := c.versions[msg.KeyVersion]
	if seen == nil {
		seen = make(nonceSet)
		c.versions[msg.KeyVersion] = seen
	}
	if _, dup := seen[msg.Nonce]; dup {
		return false
	}
	var until time.Time
	if c.window > 0 {
		until = msg.Time().Add(c.window)
	}
	seen[msg.Nonce] = until
	return true
}

func (c *replayCache) sweepLocked(now time.Time) {
	for _, seen := range c.versions {
		for nonce, until := range seen {
			if !until.IsZero() && now.After(until) {
				delete(seen, nonce)
			}
		}
	}
}

// forget drops everything recorded for version.
func (c *replayCache) forget(version uint32) {
	c.mu.Lock()
	delete(c.versions, version)
	c.mu.Unlock()
}

func (c *replayCache) reset() {
	c.mu.Lock()
	clear(c.versions)
	c.mu.Unlock()
}

// size returns the number of nonces held for version.
func (c *replayCache) size(version uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.versions[version])
}
