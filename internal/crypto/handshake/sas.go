package handshake

import (
	"strings"

	"github.com/quantarax/e2ee/internal/crypto"
	"github.com/zeebo/blake3"
)

const (
	sasContext = "remotec-e2ee-v1 2026-01 short authentication string"
	sasWords   = 4
)

// 64 short, distinct words; each word encodes 6 bits.
var sasWordList = [64]string{
	"acorn", "anchor", "apple", "arrow", "badge", "basil", "bell", "birch",
	"bison", "bolt", "cabin", "camel", "cedar", "chalk", "cliff", "clover",
	"comet", "coral", "crane", "delta", "dune", "eagle", "ember", "fern",
	"flint", "fox", "garnet", "glacier", "harbor", "hazel", "heron", "iris",
	"ivory", "jade", "juniper", "kayak", "kettle", "lagoon", "lantern", "lemon",
	"lotus", "maple", "meadow", "mint", "nectar", "oasis", "olive", "onyx",
	"orbit", "otter", "pebble", "pine", "quartz", "raven", "reef", "saffron",
	"sage", "sparrow", "tulip", "tundra", "velvet", "walnut", "willow", "zephyr",
}

// SAS returns a short authentication string both endpoints can read aloud
// to confirm they share the same session keys. It reveals nothing usable
// about the keys themselves.
func (r *Result) SAS() string {
	return ShortAuthString(r.Keys)
}

// ShortAuthString derives the SAS for keys.
func ShortAuthString(keys *crypto.SessionKeys) string {
	var digest [sasWords]byte
	blake3.DeriveKey(sasContext, keys.AuthenticationKey[:], digest[:])

	words := make([]string, 0, sasWords)
	for _, b := range digest {
		words = append(words, sasWordList[b&63])
	}
	return strings.Join(words, "-")
}
