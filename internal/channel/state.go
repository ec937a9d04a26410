package channel

import "strings"

// State is the key-material state of a session. Active and RotationPending
// may be set together while a rotation is under way.
type State uint8

const (
	StateUninitialized State = 0
	StateEstablished   State = 1 << (iota - 1)
	StateActive
	StateRotationPending
	StateRetired
)

// Has reports whether every bit of f is set.
func (s State) Has(f State) bool {
	return s&f == f
}

func (s State) String() string {
	if s == StateUninitialized {
		return "uninitialized"
	}
	var parts []string
	for _, f := range []struct {
		bit  State
		name string
	}{
		{StateEstablished, "established"},
		{StateActive, "active"},
		{StateRotationPending, "rotation_pending"},
		{StateRetired, "retired"},
	} {
		if s.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}
