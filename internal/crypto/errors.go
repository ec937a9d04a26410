package crypto

import (
	"errors"
	"fmt"
)

// Kind classifies a channel failure so callers can branch on it without
// string matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindInvalidKey marks malformed or degenerate key material.
	KindInvalidKey
	// KindIntegrity marks an authentication tag or MAC mismatch.
	KindIntegrity
	// KindKeyExpired marks a retired key version or an expired certificate.
	KindKeyExpired
	// KindStale marks a message outside the accepted clock-skew window.
	KindStale
)

func (k Kind) String() string {
	switch k {
	case KindInvalidKey:
		return "invalid_key"
	case KindIntegrity:
		return "integrity"
	case KindKeyExpired:
		return "key_expired"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Error is the tagged error returned by every fallible channel operation.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "decrypt"
	Err  error  // optional underlying cause
}

var (
	// ErrInvalidKey matches any error of KindInvalidKey via errors.Is.
	ErrInvalidKey = &Error{Kind: KindInvalidKey}

	// ErrIntegrity matches any error of KindIntegrity via errors.Is.
	ErrIntegrity = &Error{Kind: KindIntegrity}

	// ErrKeyExpired matches any error of KindKeyExpired via errors.Is.
	ErrKeyExpired = &Error{Kind: KindKeyExpired}

	// ErrStale matches any error of KindStale via errors.Is.
	ErrStale = &Error{Kind: KindStale}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	switch e.Kind {
	case KindInvalidKey:
		msg = "invalid key"
	case KindIntegrity:
		msg = "integrity check failed"
	case KindKeyExpired:
		msg = "key expired"
	case KindStale:
		msg = "stale message"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. This lets the
// package-level sentinels match wrapped errors that carry an Op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func invalidKey(op string, format string, args ...any) error {
	return &Error{Kind: KindInvalidKey, Op: op, Err: fmt.Errorf(format, args...)}
}

func integrityError(op string, cause error) error {
	return &Error{Kind: KindIntegrity, Op: op, Err: cause}
}
