// Package audit defines the sink the channel reports security events to.
//
// Events carry only non-sensitive metadata: session id, key version, error
// kind, device id. Nothing here ever sees key bytes or plaintext.
package audit

import (
	"context"
	"errors"
	"time"
)

// Actions recorded by the channel.
const (
	ActionKeysEstablished     = "e2ee.keys_established"
	ActionKeysRotated         = "e2ee.keys_rotated"
	ActionKeyVersionRetired   = "e2ee.key_version_retired"
	ActionSessionRetired      = "e2ee.session_retired"
	ActionDecryptFailed       = "e2ee.decrypt_failed"
	ActionCertificateIssued   = "e2ee.certificate_generated"
	ActionCertificateRejected = "e2ee.certificate_rejected"
)

// Event is one audit record.
type Event struct {
	Time       time.Time         `json:"time"`
	Action     string            `json:"action"`
	SessionID  string            `json:"session_id,omitempty"`
	Subject    string            `json:"subject,omitempty"` // device or key id
	KeyVersion uint32            `json:"key_version,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

type multi []Sink

// Multi fans each event out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
