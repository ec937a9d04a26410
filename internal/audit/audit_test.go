package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func sampleEvent(action string) Event {
	return Event{
		Time:       time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
		Action:     action,
		SessionID:  "4f1c2a9e-0000-4000-8000-000000000001",
		KeyVersion: 2,
	}
}

func TestChainVerify(t *testing.T) {
	c := NewChain()
	ctx := context.Background()
	for _, a := range []string{ActionKeysEstablished, ActionKeysRotated, ActionKeyVersionRetired} {
		if err := c.Record(ctx, sampleEvent(a)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	if err := c.Verify(); err != nil {
		t.Fatalf("Verify failed on intact chain: %v", err)
	}
	if n := len(c.Entries()); n != 3 {
		t.Fatalf("Entries = %d, want 3", n)
	}
}

// TestChainDetectsTampering tests that edits, drops and reorders break the chain
func TestChainDetectsTampering(t *testing.T) {
	c := NewChain()
	for _, a := range []string{ActionKeysEstablished, ActionDecryptFailed, ActionSessionRetired} {
		if _, err := c.Append(sampleEvent(a)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	edited := c.Entries()
	edited[1].Event.ErrorKind = "none"
	if err := VerifyEntries(edited); err == nil {
		t.Error("Edited entry not detected")
	}

	dropped := c.Entries()
	dropped = append(dropped[:1], dropped[2:]...)
	if err := VerifyEntries(dropped); err == nil {
		t.Error("Dropped entry not detected")
	}

	swapped := c.Entries()
	swapped[0], swapped[1] = swapped[1], swapped[0]
	if err := VerifyEntries(swapped); err == nil {
		t.Error("Reordered entries not detected")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(&buf)

	e := sampleEvent(ActionDecryptFailed)
	e.ErrorKind = "integrity"
	e.Details = map[string]string{"op": "decrypt"}
	if err := s.Record(context.Background(), e); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Output is not JSON: %v (%s)", err, buf.String())
	}
	if line["action"] != ActionDecryptFailed || line["error_kind"] != "integrity" || line["level"] != "warn" {
		t.Errorf("Unexpected log line: %s", buf.String())
	}
	if line["key_version"] != float64(2) || line["op"] != "decrypt" {
		t.Errorf("Missing fields: %s", buf.String())
	}
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, Event) error { return f.err }

func TestMulti(t *testing.T) {
	a, b := NewChain(), NewChain()
	boom := errors.New("disk full")
	s := Multi(a, Nop{}, failingSink{boom}, b)

	err := s.Record(context.Background(), sampleEvent(ActionCertificateIssued))
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined error, got %v", err)
	}
	if len(a.Entries()) != 1 || len(b.Entries()) != 1 {
		t.Error("Event not delivered to every sink")
	}
}
