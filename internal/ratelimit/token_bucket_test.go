package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestKeyedLimiterBurstAndRefill(t *testing.T) {
	l := NewKeyedLimiter(1, 3, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !l.Allow("s1", now) {
			t.Fatalf("Allow #%d within burst denied", i)
		}
	}
	if l.Allow("s1", now) {
		t.Error("Allow beyond burst permitted")
	}
	if !l.Allow("s2", now) {
		t.Error("Independent key throttled")
	}
	if !l.Allow("s1", now.Add(time.Second)) {
		t.Error("Token not refilled after one second")
	}
}

func TestKeyedLimiterEviction(t *testing.T) {
	l := NewKeyedLimiter(10, 1, time.Second)
	start := time.Unix(1_700_000_000, 0)

	l.Allow("idle", start)
	later := start.Add(time.Minute)
	for i := 0; i < 256; i++ {
		l.Allow(fmt.Sprintf("k%d", i%4), later)
	}
	if _, ok := l.byKey["idle"]; ok {
		t.Error("Idle key not evicted")
	}

	l.Forget("k0")
	if l.Len() != 3 {
		t.Errorf("Len = %d, want 3", l.Len())
	}
}

func TestNilKeyedLimiterAllows(t *testing.T) {
	var l *KeyedLimiter
	if NewKeyedLimiter(0, 1, 0) != nil {
		t.Error("Expected nil limiter for zero rate")
	}
	if !l.Allow("x", time.Now()) {
		t.Error("nil limiter should allow")
	}
}
