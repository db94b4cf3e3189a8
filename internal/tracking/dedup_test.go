package tracking

import (
	"testing"
	"time"
)

func TestTrackLatchFiresOncePerTrackAndStatus(t *testing.T) {
	l := NewTrackLatch()

	if !l.Allow(7, "non-compliant") {
		t.Fatal("first event for a track must be allowed")
	}
	if l.Allow(7, "non-compliant") {
		t.Error("repeat event for same track and status must be suppressed")
	}
	if !l.Allow(7, "compliant") {
		t.Error("different status on the same track must be allowed")
	}
	if !l.Allow(8, "non-compliant") {
		t.Error("same status on a different track must be allowed")
	}
}

func TestTrackLatchRetireOpensNewEpoch(t *testing.T) {
	l := NewTrackLatch()

	l.Allow(7, "non-compliant")
	l.Allow(7, "compliant")
	l.Allow(71, "non-compliant")

	l.Retire(7)

	if !l.Allow(7, "non-compliant") {
		t.Error("retired track id must be allowed to fire again")
	}
	if !l.Allow(7, "compliant") {
		t.Error("retire must release every status latch of the track")
	}
	// Track 71 shares the "7" prefix as text but is a different track.
	if l.Allow(71, "non-compliant") {
		t.Error("retiring track 7 must not release track 71")
	}
}

func TestCooldownDedupSuppressesWithinWindow(t *testing.T) {
	c := NewCooldownDedup(3 * time.Second)
	base := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	if !c.Allow(0, "non-compliant") {
		t.Fatal("first event must be allowed")
	}
	c.now = func() time.Time { return base.Add(2 * time.Second) }
	if c.Allow(0, "non-compliant") {
		t.Error("event inside cooldown window must be suppressed")
	}
	c.now = func() time.Time { return base.Add(3 * time.Second) }
	if !c.Allow(0, "non-compliant") {
		t.Error("event at window boundary must be allowed")
	}
}

func TestCooldownDedupKeysOnStatusOnly(t *testing.T) {
	c := NewCooldownDedup(3 * time.Second)
	base := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	if !c.Allow(1, "non-compliant") {
		t.Fatal("first event must be allowed")
	}
	// Different track id, same status, same instant: still suppressed.
	if c.Allow(2, "non-compliant") {
		t.Error("cooldown mode has no identities, same status must share the window")
	}
	if !c.Allow(1, "compliant") {
		t.Error("different status must have its own window")
	}
}
