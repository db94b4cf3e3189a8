package tracking

import (
	"fmt"
	"sync"
	"time"
)

// Deduplicator decides whether a compliance event may be recorded. Each key
// fires at most once per epoch; what opens a new epoch depends on the
// strategy. A session picks its strategy once at start and keeps it for the
// whole stream.
type Deduplicator interface {
	// Allow reports whether an event for this track and status may be
	// recorded now. The first call in an epoch returns true, every later
	// call in the same epoch returns false.
	Allow(trackID int, status string) bool
}

// TrackLatch records each (track, status) pair at most once for the lifetime
// of the track. Retiring the track releases its latches so a genuinely new
// subject reusing nothing but screen space starts fresh.
type TrackLatch struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewTrackLatch creates an empty latch set.
func NewTrackLatch() *TrackLatch {
	return &TrackLatch{seen: make(map[string]bool)}
}

// Allow latches the (track, status) key on first sight.
func (l *TrackLatch) Allow(trackID int, status string) bool {
	key := fmt.Sprintf("%d_%s", trackID, status)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[key] {
		return false
	}
	l.seen[key] = true
	return true
}

// Retire releases all latches held by a dropped track.
func (l *TrackLatch) Retire(trackID int) {
	prefix := fmt.Sprintf("%d_", trackID)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.seen {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(l.seen, key)
		}
	}
}

// CooldownDedup is the fallback when no tracker is available. It admits at
// most one event per status within the cooldown window, keyed on status
// alone since without identities all same-status events are assumed to be
// the same subject.
type CooldownDedup struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewCooldownDedup creates a cooldown deduplicator with the given window.
func NewCooldownDedup(window time.Duration) *CooldownDedup {
	return &CooldownDedup{
		window:   window,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow admits the event when the status has not fired within the window.
// The track id is ignored; cooldown mode has no identities.
func (c *CooldownDedup) Allow(_ int, status string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.lastSeen[status]; ok && now.Sub(last) < c.window {
		return false
	}
	c.lastSeen[status] = now
	return true
}
