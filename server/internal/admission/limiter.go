package admission

import (
	"sync"
	"time"
)

// DefaultStaleAfter is how long an idle source is remembered by default.
const DefaultStaleAfter = time.Hour

// Limiter is a per-source cooldown gate. Limiter is safe for concurrent use.
type Limiter struct {
	mu           sync.RWMutex
	cooldown     time.Duration
	lastAccepted map[string]time.Time // key: source id
}

// New creates a Limiter that grants each source once per cooldown.
// A non-positive cooldown grants every attempt.
func New(cooldown time.Duration) *Limiter {
	return &Limiter{
		cooldown:     cooldown,
		lastAccepted: make(map[string]time.Time),
	}
}

// Admit reports whether sourceID may submit at now. On a grant the source's
// window restarts at now.
func (l *Limiter) Admit(sourceID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastAccepted[sourceID]; ok && now.Sub(last) < l.cooldown {
		return false
	}
	l.lastAccepted[sourceID] = now
	return true
}

// RetryAfter returns how long sourceID must wait from now before Admit would
// grant it. Zero means it may submit now.
func (l *Limiter) RetryAfter(sourceID string, now time.Time) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()

	last, ok := l.lastAccepted[sourceID]
	if !ok {
		return 0
	}
	if wait := l.cooldown - now.Sub(last); wait > 0 {
		return wait
	}
	return 0
}

// PurgeStale forgets every source whose last grant is more than staleAfter
// before now, and returns the number removed.
func (l *Limiter) PurgeStale(now time.Time, staleAfter time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, last := range l.lastAccepted {
		if now.Sub(last) > staleAfter {
			delete(l.lastAccepted, id)
			removed++
		}
	}
	return removed
}

// Cooldown returns the current window.
func (l *Limiter) Cooldown() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cooldown
}

// SetCooldown changes the window. Existing grants are measured against the
// new value from the next call on.
func (l *Limiter) SetCooldown(d time.Duration) {
	l.mu.Lock()
	l.cooldown = d
	l.mu.Unlock()
}

// Len returns the number of sources currently tracked.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lastAccepted)
}
