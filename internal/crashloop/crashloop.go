// Package crashloop counts unexpected exits per key over a sliding window.
package crashloop

import (
	"sync"
	"time"
)

// Guard trips once a key records max exits within window.
type Guard struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	records map[string][]time.Time

	// now is swapped in tests
	now func() time.Time
}

// New returns a Guard with the given limit and window.
func New(limit int, window time.Duration) *Guard {
	return &Guard{
		max:     limit,
		window:  window,
		records: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Max returns the exit count at which the breaker trips.
func (g *Guard) Max() int { return g.max }

// Window returns the sliding window length.
func (g *Guard) Window() time.Duration { return g.window }

// Record appends an exit for key and returns the count inside the window.
func (g *Guard) Record(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.records[key] = append(g.prune(key, now), now)
	return len(g.records[key])
}

// Count returns exits for key inside the window.
func (g *Guard) Count(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prune(key, g.now()))
}

// Tripped reports whether key has reached the limit.
func (g *Guard) Tripped(key string) bool {
	return g.Count(key) >= g.max
}

// Exits returns a copy of the timestamps inside the window, oldest first.
func (g *Guard) Exits(key string) []time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.prune(key, g.now())
	out := make([]time.Time, len(kept))
	copy(out, kept)
	return out
}

// Clear drops all history for key.
func (g *Guard) Clear(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, key)
}

// prune drops entries older than the window. Callers hold mu.
func (g *Guard) prune(key string, now time.Time) []time.Time {
	entries := g.records[key]
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	kept := append([]time.Time(nil), entries[i:]...)
	if len(kept) == 0 {
		delete(g.records, key)
		return nil
	}
	g.records[key] = kept
	return kept
}
