package runner

import (
	"sync"
	"time"
)

const (
	burstWindow    = 5 * time.Minute
	burstThreshold = 3
)

// RateLimitMonitor tracks 429 responses per project over a sliding window.
// When a project exceeds the threshold inside the window, Record reports a
// burst exactly once per window so alerts do not repeat on every hit.
type RateLimitMonitor struct {
	mu      sync.Mutex
	hits    map[int64][]time.Time
	alerted map[int64]time.Time
}

func NewRateLimitMonitor() *RateLimitMonitor {
	return &RateLimitMonitor{
		hits:    make(map[int64][]time.Time),
		alerted: make(map[int64]time.Time),
	}
}

// Record registers one 429 for the project and reports whether this hit
// tipped the project into a burst.
func (m *RateLimitMonitor) Record(projectID int64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-burstWindow)
	kept := m.hits[projectID][:0]
	for _, t := range m.hits[projectID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.hits[projectID] = kept

	if len(kept) <= burstThreshold {
		return false
	}
	if last, ok := m.alerted[projectID]; ok && last.After(cutoff) {
		return false
	}
	m.alerted[projectID] = now
	return true
}

// Count returns the number of hits for the project inside the window.
func (m *RateLimitMonitor) Count(projectID int64, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-burstWindow)
	count := 0
	for _, t := range m.hits[projectID] {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
