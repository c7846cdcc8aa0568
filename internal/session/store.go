// Package session tracks live device sessions and answers trust queries
// for access controllers.
//
// A session opens when a device reports online over MQTT and closes when
// it reports offline or its heartbeat goes stale. Sessions live purely in
// memory; a restart simply waits for devices to re-announce themselves.
package session

import (
	"context"
	"sync"
	"time"
)

// defaultTTL is how long a session stays valid without a fresh heartbeat.
const defaultTTL = 5 * time.Minute

// Store holds active device sessions keyed by device ID.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Store struct {
	ttl time.Duration

	// now is replaceable in tests.
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]time.Time
}

// NewStore creates a session store. A non-positive ttl selects the default.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]time.Time),
	}
}

// Touch opens or refreshes the session for a device.
func (s *Store) Touch(deviceID string) {
	s.mu.Lock()
	s.sessions[deviceID] = s.now()
	s.mu.Unlock()
}

// Drop closes the session for a device.
func (s *Store) Drop(deviceID string) {
	s.mu.Lock()
	delete(s.sessions, deviceID)
	s.mu.Unlock()
}

// Active reports whether the device has an unexpired session.
func (s *Store) Active(deviceID string) bool {
	s.mu.RLock()
	seen, ok := s.sessions[deviceID]
	s.mu.RUnlock()
	return ok && s.now().Sub(seen) < s.ttl
}

// Len returns the number of tracked sessions, including any that have
// expired but not yet been swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes expired sessions and returns how many were dropped.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, seen := range s.sessions {
		if seen.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired sessions on the given interval until ctx is cancelled.
// Intended to be launched as a goroutine from main.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
