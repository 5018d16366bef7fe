package dispatch

import (
	"sync"
	"time"

	"github.com/tqserver/core/internal/constants"
)

// SlowPacketState is the per-connection SlowDetect state (spec §3, §4.7):
// a sliding window of slow-occurrence timestamps, a per-type slow counter,
// and running slow/very-slow totals.
type SlowPacketState struct {
	mu sync.Mutex

	occurrences []time.Time
	perType     map[uint16]int
	totalSlow   int
	totalVery   int
}

// NewSlowPacketState returns an empty SlowPacketState.
func NewSlowPacketState() *SlowPacketState {
	return &SlowPacketState{perType: make(map[uint16]int)}
}

// Record logs one handler-duration sample. slow is true once dur crosses
// the slow threshold; verySlow once it crosses the very-slow threshold.
// Below the slow threshold, Record is a prune-only no-op.
func (s *SlowPacketState) Record(packetType uint16, dur time.Duration) (slow, verySlow bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-constants.SlowPacketWindow)
	kept := s.occurrences[:0]
	for _, ts := range s.occurrences {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.occurrences = kept

	if dur < constants.SlowPacketThreshold {
		return false, false
	}

	s.occurrences = append(s.occurrences, now)
	s.perType[packetType]++
	s.totalSlow++
	slow = true
	if dur >= constants.VerySlowPacketThreshold {
		s.totalVery++
		verySlow = true
	}
	return slow, verySlow
}

// Totals returns the running slow/very-slow counters.
func (s *SlowPacketState) Totals() (slow, verySlow int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSlow, s.totalVery
}

// SlowPacketRegistry owns one SlowPacketState per connection.
type SlowPacketRegistry struct {
	mu     sync.Mutex
	states map[uint32]*SlowPacketState
}

// NewSlowPacketRegistry returns an empty registry.
func NewSlowPacketRegistry() *SlowPacketRegistry {
	return &SlowPacketRegistry{states: make(map[uint32]*SlowPacketState)}
}

// Get returns connID's state, creating it on first access.
func (r *SlowPacketRegistry) Get(connID uint32) *SlowPacketState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[connID]
	if !ok {
		s = NewSlowPacketState()
		r.states[connID] = s
	}
	return s
}

// Forget drops connID's state.
func (r *SlowPacketRegistry) Forget(connID uint32) {
	r.mu.Lock()
	delete(r.states, connID)
	r.mu.Unlock()
}
