package dispatch

import (
	"sync"
	"time"

	"github.com/tqserver/core/internal/constants"
)

// RateLimiterState is the per-connection RateLimit state: a token bucket
// plus the flood and diversity detection windows (spec §3, §4.7).
type RateLimiterState struct {
	mu sync.Mutex

	tokens     float64
	lastRefill time.Time

	arrivals []time.Time // recent arrivals, pruned to the flood window

	seenTypes  map[uint16]struct{}
	windowOpen time.Time
}

// NewRateLimiterState returns a state with a full token bucket.
func NewRateLimiterState() *RateLimiterState {
	now := time.Now()
	return &RateLimiterState{
		tokens:     constants.MaxPacketsPerSecond,
		lastRefill: now,
		seenTypes:  make(map[uint16]struct{}),
		windowOpen: now,
	}
}

// Allow records one packet arrival of the given type against the token
// bucket, flood window, and diversity window, in that order (spec §4.7
// step 1). ok is false the moment any check fails; reason names which one.
func (s *RateLimiterState) Allow(packetType uint16) (ok bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	elapsed := now.Sub(s.lastRefill).Seconds()
	s.tokens += elapsed * constants.MaxPacketsPerSecond
	if s.tokens > constants.MaxPacketsPerSecond {
		s.tokens = constants.MaxPacketsPerSecond
	}
	s.lastRefill = now

	if s.tokens < 1 {
		return false, "rate limit exceeded"
	}

	cutoff := now.Add(-constants.FloodWindow)
	kept := s.arrivals[:0]
	for _, ts := range s.arrivals {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.arrivals = kept
	if len(s.arrivals) >= constants.FloodThreshold {
		return false, "flood"
	}

	if now.Sub(s.windowOpen) > constants.DiversityWindow {
		s.seenTypes = make(map[uint16]struct{})
		s.windowOpen = now
	}
	if _, seen := s.seenTypes[packetType]; !seen && len(s.seenTypes) >= constants.DiversityThreshold {
		return false, "suspicious diversity"
	}

	s.tokens--
	s.arrivals = append(s.arrivals, now)
	s.seenTypes[packetType] = struct{}{}
	return true, ""
}

// RateLimiterRegistry owns one RateLimiterState per connection, created
// lazily on first use and dropped on disconnect via Forget.
type RateLimiterRegistry struct {
	mu     sync.Mutex
	states map[uint32]*RateLimiterState
}

// NewRateLimiterRegistry returns an empty registry.
func NewRateLimiterRegistry() *RateLimiterRegistry {
	return &RateLimiterRegistry{states: make(map[uint32]*RateLimiterState)}
}

// Get returns connID's state, creating it on first access.
func (r *RateLimiterRegistry) Get(connID uint32) *RateLimiterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[connID]
	if !ok {
		s = NewRateLimiterState()
		r.states[connID] = s
	}
	return s
}

// Forget drops connID's state; called once the connection is removed.
func (r *RateLimiterRegistry) Forget(connID uint32) {
	r.mu.Lock()
	delete(r.states, connID)
	r.mu.Unlock()
}
