package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tqserver/core/internal/constants"
)

// typeAggregate and connAggregate hold running success/failure counters.
type typeAggregate struct {
	success, failure uint64
}

type connAggregate struct {
	success, failure uint64
}

// Metrics is the Metrics middleware's shared state: running success/failure
// aggregates per packet type and per connection, plus process-wide totals
// (spec §4.7 step 5). Snapshot returns a copy of the totals and per-type
// aggregates; MaybeReport reads the counters directly under the lock.
type Metrics struct {
	mu sync.Mutex

	totalSuccess uint64
	totalFailure uint64
	perType      map[uint16]*typeAggregate
	perConn      map[uint32]*connAggregate

	lastReport time.Time
}

// NewMetrics returns an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		perType:    make(map[uint16]*typeAggregate),
		perConn:    make(map[uint32]*connAggregate),
		lastReport: time.Now(),
	}
}

// Record attributes one pipeline outcome to connID and packetType.
func (m *Metrics) Record(connID uint32, packetType uint16, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.perType[packetType]
	if !ok {
		t = &typeAggregate{}
		m.perType[packetType] = t
	}
	c, ok := m.perConn[connID]
	if !ok {
		c = &connAggregate{}
		m.perConn[connID] = c
	}

	if err != nil {
		m.totalFailure++
		t.failure++
		c.failure++
		return
	}
	m.totalSuccess++
	t.success++
	c.success++
}

// Forget drops connID's per-connection aggregate.
func (m *Metrics) Forget(connID uint32) {
	m.mu.Lock()
	delete(m.perConn, connID)
	m.mu.Unlock()
}

// TypeSnapshot is one packet type's aggregate at Snapshot time.
type TypeSnapshot struct {
	Type    uint16
	Success uint64
	Failure uint64
}

// Snapshot is a point-in-time copy of Metrics' aggregates.
type Snapshot struct {
	TotalSuccess uint64
	TotalFailure uint64
	ByType       []TypeSnapshot
}

// Snapshot returns a copy of the current aggregates.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make([]TypeSnapshot, 0, len(m.perType))
	for t, agg := range m.perType {
		byType = append(byType, TypeSnapshot{Type: t, Success: agg.success, Failure: agg.failure})
	}
	return Snapshot{
		TotalSuccess: m.totalSuccess,
		TotalFailure: m.totalFailure,
		ByType:       byType,
	}
}

// MaybeReport logs a summary if at least MetricsReportInterval has elapsed
// since the last report. Called from the Dispatcher's periodic tick
// (spec §4.7 step 5: "emits periodic reports every 5 minutes").
func (m *Metrics) MaybeReport() {
	m.mu.Lock()
	if time.Since(m.lastReport) < constants.MetricsReportInterval {
		m.mu.Unlock()
		return
	}
	m.lastReport = time.Now()
	success, failure := m.totalSuccess, m.totalFailure
	types := len(m.perType)
	conns := len(m.perConn)
	m.mu.Unlock()

	slog.Info("dispatch metrics report",
		"total_success", success,
		"total_failure", failure,
		"distinct_types", types,
		"tracked_connections", conns,
	)
}
