// Package manager implements ConnectionManager: the accept loop and the
// id → connection map, with broadcast fan-out (spec §4.8). Grounded on the
// teacher repo's client-map bookkeeping in internal/gameserver (one entry
// per accepted socket) generalized to the CORE's id-keyed map and
// cancellation-cascading shutdown (spec §5).
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tqserver/core/internal/core/bufpool"
	"github.com/tqserver/core/internal/core/codec"
	"github.com/tqserver/core/internal/core/conn"
)

// entry is what the manager keeps per connection: enough to enqueue sends
// and issue control signals without reaching into the connection's
// internals (spec §3: "the ConnectionManager holds a weak handle").
type entry struct {
	connection *conn.Connection
}

// Manager owns the id → connection map, assigns ids, and accepts new
// sockets. One Manager exists per listening server.
type Manager struct {
	p, g *big.Int

	pool          *bufpool.BytePool
	inbound       chan<- codec.InboundMessage
	sendQueueSize int

	nextID atomic.Uint32

	mu    sync.RWMutex
	conns map[uint32]*entry

	wg sync.WaitGroup

	onRemove func(id uint32)
}

// Config bundles the parameters needed to accept and run connections.
type Config struct {
	P, G          *big.Int
	Pool          *bufpool.BytePool
	Inbound       chan<- codec.InboundMessage
	SendQueueSize int
}

// New constructs a Manager. The DH parameters, buffer pool, and inbound
// channel are shared across every connection it accepts.
func New(cfg Config) *Manager {
	return &Manager{
		p:             cfg.P,
		g:             cfg.G,
		pool:          cfg.Pool,
		inbound:       cfg.Inbound,
		sendQueueSize: cfg.SendQueueSize,
		conns:         make(map[uint32]*entry),
	}
}

// Accept runs the accept loop until ctx is canceled or the listener fails.
// Each accepted socket gets a freshly assigned ConnectionId and its own
// Run goroutine tree, supervised under an errgroup so manager-level
// shutdown cascades to every live connection (spec §5).
func (m *Manager) Accept(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			netConn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil // listener closed by the shutdown goroutine above
				}
				return fmt.Errorf("manager: accept: %w", err)
			}
			m.handleAccepted(gctx, netConn)
		}
	})

	err := g.Wait()
	m.wg.Wait() // wait for every connection's Run to finish cleaning up
	return err
}

func (m *Manager) handleAccepted(ctx context.Context, netConn net.Conn) {
	id := m.nextID.Add(1)

	c, err := conn.New(id, netConn, m.p, m.g, m.pool, m.inbound, m.sendQueueSize, m.remove)
	if err != nil {
		slog.Error("manager: constructing connection failed", "conn_id", id, "error", err)
		_ = netConn.Close()
		return
	}

	m.mu.Lock()
	m.conns[id] = &entry{connection: c}
	m.mu.Unlock()

	slog.Info("connection accepted", "conn_id", id, "remote", netConn.RemoteAddr())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := c.Run(ctx); err != nil {
			slog.Debug("connection run ended", "conn_id", id, "error", err)
		}
	}()
}

// remove drops a connection's map entry; called once by the connection
// itself when it disconnects (spec §4.8: "task owns its own cleanup").
func (m *Manager) remove(id uint32, reason string) {
	m.mu.Lock()
	_, existed := m.conns[id]
	delete(m.conns, id)
	count := len(m.conns)
	onRemove := m.onRemove
	m.mu.Unlock()

	if existed {
		slog.Info("connection removed", "conn_id", id, "reason", reason, "remaining", count)
		if onRemove != nil {
			onRemove(id)
		}
	}
}

// SetOnRemove registers a hook invoked after a connection is dropped from
// the map, with its id. Used to evict per-connection dispatch state
// (rate-limit, slow-detect, metrics) that would otherwise outlive the
// connection it describes.
func (m *Manager) SetOnRemove(fn func(id uint32)) {
	m.mu.Lock()
	m.onRemove = fn
	m.mu.Unlock()
}

// Count returns the number of currently tracked connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Get returns the connection for id, if still tracked.
func (m *Manager) Get(id uint32) (*conn.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	if !ok {
		return nil, false
	}
	return e.connection, true
}

// Disconnect is an admin-initiated disconnect of a single connection by id.
func (m *Manager) Disconnect(id uint32, reason string) bool {
	m.mu.RLock()
	e, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	e.connection.Disconnect(reason, true)
	return true
}

// BroadcastAll enqueues data on every tracked connection except exclude (0
// means no exclusion). Individual failures are logged and counted but
// never abort the broadcast (spec §4.8).
func (m *Manager) BroadcastAll(data []byte, exclude uint32) (sent, failed int) {
	return m.broadcast(m.snapshot(), data, exclude)
}

// BroadcastToMap enqueues data on every tracked connection present in ids,
// except exclude. The caller (a map/zone owner outside the core) supplies
// the id set; the core has no notion of maps itself.
func (m *Manager) BroadcastToMap(data []byte, ids []uint32, exclude uint32) (sent, failed int) {
	m.mu.RLock()
	targets := make([]*conn.Connection, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.conns[id]; ok {
			targets = append(targets, e.connection)
		}
	}
	m.mu.RUnlock()
	return m.broadcast(targets, data, exclude)
}

func (m *Manager) snapshot() []*conn.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*conn.Connection, 0, len(m.conns))
	for _, e := range m.conns {
		out = append(out, e.connection)
	}
	return out
}

func (m *Manager) broadcast(targets []*conn.Connection, data []byte, exclude uint32) (sent, failed int) {
	for _, c := range targets {
		if c.ID() == exclude {
			continue
		}
		if err := c.Send(data); err != nil {
			slog.Warn("broadcast send failed", "conn_id", c.ID(), "error", err)
			failed++
			continue
		}
		sent++
	}
	return sent, failed
}

// Shutdown disconnects every tracked connection in turn, each with the
// lingering (immediate=false) close. Accept's
// context cancellation already cascades to each connection's tasks; this is
// for an explicit, synchronous drain path (e.g. admin shutdown command).
func (m *Manager) Shutdown(reason string) {
	for _, c := range m.snapshot() {
		c.Disconnect(reason, false)
	}
}
