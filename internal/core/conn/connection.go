// Package conn implements ConnectionEngine: the per-connection TCP state
// machine that drives the handshake, owns the receive/send pumps and the
// health monitor, and exposes Send/Disconnect to the rest of the core
// (spec §4.5). The three cooperating tasks per connection mirror the
// teacher repo's internal/gameserver/client.go writePump/sendCh/closeCh
// pattern, generalized to a stateful handshake instead of a single
// always-on cipher.
package conn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tqserver/core/internal/constants"
	"github.com/tqserver/core/internal/core/bufpool"
	"github.com/tqserver/core/internal/core/cipher"
	"github.com/tqserver/core/internal/core/codec"
	"github.com/tqserver/core/internal/core/dh"
	"github.com/tqserver/core/internal/core/packet"
)

// Connection owns one accepted socket end to end: handshake, framing,
// encryption boundary, and lifecycle. It is constructed by the
// ConnectionManager and exclusively driven by its own Run goroutine tree.
type Connection struct {
	id      uint32
	netConn net.Conn
	cipher  *cipher.Cipher
	dh      *dh.Exchange
	codec   *codec.Codec
	pool    *bufpool.BytePool

	state   atomic.Int32
	stateMu sync.Mutex

	sendCh         chan []byte
	closeCh        chan struct{}
	disconnectOnce sync.Once

	rawBuf []byte
	rawLen int

	packetsRx         atomic.Uint64
	packetsTx         atomic.Uint64
	bytesRx           atomic.Uint64
	bytesTx           atomic.Uint64
	consecutiveErrors atomic.Int32

	connectedAt         time.Time
	handshakeStartedAt  time.Time
	lastActivityNano    atomic.Int64

	onDisconnect func(id uint32, reason string)
}

// New constructs a Connection for an accepted socket. p and g are the
// process-wide DH parameters (spec §4.2); pool is the shared receive-buffer
// pool; inbound is the global channel the Dispatcher drains; onDisconnect,
// if non-nil, is called exactly once when the connection terminates so the
// ConnectionManager can drop its map entry.
func New(id uint32, netConn net.Conn, p, g *big.Int, pool *bufpool.BytePool, inbound chan<- codec.InboundMessage, sendQueueSize int, onDisconnect func(id uint32, reason string)) (*Connection, error) {
	c, err := cipher.New([]byte(constants.SeedCipherKey))
	if err != nil {
		return nil, fmt.Errorf("conn %d: seeding cipher: %w", id, err)
	}

	exchange, err := dh.New(p, g)
	if err != nil {
		return nil, fmt.Errorf("conn %d: starting DH exchange: %w", id, err)
	}

	if sendQueueSize <= 0 {
		sendQueueSize = constants.OutboundQueueCapacity
	}

	conn := &Connection{
		id:           id,
		netConn:      netConn,
		cipher:       c,
		dh:           exchange,
		pool:         pool,
		sendCh:       make(chan []byte, sendQueueSize),
		closeCh:      make(chan struct{}),
		rawBuf:       make([]byte, 0, constants.DefaultReadBufSize),
		connectedAt:  time.Now(),
		onDisconnect: onDisconnect,
	}
	conn.codec = codec.New(id, c, inbound)
	conn.lastActivityNano.Store(time.Now().UnixNano())
	conn.setState(StateConnecting)
	return conn, nil
}

// ID returns the connection's assigned identifier.
func (c *Connection) ID() uint32 { return c.id }

// State returns the connection's current state.
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state.Store(int32(s))
}

// Stats is a point-in-time snapshot of a connection's counters, exposed for
// metrics and admin introspection.
type Stats struct {
	PacketsRx, PacketsTx uint64
	BytesRx, BytesTx     uint64
	State                State
	ConnectedAt          time.Time
}

// Stats returns a snapshot of the connection's counters.
func (c *Connection) Stats() Stats {
	return Stats{
		PacketsRx:   c.packetsRx.Load(),
		PacketsTx:   c.packetsTx.Load(),
		BytesRx:     c.bytesRx.Load(),
		BytesTx:     c.bytesTx.Load(),
		State:       c.State(),
		ConnectedAt: c.connectedAt,
	}
}

// Run drives the connection to completion: sends the handshake frame, then
// runs the receive pump, send pump, and health monitor until one exits or
// ctx is canceled, then cleans up. It returns the reason the connection
// ended (nil on graceful, context-driven shutdown).
func (c *Connection) Run(ctx context.Context) error {
	defer c.cleanup()

	c.handshakeStartedAt = time.Now()
	if err := c.sendHandshakeFrame(); err != nil {
		c.disconnect(fmt.Sprintf("handshake frame: %v", err), true)
		return err
	}
	c.setState(StateWaitingForDummyPacket)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receivePump(gctx) })
	g.Go(func() error { return c.sendPump(gctx) })
	g.Go(func() error { return c.healthMonitor(gctx) })

	err := g.Wait()
	c.disconnect(disconnectReason(err), true)
	return err
}

func disconnectReason(err error) string {
	if err == nil {
		return "shutdown"
	}
	return err.Error()
}

// sendHandshakeFrame builds and writes the server's first frame (spec
// §4.2, §6 step 1), encrypted under the seed cipher. It bypasses sendCh
// because no pump is running yet.
func (c *Connection) sendHandshakeFrame() error {
	frame, err := c.dh.CreateKeyExchangePacket(constants.DHExchangePacketType)
	if err != nil {
		return fmt.Errorf("%w: building DH exchange packet: %v", ErrProtocol, err)
	}

	encrypted := make([]byte, len(frame))
	c.cipher.Encrypt(frame, encrypted)

	if err := c.netConn.SetWriteDeadline(time.Now().Add(constants.HandshakeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if _, err := c.netConn.Write(encrypted); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}

	c.packetsTx.Add(1)
	c.bytesTx.Add(uint64(len(encrypted)))
	return nil
}

// --- receive path ---

func (c *Connection) receivePump(ctx context.Context) error {
	readBuf := c.pool.Get(constants.DefaultReadBufSize)
	defer c.pool.Put(readBuf)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.netConn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}

		n, err := c.netConn.Read(readBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // gives the loop a chance to observe ctx.Done without blocking forever
			}
			if isNonFatalReadError(err) {
				if c.consecutiveErrors.Add(1) >= constants.MaxConsecutiveErrors {
					return ErrTooManyErrors
				}
				time.Sleep(constants.NonFatalReadBackoff)
				continue
			}
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}

		c.consecutiveErrors.Store(0)
		c.bytesRx.Add(uint64(n))
		c.lastActivityNano.Store(time.Now().UnixNano())

		if err := c.appendRaw(readBuf[:n]); err != nil {
			return err
		}
		if err := c.drainRaw(); err != nil {
			return err
		}
	}
}

// appendRaw grows the receive raw buffer to hold data, bounding growth at
// twice the max frame size — enough slack for a partially arrived frame
// plus the start of the next one, never an unbounded accumulation (spec §3:
// the decrypted buffer never holds more than one in-flight frame; the raw
// buffer mirrors that bound before decryption).
func (c *Connection) appendRaw(data []byte) error {
	needed := c.rawLen + len(data)
	if needed > constants.MaxFrameSize*2 {
		return fmt.Errorf("%w: raw receive buffer exceeded", ErrTooLarge)
	}
	if cap(c.rawBuf) < needed {
		grown := make([]byte, needed)
		copy(grown, c.rawBuf[:c.rawLen])
		c.rawBuf = grown
	} else {
		c.rawBuf = c.rawBuf[:needed]
	}
	copy(c.rawBuf[c.rawLen:needed], data)
	c.rawLen = needed
	return nil
}

func (c *Connection) shiftRaw(consumed int) {
	if consumed <= 0 {
		return
	}
	remaining := c.rawLen - consumed
	copy(c.rawBuf[:remaining], c.rawBuf[consumed:c.rawLen])
	c.rawLen = remaining
}

// drainRaw processes as much of the buffered raw bytes as the current state
// allows, looping across state transitions that happen mid-buffer (e.g. the
// dummy packet and the start of the DH response arriving in the same read).
func (c *Connection) drainRaw() error {
	for {
		switch c.State() {
		case StateWaitingForDummyPacket:
			consumed, ok, err := c.tryConsumeDummyPacket()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			c.shiftRaw(consumed)
			c.setState(StateDhKeyExchange)

		case StateDhKeyExchange:
			pkt, consumed, err := c.codec.TryDecodeOne(c.rawBuf[:c.rawLen])
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			c.shiftRaw(consumed)
			if pkt == nil {
				return nil
			}
			c.packetsRx.Add(1)
			if err := c.completeHandshake(pkt); err != nil {
				return err
			}

		case StateConnected:
			consumed, frames, err := c.codec.Process(c.rawBuf[:c.rawLen])
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			c.packetsRx.Add(uint64(frames))
			c.shiftRaw(consumed)
			if consumed == 0 {
				return nil
			}

		default:
			return nil
		}
	}
}

// tryConsumeDummyPacket validates and consumes the handshake's second step:
// an unencrypted-style, length-prefixed frame whose contents are opaque
// (spec §6 step 2, §9). Only the MIN/MAX size window is enforced.
func (c *Connection) tryConsumeDummyPacket() (consumed int, ok bool, err error) {
	if c.rawLen < 2 {
		return 0, false, nil
	}
	declared := int(binary.LittleEndian.Uint16(c.rawBuf[0:2]))
	total := declared + 8
	if total < constants.MinFrameSize || total > constants.MaxFrameSize {
		return 0, false, fmt.Errorf("%w: invalid dummy packet size %d", ErrProtocol, total)
	}
	if c.rawLen < total {
		return 0, false, nil
	}
	return total, true, nil
}

// completeHandshake consumes the DH response frame (spec §6 step 3):
// extracts the client's public key, derives the shared session key, rekeys
// and resets the cipher, and transitions to Connected.
func (c *Connection) completeHandshake(pkt *packet.Packet) error {
	if !pkt.IsComplete() || !pkt.IsClientPacket() {
		return fmt.Errorf("%w: malformed DH response frame", ErrProtocol)
	}

	clientKeyHex, ok := pkt.TryExtractDHKey()
	if !ok || clientKeyHex == "" {
		return fmt.Errorf("%w: failed to extract client DH public key", ErrProtocol)
	}
	if err := c.dh.HandleClientResponse(clientKeyHex); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	sessionKey, err := c.dh.DeriveEncryptionKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := c.cipher.GenerateKey(sessionKey); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	c.cipher.Reset()

	c.setState(StateConnected)
	slog.Debug("connection handshake complete", "conn_id", c.id)
	return nil
}

// isNonFatalReadError reports whether err is a transient transport condition
// (spec §7: WouldBlock/Interrupted/NoBufferSpace/IoPending) that should be
// retried with backoff rather than ending the connection immediately.
// Deadline timeouts are handled separately by the caller; this covers the
// underlying syscall-level conditions Go's net package can still surface
// wrapped in a *net.OpError.
func isNonFatalReadError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.ENOBUFS)
}

// --- send path ---

func (c *Connection) sendPump(ctx context.Context) error {
	scratch := make([]byte, 0, constants.DefaultSendBufSize)

	defer func() {
		for {
			select {
			case pkt := <-c.sendCh:
				c.pool.Put(pkt)
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closeCh:
			return nil
		case pkt, ok := <-c.sendCh:
			if !ok {
				return nil
			}
			err := c.writeOne(pkt, &scratch)
			c.pool.Put(pkt)
			if err != nil {
				return err
			}
		}
	}
}

// writeOne encrypts pkt (if the session is up) and writes it with linear
// backoff retry on transient write failures (spec §4.5).
func (c *Connection) writeOne(pkt []byte, scratch *[]byte) error {
	out := pkt
	if c.State() == StateConnected && c.cipher.Initialized() {
		if cap(*scratch) < len(pkt) {
			*scratch = make([]byte, len(pkt))
		} else {
			*scratch = (*scratch)[:len(pkt)]
		}
		c.cipher.Encrypt(pkt, *scratch)
		out = *scratch
	}

	var lastErr error
	for attempt := 1; attempt <= constants.SendRetryAttempts; attempt++ {
		if err := c.netConn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		_, err := c.netConn.Write(out)
		if err == nil {
			c.packetsTx.Add(1)
			c.bytesTx.Add(uint64(len(out)))
			return nil
		}
		lastErr = err
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			time.Sleep(constants.SendRetryBaseBackoff * time.Duration(attempt))
			continue
		}
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("%w: %v", ErrClosed, lastErr)
}

// Send enqueues packetBytes for delivery. It blocks while the outbound
// queue is full (spec §3: producers wait on full) but returns immediately,
// without sending, once the connection has started disconnecting (spec
// §4.5: send fails silently if disconnected). Frames over the maximum wire
// size are rejected outright.
func (c *Connection) Send(packetBytes []byte) error {
	if len(packetBytes) > constants.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(packetBytes))
	}
	if c.State() == StateDisconnected {
		return nil
	}

	buf := c.pool.Get(len(packetBytes))
	copy(buf, packetBytes)

	select {
	case c.sendCh <- buf:
		return nil
	case <-c.closeCh:
		c.pool.Put(buf)
		return nil
	}
}

// --- health ---

func (c *Connection) healthMonitor(ctx context.Context) error {
	ticker := time.NewTicker(constants.HealthCheckTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closeCh:
			return nil
		case <-ticker.C:
			if c.State() != StateConnected {
				if time.Since(c.handshakeStartedAt) > constants.HandshakeTimeout {
					return ErrHandshakeTimeout
				}
			}
			last := time.Unix(0, c.lastActivityNano.Load())
			if time.Since(last) > constants.IdleTimeout {
				return ErrIdleTimeout
			}
		}
	}
}

// --- lifecycle ---

// Disconnect terminates the connection. Both modes stop the pumps first;
// immediate=false then waits LingerDrain and half-closes the write side
// before closing the socket. Frames still waiting in the outbound queue are
// not sent in either mode. Idempotent and safe to call from any goroutine
// (spec §4.5).
func (c *Connection) Disconnect(reason string, immediate bool) {
	c.disconnect(reason, immediate)
}

// DisconnectOnSecurityViolation is an immediate disconnect with an
// audit-flavored reason (spec §4.5, §7).
func (c *Connection) DisconnectOnSecurityViolation(details string) {
	c.disconnect(fmt.Sprintf("security violation: %s", details), true)
	slog.Warn("security violation", "conn_id", c.id, "details", details)
}

func (c *Connection) disconnect(reason string, immediate bool) {
	c.disconnectOnce.Do(func() {
		c.setState(StateDisconnected)
		close(c.closeCh)

		if !immediate {
			time.Sleep(constants.LingerDrain)
			if tcp, ok := c.netConn.(*net.TCPConn); ok {
				_ = tcp.CloseWrite()
			}
		}
		_ = c.netConn.Close()

		slog.Info("connection closed", "conn_id", c.id, "reason", reason,
			"packets_rx", c.packetsRx.Load(), "packets_tx", c.packetsTx.Load())

		if c.onDisconnect != nil {
			c.onDisconnect(c.id, reason)
		}
	})
}

// cleanup zeroes the cipher's key material; called exactly once via Run's
// defer, after the task tree has exited and the socket is closed. Pooled
// buffers are returned by the pumps themselves as they exit.
func (c *Connection) cleanup() {
	c.cipher.Zero()
}
