// Package codec implements PacketCodec: framing on top of the per-connection
// stream cipher (spec §4.4). It turns a growing slice of raw, possibly still
// encrypted bytes into complete, signature-validated Packets, one connection
// at a time.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/tqserver/core/internal/constants"
	"github.com/tqserver/core/internal/core/cipher"
	"github.com/tqserver/core/internal/core/packet"
)

// ErrFrameOutOfBounds is returned when a declared frame length falls outside
// [constants.MinFrameSize, constants.MaxFrameSize]; the caller must treat
// this as a fatal ProtocolError and terminate the connection (spec §7).
var ErrFrameOutOfBounds = fmt.Errorf("codec: declared frame size outside [%d, %d]", constants.MinFrameSize, constants.MaxFrameSize)

// InboundMessage pairs a decoded packet with the connection it arrived on,
// the unit pushed onto the global inbound channel the Dispatcher reads from.
type InboundMessage struct {
	ConnID uint32
	Packet *packet.Packet
}

// Codec holds one connection's decrypted-frame accumulator. It is owned
// exclusively by that connection's receive pump; nothing else touches it
// concurrently (spec §5: buffers are owned by the receive-pump).
type Codec struct {
	connID  uint32
	cipher  *cipher.Cipher
	decbuf  []byte // accumulator; reused across frames, sized to MaxFrameSize
	decLen  int
	inbound chan<- InboundMessage
}

// New creates a Codec for one connection. cipher is the connection's shared
// Cipher instance (the same one the send pump encrypts with); inbound is the
// global channel the Dispatcher drains.
func New(connID uint32, c *cipher.Cipher, inbound chan<- InboundMessage) *Codec {
	return &Codec{
		connID:  connID,
		cipher:  c,
		decbuf:  make([]byte, constants.MaxFrameSize),
		inbound: inbound,
	}
}

// TryDecodeOne decrypts and frames at most one packet from raw, without
// pushing it anywhere. It returns a nil packet when raw does not yet hold a
// complete frame — the caller must wait for more bytes. consumed may still
// be 2 in that case (the length prefix was decrypted into the accumulator),
// and the caller must discard those bytes from raw either way. Used directly by the
// handshake state machine (the DH response frame is intercepted by the
// connection itself, never routed to the Dispatcher) and internally by
// Process for the steady-state Connected path.
func (c *Codec) TryDecodeOne(raw []byte) (pkt *packet.Packet, consumed int, err error) {
	if c.decLen < 2 {
		need := 2 - c.decLen
		if len(raw) < need {
			return nil, 0, nil
		}
		c.cipher.Decrypt(raw[:need], c.decbuf[c.decLen:c.decLen+need])
		c.decLen += need
		consumed += need
		raw = raw[need:]
	}

	declaredLength := int(binary.LittleEndian.Uint16(c.decbuf[0:2]))
	total := declaredLength + 8
	if total < constants.MinFrameSize || total > constants.MaxFrameSize {
		return nil, consumed, ErrFrameOutOfBounds
	}

	remaining := total - c.decLen
	if len(raw) < remaining {
		return nil, consumed, nil
	}

	c.cipher.Decrypt(raw[:remaining], c.decbuf[c.decLen:total])
	consumed += remaining
	c.decLen = 0 // reset accumulator offset once the frame is fully committed

	return packet.NewFromBytes(c.decbuf[:total]), consumed, nil
}

// Process decrypts and frames as many complete packets as raw contains, up
// to constants.MaxFramesPerCodecCall, pushing each valid client-originated
// packet onto the inbound channel. It returns the number of bytes consumed
// from raw and the number of frames decoded (dispatched or dropped), so the
// caller can maintain a packets_rx counter. The caller must shift its raw
// buffer by consumed. A non-nil error is always fatal (ErrFrameOutOfBounds)
// and the caller must disconnect.
func (c *Codec) Process(raw []byte) (consumed int, frames int, err error) {
	pos := 0

	for frames = 0; frames < constants.MaxFramesPerCodecCall; frames++ {
		pkt, n, err := c.TryDecodeOne(raw[pos:])
		pos += n
		if err != nil {
			return pos, frames, err
		}
		if pkt == nil {
			break // incomplete: wait for more raw bytes
		}

		if pkt.IsComplete() && pkt.IsClientPacket() {
			c.inbound <- InboundMessage{ConnID: c.connID, Packet: pkt}
		}
		// else: malformed/misdirected frame, silently dropped (caller logs at
		// the connection layer where connID context is available).
	}

	return pos, frames, nil
}
