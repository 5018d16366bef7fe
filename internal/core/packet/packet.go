// Package packet implements the growable, length-prefixed, signed frame
// container used throughout the CORE (spec §4.3). A Packet is either
// "write-mode" (pool-owned, grows on demand while being built with
// NewForWrite) or "read-mode" (a fixed, caller-sized buffer produced by
// NewFromBytes, where writes past capacity fail instead of growing).
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/proto"
)

// Frame structure constants (spec §3, §6).
const (
	HeaderSize    = 4 // 2-byte length + 2-byte type
	SignatureSize = 8
	MinFrameSize  = HeaderSize + SignatureSize
	MaxFrameSize  = 1024
)

// Signatures distinguishing client- and server-originated frames.
const (
	ClientSignature = "TQClient"
	ServerSignature = "TQServer"
)

// Sentinel errors. Reads/writes out of bounds return these wrapped with
// context, never panic (spec §4.3, §7).
var (
	ErrInvalidPacket   = errors.New("packet: read out of bounds")
	ErrBufferOverflow  = errors.New("packet: write exceeds fixed buffer capacity")
)

// Packet is a little-endian typed byte container with a 4-byte header,
// a cursor, and (once built or received complete) an 8-byte signature.
type Packet struct {
	buf      []byte
	cursor   int
	growable bool // true for NewForWrite, false for NewFromBytes
}

// NewForWrite starts a new outbound frame: writes a zero length placeholder
// and pktType into the 4-byte header, positions the cursor at 4, and makes
// the buffer grow on demand as the caller writes the payload.
func NewForWrite(pktType uint16, capacity int) *Packet {
	if capacity < HeaderSize {
		capacity = HeaderSize
	}
	p := &Packet{
		buf:      make([]byte, HeaderSize, capacity),
		cursor:   HeaderSize,
		growable: true,
	}
	binary.LittleEndian.PutUint16(p.buf[0:2], 0)
	binary.LittleEndian.PutUint16(p.buf[2:4], pktType)
	return p
}

// NewFromBytes copies data into an owned buffer and positions the cursor at
// 4 (immediately after the header), for decoding a received frame. Writes
// past the copied length fail with ErrBufferOverflow rather than growing.
func NewFromBytes(data []byte) *Packet {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Packet{
		buf:      buf,
		cursor:   HeaderSize,
		growable: false,
	}
}

// Length returns the header's declared length field (spec §3: total bytes
// before the trailing signature, i.e. header+payload).
func (p *Packet) Length() uint16 {
	if len(p.buf) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(p.buf[0:2])
}

// Type returns the header's type field.
func (p *Packet) Type() uint16 {
	if len(p.buf) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint16(p.buf[2:4])
}

// Bytes returns the packet's current raw buffer (complete frame once Build
// has been called, or the receive buffer for NewFromBytes packets).
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Cursor returns the current cursor offset.
func (p *Packet) Cursor() int {
	return p.cursor
}

// Seek moves the cursor to an absolute offset. Read-mode packets accept
// offsets up to the buffer length; write-mode packets accept any
// non-negative offset, and the next write zero-fills any gap it leaves.
func (p *Packet) Seek(abs int) error {
	if abs < 0 || (!p.growable && abs > len(p.buf)) {
		return fmt.Errorf("%w: seek to %d (len %d)", ErrInvalidPacket, abs, len(p.buf))
	}
	p.cursor = abs
	return nil
}

// SeekToPayload seeks to offset 4+off, i.e. an offset relative to the start
// of the payload.
func (p *Packet) SeekToPayload(off int) error {
	return p.Seek(HeaderSize + off)
}

// Skip advances the cursor by n bytes.
func (p *Packet) Skip(n int) error {
	return p.Seek(p.cursor + n)
}

// payloadEnd returns the offset one past the last payload byte: the
// declared header length for a complete frame, or the current buffer
// length while still being written.
func (p *Packet) payloadEnd() int {
	if p.IsComplete() {
		return int(p.Length())
	}
	return len(p.buf)
}

// RemainingBytes returns the number of unread bytes between the cursor and
// the end of the payload (excluding the trailing signature, if present).
func (p *Packet) RemainingBytes() int {
	end := p.payloadEnd()
	if p.cursor >= end {
		return 0
	}
	return end - p.cursor
}

// IsComplete reports whether the buffer holds a full, validly signed frame
// (spec §3 invariant): declared length >= HeaderSize, declared length + 8
// fits in the buffer, and the trailing 8 bytes are a recognized signature.
func (p *Packet) IsComplete() bool {
	if len(p.buf) < MinFrameSize {
		return false
	}
	l := int(p.Length())
	if l < HeaderSize || l+SignatureSize > len(p.buf) {
		return false
	}
	sig := string(p.buf[l : l+SignatureSize])
	return sig == ClientSignature || sig == ServerSignature
}

// IsClientPacket reports whether this is a complete, client-originated frame.
func (p *Packet) IsClientPacket() bool {
	return p.IsComplete() && string(p.buf[int(p.Length()):int(p.Length())+SignatureSize]) == ClientSignature
}

// IsServerPacket reports whether this is a complete, server-originated frame.
func (p *Packet) IsServerPacket() bool {
	return p.IsComplete() && string(p.buf[int(p.Length()):int(p.Length())+SignatureSize]) == ServerSignature
}

// Build finalizes a write-mode frame: writes the 8-byte server signature at
// the cursor, back-patches header.length = cursor_before_signature and
// header.type = pktType, and returns the complete frame bytes.
func (p *Packet) Build(pktType uint16) []byte {
	headerLength := p.cursor
	if err := p.ensureCapacity(p.cursor + SignatureSize); err != nil {
		panic(err) // growable buffers never fail ensureCapacity
	}
	copy(p.buf[p.cursor:p.cursor+SignatureSize], ServerSignature)
	p.cursor += SignatureSize

	binary.LittleEndian.PutUint16(p.buf[0:2], uint16(headerLength))
	binary.LittleEndian.PutUint16(p.buf[2:4], pktType)

	return p.buf[:p.cursor]
}

// ensureCapacity grows the buffer (doubling until it fits) for write-mode
// packets; for read-mode packets it returns ErrBufferOverflow instead.
func (p *Packet) ensureCapacity(need int) error {
	if need <= len(p.buf) {
		return nil
	}
	if !p.growable {
		return fmt.Errorf("%w: need %d, have %d", ErrBufferOverflow, need, len(p.buf))
	}
	newCap := cap(p.buf)
	if newCap == 0 {
		newCap = HeaderSize
	}
	for newCap < need {
		newCap *= 2
	}
	grown := make([]byte, need, newCap)
	copy(grown, p.buf)
	p.buf = grown
	return nil
}

func (p *Packet) checkReadBounds(n int) error {
	end := p.payloadEnd()
	if p.cursor+n > end {
		return fmt.Errorf("%w: need %d bytes at offset %d, payload ends at %d", ErrInvalidPacket, n, p.cursor, end)
	}
	return nil
}

// --- typed reads ---

func (p *Packet) ReadUint8() (uint8, error) {
	if err := p.checkReadBounds(1); err != nil {
		return 0, err
	}
	v := p.buf[p.cursor]
	p.cursor++
	return v, nil
}

func (p *Packet) ReadInt8() (int8, error) {
	v, err := p.ReadUint8()
	return int8(v), err
}

func (p *Packet) ReadUint16() (uint16, error) {
	if err := p.checkReadBounds(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(p.buf[p.cursor:])
	p.cursor += 2
	return v, nil
}

func (p *Packet) ReadInt16() (int16, error) {
	v, err := p.ReadUint16()
	return int16(v), err
}

func (p *Packet) ReadUint32() (uint32, error) {
	if err := p.checkReadBounds(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(p.buf[p.cursor:])
	p.cursor += 4
	return v, nil
}

func (p *Packet) ReadInt32() (int32, error) {
	v, err := p.ReadUint32()
	return int32(v), err
}

func (p *Packet) ReadUint64() (uint64, error) {
	if err := p.checkReadBounds(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(p.buf[p.cursor:])
	p.cursor += 8
	return v, nil
}

func (p *Packet) ReadInt64() (int64, error) {
	v, err := p.ReadUint64()
	return int64(v), err
}

func (p *Packet) ReadFloat32() (float32, error) {
	v, err := p.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (p *Packet) ReadFloat64() (float64, error) {
	v, err := p.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadBytes returns a copy of the next n bytes.
func (p *Packet) ReadBytes(n int) ([]byte, error) {
	if err := p.checkReadBounds(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p.buf[p.cursor:p.cursor+n])
	p.cursor += n
	return out, nil
}

// ReadString reads up to n bytes, truncates at the first NUL, and decodes
// the remainder as UTF-8.
func (p *Packet) ReadString(n int) (string, error) {
	raw, err := p.ReadBytes(n)
	if err != nil {
		return "", err
	}
	if idx := indexNUL(raw); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw), nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// --- typed writes ---

func (p *Packet) writeAt(data []byte) error {
	need := p.cursor + len(data)
	if err := p.ensureCapacity(need); err != nil {
		return err
	}
	if len(p.buf) < need {
		p.buf = p.buf[:need]
	}
	copy(p.buf[p.cursor:need], data)
	p.cursor += len(data)
	return nil
}

func (p *Packet) WriteUint8(v uint8) error  { return p.writeAt([]byte{v}) }
func (p *Packet) WriteInt8(v int8) error    { return p.writeAt([]byte{byte(v)}) }

func (p *Packet) WriteUint16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return p.writeAt(b[:])
}

func (p *Packet) WriteInt16(v int16) error { return p.WriteUint16(uint16(v)) }

func (p *Packet) WriteUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return p.writeAt(b[:])
}

func (p *Packet) WriteInt32(v int32) error { return p.WriteUint32(uint32(v)) }

func (p *Packet) WriteUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return p.writeAt(b[:])
}

func (p *Packet) WriteInt64(v int64) error { return p.WriteUint64(uint64(v)) }

func (p *Packet) WriteFloat32(v float32) error { return p.WriteUint32(math.Float32bits(v)) }
func (p *Packet) WriteFloat64(v float64) error { return p.WriteUint64(math.Float64bits(v)) }

func (p *Packet) WriteBytes(data []byte) error { return p.writeAt(data) }

// WriteString writes s into a fixed-width field of exactly width bytes,
// truncating and padding with NULs as needed.
func (p *Packet) WriteString(s string, width int) error {
	field := make([]byte, width)
	copy(field, s)
	return p.writeAt(field)
}

// TryExtractDHKey seeks to offset 11, reads a 32-bit length L, jumps to
// offset L+4+11, reads a 32-bit key length K, and reads K ASCII bytes.
// The cursor is preserved on exit. Any bounds failure returns ("", false)
// rather than an error, per spec §4.3/§9 (the arithmetic is taken verbatim
// from the source protocol and must not be "fixed").
func (p *Packet) TryExtractDHKey() (string, bool) {
	saved := p.cursor
	defer func() { p.cursor = saved }()

	if err := p.Seek(11); err != nil {
		return "", false
	}
	l, err := p.ReadUint32()
	if err != nil {
		return "", false
	}
	if err := p.Seek(int(l) + 4 + 11); err != nil {
		return "", false
	}
	k, err := p.ReadUint32()
	if err != nil {
		return "", false
	}
	keyBytes, err := p.ReadBytes(int(k))
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(keyBytes), "\x00"), true
}

// SerializeProto positions the cursor at 4 and writes the protobuf-encoded
// message contiguously as the payload.
func (p *Packet) SerializeProto(msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("packet: marshaling protobuf payload: %w", err)
	}
	if err := p.Seek(HeaderSize); err != nil {
		return err
	}
	if p.growable {
		p.buf = p.buf[:HeaderSize]
	}
	return p.writeAt(data)
}

// DeserializeProto unmarshals the payload (offset 4 to the declared length,
// or to the end of the buffer while still being written) into msg.
func (p *Packet) DeserializeProto(msg proto.Message) error {
	end := p.payloadEnd()
	if end < HeaderSize || end > len(p.buf) {
		return fmt.Errorf("%w: invalid payload bounds", ErrInvalidPacket)
	}
	if err := proto.Unmarshal(p.buf[HeaderSize:end], msg); err != nil {
		return fmt.Errorf("packet: unmarshaling protobuf payload: %w", err)
	}
	return nil
}
