package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tqserver/core/internal/core/cipher"
	"github.com/tqserver/core/internal/core/packet"
)

const testKey = "R3Xx97ra5j8D6uZz"

func buildClientFrame(t *testing.T, pktType uint16, payload []byte) []byte {
	t.Helper()
	p := packet.NewForWrite(pktType, 64)
	require.NoError(t, p.WriteBytes(payload))
	headerLen := p.Cursor()
	frame := make([]byte, headerLen+8)
	copy(frame, p.Bytes()[:headerLen])
	copy(frame[headerLen:], packet.ClientSignature)
	var lenBuf [2]byte
	lenBuf[0] = byte(headerLen)
	lenBuf[1] = byte(headerLen >> 8)
	copy(frame[0:2], lenBuf[:])
	return frame
}

func TestProcessSingleFrame(t *testing.T) {
	enc, err := cipher.New([]byte(testKey))
	require.NoError(t, err)
	dec, err := cipher.New([]byte(testKey))
	require.NoError(t, err)

	plain := buildClientFrame(t, 7, []byte("hello"))
	raw := make([]byte, len(plain))
	enc.Encrypt(plain, raw)

	ch := make(chan InboundMessage, 4)
	c := New(1, dec, ch)

	consumed, _, err := c.Process(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), consumed)

	msg := <-ch
	require.Equal(t, uint32(1), msg.ConnID)
	require.Equal(t, uint16(7), msg.Packet.Type())
}

func TestProcessIncompleteFrameWaitsForMoreBytes(t *testing.T) {
	enc, err := cipher.New([]byte(testKey))
	require.NoError(t, err)
	dec, err := cipher.New([]byte(testKey))
	require.NoError(t, err)

	plain := buildClientFrame(t, 3, []byte("0123456789"))
	raw := make([]byte, len(plain))
	enc.Encrypt(plain, raw)

	ch := make(chan InboundMessage, 4)
	c := New(1, dec, ch)

	firstHalf := raw[:len(raw)/2]
	consumed, _, err := c.Process(firstHalf)
	require.NoError(t, err)
	require.Equal(t, len(firstHalf), consumed)
	require.Len(t, ch, 0)

	secondHalf := raw[len(raw)/2:]
	consumed, _, err = c.Process(secondHalf)
	require.NoError(t, err)
	require.Equal(t, len(secondHalf), consumed)
	require.Len(t, ch, 1)
}

func TestProcessRejectsOversizeFrame(t *testing.T) {
	enc, err := cipher.New([]byte(testKey))
	require.NoError(t, err)
	dec, err := cipher.New([]byte(testKey))
	require.NoError(t, err)

	// Fabricate a header declaring length 1017 (total 1025 > MaxFrameSize).
	header := []byte{0xF9, 0x03, 0x01, 0x00}
	raw := make([]byte, len(header))
	enc.Encrypt(header, raw)

	ch := make(chan InboundMessage, 4)
	c := New(1, dec, ch)

	_, _, err = c.Process(raw)
	require.ErrorIs(t, err, ErrFrameOutOfBounds)
}

func TestProcessMultipleFramesInOneCall(t *testing.T) {
	enc, err := cipher.New([]byte(testKey))
	require.NoError(t, err)
	dec, err := cipher.New([]byte(testKey))
	require.NoError(t, err)

	f1 := buildClientFrame(t, 1, []byte("a"))
	f2 := buildClientFrame(t, 2, []byte("bb"))
	plain := append(append([]byte{}, f1...), f2...)
	raw := make([]byte, len(plain))
	enc.Encrypt(plain, raw)

	ch := make(chan InboundMessage, 4)
	c := New(1, dec, ch)

	consumed, _, err := c.Process(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), consumed)
	require.Len(t, ch, 2)

	m1 := <-ch
	m2 := <-ch
	require.Equal(t, uint16(1), m1.Packet.Type())
	require.Equal(t, uint16(2), m2.Packet.Type())
}
