package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRoundTrip(t *testing.T) {
	p := NewForWrite(0x1234, 64)
	require.NoError(t, p.WriteUint32(42))
	require.NoError(t, p.WriteString("hi", 8))

	frame := p.Build(0x1234)
	require.Len(t, frame, HeaderSize+4+8+SignatureSize)

	rd := NewFromBytes(frame)
	require.True(t, rd.IsComplete())
	require.True(t, rd.IsServerPacket())
	require.False(t, rd.IsClientPacket())
	require.Equal(t, uint16(0x1234), rd.Type())

	v, err := rd.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), v)

	s, err := rd.ReadString(8)
	require.NoError(t, err)
	require.Equal(t, "hi", s)
}

func TestEmptyPayloadFrame(t *testing.T) {
	p := NewForWrite(1, 16)
	frame := p.Build(1)
	require.Len(t, frame, MinFrameSize)
	require.Equal(t, uint16(HeaderSize), NewFromBytes(frame).Length())
}

func TestReadBeyondPayloadFailsWithInvalidPacket(t *testing.T) {
	p := NewForWrite(1, 16)
	require.NoError(t, p.WriteUint16(7))
	frame := p.Build(1)

	rd := NewFromBytes(frame)
	_, err := rd.ReadUint16()
	require.NoError(t, err)
	_, err = rd.ReadUint32()
	require.ErrorIs(t, err, ErrInvalidPacket)
}

func TestWriteBeyondFixedBufferOverflows(t *testing.T) {
	rd := NewFromBytes(make([]byte, HeaderSize))
	err := rd.WriteBytes(make([]byte, 100))
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestSeekSkipRemainingBytes(t *testing.T) {
	p := NewForWrite(1, 16)
	require.NoError(t, p.WriteBytes([]byte("0123456789")))
	frame := p.Build(1)

	rd := NewFromBytes(frame)
	require.Equal(t, 10, rd.RemainingBytes())
	require.NoError(t, rd.Skip(4))
	require.Equal(t, 6, rd.RemainingBytes())
	require.NoError(t, rd.SeekToPayload(2))
	b, err := rd.ReadBytes(3)
	require.NoError(t, err)
	require.Equal(t, []byte("234"), b)
}

func TestTryExtractDHKey(t *testing.T) {
	p := NewForWrite(0xAAAA, 64)
	require.NoError(t, p.Seek(11))
	pValue := "abcdef01"
	require.NoError(t, p.WriteUint32(uint32(len(pValue))))
	require.NoError(t, p.WriteBytes([]byte(pValue)))

	clientKey := "deadbeef12345678"
	require.NoError(t, p.WriteUint32(uint32(len(clientKey))))
	require.NoError(t, p.WriteBytes([]byte(clientKey)))

	cursorBefore := p.Cursor()
	key, ok := p.TryExtractDHKey()
	require.True(t, ok)
	require.Equal(t, clientKey, key)
	require.Equal(t, cursorBefore, p.Cursor(), "cursor must be restored")
}

func TestTryExtractDHKeyFailsCleanlyOnShortBuffer(t *testing.T) {
	rd := NewFromBytes(make([]byte, HeaderSize))
	_, ok := rd.TryExtractDHKey()
	require.False(t, ok)
}

func TestReadStringTruncatesAtNUL(t *testing.T) {
	p := NewForWrite(1, 16)
	require.NoError(t, p.WriteString("ok", 8))
	frame := p.Build(1)

	rd := NewFromBytes(frame)
	s, err := rd.ReadString(8)
	require.NoError(t, err)
	require.Equal(t, "ok", s)
}

func BenchmarkBuildSmallFrame(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := NewForWrite(1, 64)
		_ = p.WriteUint32(uint32(i))
		_ = p.Build(1)
	}
}
