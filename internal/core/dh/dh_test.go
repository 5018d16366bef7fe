package dh

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tqserver/core/internal/config"
	"github.com/tqserver/core/internal/core/packet"
)

func TestExchangeDeriveSharedSecretMatchesBothSides(t *testing.T) {
	p, g, err := ParseParameters(config.Default1024P, config.Default1024G)
	require.NoError(t, err)

	server, err := New(p, g)
	require.NoError(t, err)
	client, err := New(p, g)
	require.NoError(t, err)

	require.NoError(t, server.HandleClientResponse(client.PublicKeyHex()))
	require.NoError(t, client.HandleClientResponse(server.PublicKeyHex()))

	serverKey, err := server.DeriveEncryptionKey()
	require.NoError(t, err)
	clientKey, err := client.DeriveEncryptionKey()
	require.NoError(t, err)

	require.Equal(t, serverKey, clientKey)
	require.Len(t, serverKey, sessionKeyLen)
}

func TestHandleClientResponseRejectsOutOfRangeKey(t *testing.T) {
	p, g, err := ParseParameters(config.Default1024P, config.Default1024G)
	require.NoError(t, err)

	e, err := New(p, g)
	require.NoError(t, err)

	require.Error(t, e.HandleClientResponse("0"))
	require.Error(t, e.HandleClientResponse(p.Text(16)))
}

func TestDeriveEncryptionKeyBeforeResponseFails(t *testing.T) {
	p, g, err := ParseParameters(config.Default1024P, config.Default1024G)
	require.NoError(t, err)

	e, err := New(p, g)
	require.NoError(t, err)

	_, err = e.DeriveEncryptionKey()
	require.Error(t, err)
}

func TestCreateKeyExchangePacketIsWellFormed(t *testing.T) {
	p, g, err := ParseParameters(config.Default1024P, config.Default1024G)
	require.NoError(t, err)

	e, err := New(p, g)
	require.NoError(t, err)

	frame, err := e.CreateKeyExchangePacket(0x1050)
	require.NoError(t, err)

	rd := packet.NewFromBytes(frame)
	require.True(t, rd.IsServerPacket())
	require.Equal(t, uint16(0x1050), rd.Type())
}

func TestNewRejectsNilParameters(t *testing.T) {
	_, err := New(nil, big.NewInt(2))
	require.Error(t, err)
}
