package dispatch

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tqserver/core/internal/config"
	"github.com/tqserver/core/internal/constants"
	"github.com/tqserver/core/internal/core/bufpool"
	"github.com/tqserver/core/internal/core/codec"
	"github.com/tqserver/core/internal/core/conn"
	"github.com/tqserver/core/internal/core/dh"
)

// newTestConnection returns a Connection whose handshake state machine is
// never driven; the middleware stack under test only reads ID() and calls
// DisconnectOnSecurityViolation, neither of which requires a live handshake.
func newTestConnection(t *testing.T, id uint32) *conn.Connection {
	t.Helper()

	p, g, err := dh.ParseParameters(config.Default1024P, config.Default1024G)
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	pool := bufpool.New(constants.DefaultReadBufSize)
	inbound := make(chan codec.InboundMessage, 1)

	c, err := conn.New(id, serverSide, p, g, pool, inbound, 4, nil)
	require.NoError(t, err)
	return c
}
