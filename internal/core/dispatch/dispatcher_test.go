package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tqserver/core/internal/config"
	"github.com/tqserver/core/internal/core/codec"
	"github.com/tqserver/core/internal/core/conn"
	"github.com/tqserver/core/internal/core/packet"
)

func TestDispatcherDrainsInboundAndRunsHandler(t *testing.T) {
	registry := NewRegistry()
	handled := make(chan uint16, 1)
	require.NoError(t, registry.RegisterFunc(1, func(c *conn.Connection, p *packet.Packet) error {
		handled <- p.Type()
		return nil
	}))

	metrics := NewMetrics()
	pl := BuildPipeline(config.ModeTesting, registry, NewRateLimiterRegistry(), NewSlowPacketRegistry(), metrics)

	c := newTestConnection(t, 11)
	inbound := make(chan codec.InboundMessage, 4)
	lookup := func(id uint32) (*conn.Connection, bool) {
		if id == c.ID() {
			return c, true
		}
		return nil, false
	}

	d := New(inbound, pl, lookup, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	inbound <- codec.InboundMessage{ConnID: c.ID(), Packet: packet.NewForWrite(1, 16)}

	select {
	case got := <-handled:
		require.Equal(t, uint16(1), got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestDispatcherDropsMessageForUnknownConnection(t *testing.T) {
	registry := NewRegistry()
	metrics := NewMetrics()
	pl := BuildPipeline(config.ModeTesting, registry, NewRateLimiterRegistry(), NewSlowPacketRegistry(), metrics)

	inbound := make(chan codec.InboundMessage, 1)
	lookup := func(id uint32) (*conn.Connection, bool) { return nil, false }

	d := New(inbound, pl, lookup, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)

	inbound <- codec.InboundMessage{ConnID: 999, Packet: packet.NewForWrite(1, 16)}

	require.Never(t, func() bool {
		return metrics.Snapshot().TotalSuccess > 0 || metrics.Snapshot().TotalFailure > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestDispatcherReturnsNilWhenInboundChannelCloses(t *testing.T) {
	registry := NewRegistry()
	metrics := NewMetrics()
	pl := BuildPipeline(config.ModeTesting, registry, NewRateLimiterRegistry(), NewSlowPacketRegistry(), metrics)

	inbound := make(chan codec.InboundMessage)
	lookup := func(id uint32) (*conn.Connection, bool) { return nil, false }

	d := New(inbound, pl, lookup, metrics)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()

	close(inbound)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
}
