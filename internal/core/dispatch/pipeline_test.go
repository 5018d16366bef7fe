package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tqserver/core/internal/config"
	"github.com/tqserver/core/internal/core/conn"
	"github.com/tqserver/core/internal/core/packet"
)

func TestPipelineProductionRunsHandlerAndRecordsMetrics(t *testing.T) {
	registry := NewRegistry()
	var invoked bool
	require.NoError(t, registry.RegisterFunc(1, func(c *conn.Connection, p *packet.Packet) error {
		invoked = true
		return nil
	}))

	metrics := NewMetrics()
	pl := BuildPipeline(config.ModeProduction, registry, NewRateLimiterRegistry(), NewSlowPacketRegistry(), metrics)

	c := newTestConnection(t, 5)
	p := packet.NewForWrite(1, 16)

	require.NoError(t, pl.Run(c, p))
	require.True(t, invoked)
	require.Equal(t, uint64(1), metrics.Snapshot().TotalSuccess)
}

func TestPipelineRecordsHandlerErrorAsFailureWithoutPanicking(t *testing.T) {
	registry := NewRegistry()
	wantErr := errors.New("handler failed")
	require.NoError(t, registry.RegisterFunc(2, func(c *conn.Connection, p *packet.Packet) error {
		return wantErr
	}))

	metrics := NewMetrics()
	pl := BuildPipeline(config.ModeProduction, registry, NewRateLimiterRegistry(), NewSlowPacketRegistry(), metrics)

	c := newTestConnection(t, 6)
	p := packet.NewForWrite(2, 16)

	err := pl.Run(c, p)
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, uint64(1), metrics.Snapshot().TotalFailure)
}

func TestPipelineRecoversHandlerPanicAsMetricsFailure(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.RegisterFunc(3, func(c *conn.Connection, p *packet.Packet) error {
		panic("boom")
	}))

	metrics := NewMetrics()
	pl := BuildPipeline(config.ModeProduction, registry, NewRateLimiterRegistry(), NewSlowPacketRegistry(), metrics)

	c := newTestConnection(t, 7)
	p := packet.NewForWrite(3, 16)

	require.NotPanics(t, func() {
		err := pl.Run(c, p)
		require.Error(t, err)
	})
	require.Equal(t, uint64(1), metrics.Snapshot().TotalFailure)
}

func TestPipelineRateLimitShortCircuitsHandler(t *testing.T) {
	registry := NewRegistry()
	var invoked bool
	require.NoError(t, registry.RegisterFunc(4, func(c *conn.Connection, p *packet.Packet) error {
		invoked = true
		return nil
	}))

	limiter := NewRateLimiterRegistry()
	metrics := NewMetrics()
	pl := BuildPipeline(config.ModeProduction, registry, limiter, NewSlowPacketRegistry(), metrics)

	c := newTestConnection(t, 8)

	// Drive the connection's limiter state directly: the first
	// FloodThreshold calls are admitted and the rest are rejected as a
	// flood, so the next packet through the pipeline is rejected by the
	// RateLimit stage's flood check within the same window.
	state := limiter.Get(c.ID())
	for i := 0; i < 100; i++ {
		state.Allow(uint16(i % 5))
	}

	err := pl.Run(c, packet.NewForWrite(4, 16))
	require.Error(t, err)
	require.False(t, invoked)
}

func TestPipelineTestingModeSkipsRateLimit(t *testing.T) {
	registry := NewRegistry()
	var invoked bool
	require.NoError(t, registry.RegisterFunc(1, func(c *conn.Connection, p *packet.Packet) error {
		invoked = true
		return nil
	}))

	pl := BuildPipeline(config.ModeTesting, registry, NewRateLimiterRegistry(), NewSlowPacketRegistry(), NewMetrics())
	c := newTestConnection(t, 9)

	require.NoError(t, pl.Run(c, packet.NewForWrite(1, 16)))
	require.True(t, invoked)
}
