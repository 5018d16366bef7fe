package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/tqserver/core/internal/constants"
	"github.com/tqserver/core/internal/core/codec"
	"github.com/tqserver/core/internal/core/conn"
)

// Lookup resolves a ConnectionId to its live Connection. The Dispatcher
// never owns connections itself; it asks whoever does (normally the
// ConnectionManager).
type Lookup func(connID uint32) (*conn.Connection, bool)

// Dispatcher is the single task that drains the global inbound-message
// channel and runs the pipeline for each message (spec §4.9). It never
// blocks a receive pump: pipeline errors are logged and attributed to the
// connection, never propagated back into the I/O tasks.
type Dispatcher struct {
	inbound  <-chan codec.InboundMessage
	pipeline *Pipeline
	lookup   Lookup
	metrics  *Metrics
}

// New constructs a Dispatcher reading from inbound and resolving
// connections via lookup.
func New(inbound <-chan codec.InboundMessage, pipeline *Pipeline, lookup Lookup, metrics *Metrics) *Dispatcher {
	return &Dispatcher{inbound: inbound, pipeline: pipeline, lookup: lookup, metrics: metrics}
}

// Run drains inbound until ctx is canceled or the channel is closed. A
// periodic tick drives the Metrics report (spec §4.7: "emits periodic
// reports every 5 minutes").
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(constants.MetricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.metrics.MaybeReport()
		case msg, ok := <-d.inbound:
			if !ok {
				return nil
			}
			d.handle(msg)
		}
	}
}

func (d *Dispatcher) handle(msg codec.InboundMessage) {
	c, ok := d.lookup(msg.ConnID)
	if !ok {
		slog.Debug("dispatch: dropping message, connection no longer tracked", "conn_id", msg.ConnID)
		return
	}

	if err := d.pipeline.Run(c, msg.Packet); err != nil {
		slog.Debug("dispatch: pipeline error", "conn_id", msg.ConnID, "type", msg.Packet.Type(), "error", err)
	}
}
