package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tqserver/core/internal/config"
	"github.com/tqserver/core/internal/core/conn"
	"github.com/tqserver/core/internal/core/packet"
)

// Next invokes the remainder of the pipeline (the next middleware, or the
// handler itself for the last stage).
type Next func() error

// Middleware is one stage of the MiddlewarePipeline. Returning a non-nil
// error short-circuits the remainder of the chain (spec §4.7: "returning
// false short-circuits").
type Middleware func(c *conn.Connection, p *packet.Packet, next Next) error

// Pipeline is the ordered middleware chain terminating in a HandlerRegistry
// lookup.
type Pipeline struct {
	stages  []Middleware
	limiter *RateLimiterRegistry
	slow    *SlowPacketRegistry
	metrics *Metrics
}

// Run drives p through every stage of the pipeline in order. A panic inside
// the handler itself is recovered at the invocation point so the Metrics
// middleware (which wraps the invocation) still records it as a failure,
// matching spec §4.7's "exceptions raised ... captured by Metrics ...
// re-raised to the Dispatcher".
func (pl *Pipeline) Run(c *conn.Connection, p *packet.Packet) error {
	chain := pl.stages
	var next func() error
	idx := 0
	next = func() error {
		if idx >= len(chain) {
			return nil
		}
		mw := chain[idx]
		idx++
		return mw(c, p, next)
	}
	return next()
}

// Forget releases every per-connection middleware state tracked for
// connID. The caller wires this to connection removal so rate-limit and
// slow-detect state doesn't outlive the connection it describes.
func (pl *Pipeline) Forget(connID uint32) {
	if pl.limiter != nil {
		pl.limiter.Forget(connID)
	}
	if pl.slow != nil {
		pl.slow.Forget(connID)
	}
	if pl.metrics != nil {
		pl.metrics.Forget(connID)
	}
}

// BuildPipeline constructs the middleware chain enabled for mode (spec §6,
// §4.7): Development and Production run the full chain (Development also
// enables debug Logging), HighPerformance drops SlowDetect and Logging,
// Testing runs Auth, Metrics and Handler only, with no rate-limit or
// slow-detect state, for deterministic tests.
func BuildPipeline(mode config.HandlerMode, registry *Registry, limiter *RateLimiterRegistry, slow *SlowPacketRegistry, metrics *Metrics) *Pipeline {
	invoke := wrapInvoke(registry)

	var stages []Middleware
	switch mode {
	case config.ModeTesting:
		stages = []Middleware{
			authMiddleware(),
			metricsStage(metrics, invoke),
		}
	case config.ModeHighPerformance:
		stages = []Middleware{
			rateLimitMiddleware(limiter),
			authMiddleware(),
			metricsStage(metrics, invoke),
		}
	case config.ModeDevelopment:
		stages = []Middleware{
			rateLimitMiddleware(limiter),
			authMiddleware(),
			loggingMiddleware(),
			slowDetectMiddleware(slow),
			metricsStage(metrics, invoke),
		}
	default: // config.ModeProduction and any unrecognized value
		stages = []Middleware{
			rateLimitMiddleware(limiter),
			authMiddleware(),
			slowDetectMiddleware(slow),
			metricsStage(metrics, invoke),
		}
	}

	return &Pipeline{stages: stages, limiter: limiter, slow: slow, metrics: metrics}
}

// wrapInvoke adapts the registry lookup into the final stage of the chain,
// recovering a handler panic into an error so the Metrics stage wrapping it
// observes a normal failure rather than an unwound goroutine.
func wrapInvoke(registry *Registry) func(c *conn.Connection, p *packet.Packet) error {
	return func(c *conn.Connection, p *packet.Packet) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("dispatch: handler panic: %v", r)
			}
		}()
		return registry.Invoke(c, p)
	}
}

func rateLimitMiddleware(limiter *RateLimiterRegistry) Middleware {
	return func(c *conn.Connection, p *packet.Packet, next Next) error {
		state := limiter.Get(c.ID())
		ok, reason := state.Allow(p.Type())
		if !ok {
			c.DisconnectOnSecurityViolation(reason)
			return fmt.Errorf("dispatch: security violation: %s", reason)
		}
		return next()
	}
}

// authMiddleware is a permissive no-op gate: spec §9 is explicit that the
// CORE keeps Auth as a structural slot without inventing a policy.
func authMiddleware() Middleware {
	return func(c *conn.Connection, p *packet.Packet, next Next) error {
		return next()
	}
}

func loggingMiddleware() Middleware {
	return func(c *conn.Connection, p *packet.Packet, next Next) error {
		err := next()
		slog.Debug("packet dispatched", "conn_id", c.ID(), "type", p.Type(), "error", err)
		return err
	}
}

func slowDetectMiddleware(tracker *SlowPacketRegistry) Middleware {
	return func(c *conn.Connection, p *packet.Packet, next Next) error {
		start := time.Now()
		err := next()
		dur := time.Since(start)

		state := tracker.Get(c.ID())
		if slow, verySlow := state.Record(p.Type(), dur); slow {
			slog.WarnContext(context.Background(), "slow packet handler",
				"conn_id", c.ID(), "type", p.Type(), "duration", dur, "very_slow", verySlow)
		}
		return err
	}
}

// metricsStage wraps invoke directly rather than taking a further Next, so
// it always sits last: spec §4.7 lists Metrics immediately before handler
// invocation, and nothing downstream of it can suppress its observation.
func metricsStage(m *Metrics, invoke func(c *conn.Connection, p *packet.Packet) error) Middleware {
	return func(c *conn.Connection, p *packet.Packet, next Next) error {
		err := invoke(c, p)
		m.Record(c.ID(), p.Type(), err)
		return err
	}
}
