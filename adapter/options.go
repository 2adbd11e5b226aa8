package adapter

import (
	"net"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pharos-net/pharos/engine"
)

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithLogger attaches a structured logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithClock replaces the wall clock, letting tests drive the deadline loop
// with a mock instead of sleeping.
func WithClock(clk clock.Clock) Option {
	return func(a *Adapter) {
		if clk != nil {
			a.clk = clk
		}
	}
}

// WithInterface restricts multicast membership to one interface. The default
// joins the group on every up, multicast-capable interface.
func WithInterface(ifi *net.Interface) Option {
	return func(a *Adapter) {
		a.ifi = ifi
	}
}

// WithIPv6 runs the adapter on the IPv6 group ff02::fb instead of
// 224.0.0.251. One adapter serves one address family; run two for dual-stack.
func WithIPv6() Option {
	return func(a *Adapter) {
		a.ipv6 = true
		a.engineOpts = append(a.engineOpts, engine.WithIPv6())
	}
}

// WithEngineOptions forwards options to the embedded protocol engine, e.g.
// engine.WithCacheCapacity or a seeded engine.WithRand.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *Adapter) {
		a.engineOpts = append(a.engineOpts, opts...)
	}
}

// WithMatchHandler registers the callback invoked for every query match. It
// runs on the adapter's loop goroutine, so it must not block; calling back
// into the Adapter (e.g. starting a follow-up query) is fine.
func WithMatchHandler(fn func(engine.Match)) Option {
	return func(a *Adapter) {
		a.onMatch = fn
	}
}

// WithEventHandler registers the callback invoked for every lifecycle event
// of a published record set. Same constraints as WithMatchHandler.
func WithEventHandler(fn func(engine.Event)) Option {
	return func(a *Adapter) {
		a.onEvent = fn
	}
}
