package discover

import (
	"go.uber.org/zap"

	"github.com/pharos-net/pharos/adapter"
)

type options struct {
	log         *zap.Logger
	adapterOpts []adapter.Option
}

// Option configures a Browser at construction.
type Option func(*options)

// WithLogger attaches a structured logger, shared with the underlying
// adapter. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithAdapterOptions forwards options to the underlying adapter, e.g.
// adapter.WithInterface or adapter.WithIPv6.
func WithAdapterOptions(opts ...adapter.Option) Option {
	return func(o *options) {
		o.adapterOpts = append(o.adapterOpts, opts...)
	}
}
