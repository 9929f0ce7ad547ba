package derby

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/middleware"
	"github.com/hedeqiang/derby/store"
	"github.com/hedeqiang/derby/wallet"
)

// Option configures a Derby instance.
type Option func(*Derby)

// WithSigner sets the wallet used for approve and race transactions.
// Without a signer the client is read-only.
func WithSigner(s wallet.Signer) Option {
	return func(d *Derby) {
		d.signer = s
	}
}

// WithChain uses c instead of dialing the configured RPC URL.
func WithChain(c chain.Chain) Option {
	return func(d *Derby) {
		d.chain = c
	}
}

// WithStore uses s instead of opening the configured store DSN.
func WithStore(s store.Store) Option {
	return func(d *Derby) {
		d.store = s
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(d *Derby) {
		d.logger = l
	}
}

// WithRegistry registers the client metrics with reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(d *Derby) {
		d.registry = reg
	}
}

// WithMiddleware adds middleware to the race feed pipeline.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(d *Derby) {
		d.middlewares = append(d.middlewares, mw...)
	}
}
